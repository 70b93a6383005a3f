// Package identity is the sign-in provider consumed by the session gate.
package identity

import (
	"context"
	"fmt"
)

// Provider error codes. Callers classify failures by code, never by message.
const (
	CodeConfigurationNotFound = "auth/configuration-not-found"
	CodeOperationNotAllowed   = "auth/operation-not-allowed"
	CodeUnauthorizedDomain    = "auth/unauthorized-domain"
	CodeInvalidCustomToken    = "auth/invalid-custom-token"
	CodeExpiredCustomToken    = "auth/custom-token-expired"
)

const (
	ProviderAnonymous = "anonymous"
	ProviderCustom    = "custom"
)

// User is an opaque signed-in identity.
type User struct {
	UID         string `json:"uid"`
	Provider    string `json:"provider"`
	DisplayName string `json:"displayName,omitempty"`
}

func (u User) IsAnonymous() bool { return u.Provider == ProviderAnonymous }

type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Provider signs users in and reports identity changes. A nil *User passed to a
// listener means "signed out".
type Provider interface {
	SignInWithToken(ctx context.Context, token string) (User, error)
	SignInAnonymously(ctx context.Context) (User, error)
	OnIdentityChange(listener func(*User)) (unsubscribe func())
	SignOut(ctx context.Context) error
}
