package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cqm/api/internal/auth"
	"cqm/api/internal/identity"
)

type fakeProvider struct {
	tokenFn      func(context.Context, string) (identity.User, error)
	anonymousFn  func(context.Context) (identity.User, error)
	listener     func(*identity.User)
	unsubscribed int
	anonCalls    int
	tokenCalls   int
}

func (f *fakeProvider) SignInWithToken(ctx context.Context, token string) (identity.User, error) {
	f.tokenCalls++
	if f.tokenFn != nil {
		return f.tokenFn(ctx, token)
	}
	return identity.User{UID: "custom-1", Provider: identity.ProviderCustom}, nil
}

func (f *fakeProvider) SignInAnonymously(ctx context.Context) (identity.User, error) {
	f.anonCalls++
	if f.anonymousFn != nil {
		return f.anonymousFn(ctx)
	}
	return identity.User{UID: "anon-1", Provider: identity.ProviderAnonymous}, nil
}

func (f *fakeProvider) OnIdentityChange(listener func(*identity.User)) func() {
	f.listener = listener
	listener(nil)
	return func() { f.unsubscribed++ }
}

func (f *fakeProvider) SignOut(context.Context) error {
	if f.listener != nil {
		f.listener(nil)
	}
	return nil
}

func TestStartAnonymousWhenNoCredential(t *testing.T) {
	p := &fakeProvider{}
	g := New(p, nil)
	assert.Equal(t, StateUninitialized, g.State())

	require.NoError(t, g.Start(context.Background(), "  "))

	assert.Equal(t, StateAuthenticated, g.State())
	assert.Equal(t, 1, p.anonCalls)
	assert.Equal(t, 0, p.tokenCalls)
	user, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, "anon-1", user.UID)
	assert.Nil(t, g.Failure())
}

func TestStartWithCredentialUsesToken(t *testing.T) {
	p := &fakeProvider{}
	g := New(p, nil)

	require.NoError(t, g.Start(context.Background(), "issued-token"))

	assert.Equal(t, 1, p.tokenCalls)
	assert.Equal(t, 0, p.anonCalls)
	user, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, "custom-1", user.UID)
}

func TestStartTwiceFails(t *testing.T) {
	g := New(&fakeProvider{}, nil)
	require.NoError(t, g.Start(context.Background(), ""))
	assert.ErrorIs(t, g.Start(context.Background(), ""), ErrAlreadyStarted)
}

func TestFailureIsTerminalAndNotRetried(t *testing.T) {
	p := &fakeProvider{
		anonymousFn: func(context.Context) (identity.User, error) {
			return identity.User{}, &identity.Error{Code: identity.CodeOperationNotAllowed, Message: "disabled"}
		},
	}
	g := New(p, nil)

	err := g.Start(context.Background(), "")
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ReasonConfig, failure.Reason)
	assert.Equal(t, StateFailed, g.State())
	assert.Equal(t, 1, p.anonCalls)
	_, ok := g.Current()
	assert.False(t, ok)

	assert.ErrorIs(t, g.Start(context.Background(), ""), ErrAlreadyStarted)
	assert.Equal(t, 1, p.anonCalls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason Reason
		prefix string
	}{
		{
			name:   "configuration not found",
			err:    &identity.Error{Code: identity.CodeConfigurationNotFound, Message: "x"},
			reason: ReasonConfig,
			prefix: "Identity provider setup required",
		},
		{
			name:   "operation not allowed",
			err:    &identity.Error{Code: identity.CodeOperationNotAllowed, Message: "x"},
			reason: ReasonConfig,
			prefix: "Identity provider setup required",
		},
		{
			name:   "unauthorized domain",
			err:    &identity.Error{Code: identity.CodeUnauthorizedDomain, Message: "x"},
			reason: ReasonUnauthorizedOrigin,
			prefix: "Domain not authorized",
		},
		{
			name:   "other provider code",
			err:    &identity.Error{Code: identity.CodeInvalidCustomToken, Message: "bad token"},
			reason: ReasonGeneric,
			prefix: "Authentication Error: bad token",
		},
		{
			name:   "plain error",
			err:    errors.New("network down"),
			reason: ReasonGeneric,
			prefix: "Authentication Error: network down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.err)
			assert.Equal(t, tt.reason, f.Reason)
			assert.Contains(t, f.Message, tt.prefix)
			assert.ErrorIs(t, f, tt.err)
		})
	}
}

func TestIdentityChangesAreTracked(t *testing.T) {
	p := &fakeProvider{}
	g := New(p, nil)
	require.NoError(t, g.Start(context.Background(), ""))

	require.NoError(t, p.SignOut(context.Background()))
	_, ok := g.Current()
	assert.False(t, ok)

	p.listener(&identity.User{UID: "anon-2"})
	user, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, "anon-2", user.UID)
}

func TestCloseReleasesSubscription(t *testing.T) {
	p := &fakeProvider{}
	g := New(p, nil)
	require.NoError(t, g.Start(context.Background(), ""))

	g.Close()
	g.Close()
	assert.Equal(t, 1, p.unsubscribed)
}

func TestGateWithLocalProvider(t *testing.T) {
	secret := []byte("s")
	token, err := auth.IssueToken(secret, auth.Claims{Sub: "rep-1", Kind: auth.KindCustom, JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)

	cfg := identity.Config{ProjectID: "p", Secret: secret, AuthorizedDomains: []string{"cqm.example"}}

	g := New(identity.NewLocal(cfg, "https://cqm.example", nil), nil)
	require.NoError(t, g.Start(context.Background(), token))
	user, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, "rep-1", user.UID)

	blocked := New(identity.NewLocal(cfg, "https://other.example", nil), nil)
	err = blocked.Start(context.Background(), token)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ReasonUnauthorizedOrigin, failure.Reason)
}
