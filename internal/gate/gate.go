// Package gate establishes a user identity when a pitch session starts and
// classifies sign-in failures into messages an operator can act on.
package gate

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"cqm/api/internal/identity"
)

type State string

const (
	StateUninitialized  State = "uninitialized"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateFailed         State = "failed"
)

type Reason string

const (
	ReasonConfig             Reason = "config"
	ReasonUnauthorizedOrigin Reason = "unauthorized_origin"
	ReasonGeneric            Reason = "generic"
)

const (
	configMessage = "Identity provider setup required: open the provider console, go to Authentication -> Sign-in method, and enable 'Anonymous'."
	originMessage = "Domain not authorized. Add your deployment URL to the identity provider's authorized domains."
)

var ErrAlreadyStarted = errors.New("gate already started")

// Failure is the terminal outcome of a failed sign-in.
type Failure struct {
	Reason  Reason `json:"reason"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Err }

// Classify maps a provider error onto the three user-facing failure reasons.
func Classify(err error) *Failure {
	var idErr *identity.Error
	if errors.As(err, &idErr) {
		switch idErr.Code {
		case identity.CodeConfigurationNotFound, identity.CodeOperationNotAllowed:
			return &Failure{Reason: ReasonConfig, Code: idErr.Code, Message: configMessage, Err: err}
		case identity.CodeUnauthorizedDomain:
			return &Failure{Reason: ReasonUnauthorizedOrigin, Code: idErr.Code, Message: originMessage, Err: err}
		}
		return &Failure{Reason: ReasonGeneric, Code: idErr.Code, Message: "Authentication Error: " + idErr.Message, Err: err}
	}
	return &Failure{Reason: ReasonGeneric, Message: "Authentication Error: " + err.Error(), Err: err}
}

// Gate wraps an identity provider for the lifetime of one session. It never
// retries: once failed it stays failed.
type Gate struct {
	provider identity.Provider
	logger   *zap.Logger

	mu          sync.Mutex
	state       State
	user        *identity.User
	failure     *Failure
	unsubscribe func()
}

func New(provider identity.Provider, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{provider: provider, logger: logger, state: StateUninitialized}
}

// Start signs in with credential when one was issued, anonymously otherwise.
func (g *Gate) Start(ctx context.Context, credential string) error {
	g.mu.Lock()
	if g.state != StateUninitialized {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.state = StateAuthenticating
	g.mu.Unlock()

	unsubscribe := g.provider.OnIdentityChange(g.observe)

	var (
		user identity.User
		err  error
	)
	if credential = strings.TrimSpace(credential); credential != "" {
		user, err = g.provider.SignInWithToken(ctx, credential)
	} else {
		user, err = g.provider.SignInAnonymously(ctx)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.unsubscribe = unsubscribe
	if err != nil {
		g.failure = Classify(err)
		g.state = StateFailed
		g.logger.Error("sign-in failed",
			zap.String("reason", string(g.failure.Reason)),
			zap.String("code", g.failure.Code),
			zap.Error(err))
		return g.failure
	}
	g.state = StateAuthenticated
	g.user = &user
	g.logger.Info("signed in", zap.String("uid", user.UID), zap.String("provider", user.Provider))
	return nil
}

func (g *Gate) observe(user *identity.User) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateFailed {
		return
	}
	g.user = user
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Current returns the signed-in identity, if any.
func (g *Gate) Current() (identity.User, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.user == nil {
		return identity.User{}, false
	}
	return *g.user, true
}

func (g *Gate) Failure() *Failure {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failure
}

// Close releases the identity-change subscription.
func (g *Gate) Close() {
	g.mu.Lock()
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
