package identity

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"cqm/api/internal/auth"
	"cqm/api/internal/util"
)

// Config is shared by every Local provider in the process.
type Config struct {
	ProjectID         string
	Secret            []byte
	AllowAnonymous    bool
	AuthorizedDomains []string
}

// Local verifies custom tokens signed with the shared secret and mints
// anonymous uids. One Local instance tracks one client's identity.
type Local struct {
	cfg    Config
	origin string
	logger *zap.Logger

	mu        sync.Mutex
	current   *User
	listeners map[int]func(*User)
	nextID    int
}

// NewLocal binds a provider to the origin the client connected from. An empty
// origin means a non-browser caller and skips the domain allow-list.
func NewLocal(cfg Config, origin string, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		cfg:       cfg,
		origin:    origin,
		logger:    logger,
		listeners: make(map[int]func(*User)),
	}
}

func (p *Local) SignInWithToken(ctx context.Context, token string) (User, error) {
	if err := p.preflight(); err != nil {
		return User{}, err
	}
	if len(p.cfg.Secret) == 0 {
		return User{}, newError(CodeConfigurationNotFound, "custom token sign-in is not configured for project %s", p.cfg.ProjectID)
	}
	claims, err := auth.ParseTokenKind(p.cfg.Secret, strings.TrimSpace(token), auth.KindCustom)
	if errors.Is(err, auth.ErrExpiredToken) {
		return User{}, newError(CodeExpiredCustomToken, "the custom token has expired")
	}
	if err != nil {
		return User{}, newError(CodeInvalidCustomToken, "the custom token format is incorrect")
	}
	user := User{UID: claims.Sub, Provider: ProviderCustom, DisplayName: claims.Name}
	p.setCurrent(&user)
	return user, nil
}

func (p *Local) SignInAnonymously(ctx context.Context) (User, error) {
	if err := p.preflight(); err != nil {
		return User{}, err
	}
	if !p.cfg.AllowAnonymous {
		return User{}, newError(CodeOperationNotAllowed, "anonymous sign-in is disabled for project %s", p.cfg.ProjectID)
	}
	user := User{UID: util.NewID("anon"), Provider: ProviderAnonymous}
	p.setCurrent(&user)
	return user, nil
}

func (p *Local) SignOut(ctx context.Context) error {
	p.setCurrent(nil)
	return nil
}

// OnIdentityChange registers listener and immediately reports the current
// identity to it.
func (p *Local) OnIdentityChange(listener func(*User)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = listener
	current := cloneUser(p.current)
	p.mu.Unlock()

	listener(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

func (p *Local) preflight() error {
	if strings.TrimSpace(p.cfg.ProjectID) == "" {
		return newError(CodeConfigurationNotFound, "no identity provider configuration was found")
	}
	if !p.originAllowed() {
		return newError(CodeUnauthorizedDomain, "origin %s is not authorized for project %s", p.origin, p.cfg.ProjectID)
	}
	return nil
}

func (p *Local) originAllowed() bool {
	if p.origin == "" || len(p.cfg.AuthorizedDomains) == 0 {
		return true
	}
	host := p.origin
	if parsed, err := url.Parse(p.origin); err == nil && parsed.Host != "" {
		host = parsed.Hostname()
	}
	host = strings.ToLower(host)
	for _, domain := range p.cfg.AuthorizedDomains {
		if strings.ToLower(strings.TrimSpace(domain)) == host {
			return true
		}
	}
	return false
}

func (p *Local) setCurrent(user *User) {
	p.mu.Lock()
	p.current = cloneUser(user)
	listeners := make([]func(*User), 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	if user != nil {
		p.logger.Debug("identity changed", zap.String("uid", user.UID), zap.String("provider", user.Provider))
	} else {
		p.logger.Debug("identity cleared")
	}
	for _, l := range listeners {
		l(cloneUser(user))
	}
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
