package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cqm/api/internal/auth"
	"cqm/api/internal/catalog"
	"cqm/api/internal/config"
	"cqm/api/internal/export"
	"cqm/api/internal/gate"
	"cqm/api/internal/identity"
	"cqm/api/internal/pitch"
	"cqm/api/internal/records"
	"cqm/api/internal/scoring"
	"cqm/api/internal/search"
	"cqm/api/internal/session"
	"cqm/api/internal/util"
)

// Session is a signed-in API client.
type Session struct {
	ID          string
	Token       string
	UserID      string
	Provider    string
	DisplayName string
	ExpiresAt   time.Time
}

type recordStore interface {
	pitch.RecordStore
	Get(ctx context.Context, id string) (records.Record, error)
	CollectionPath() string
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	Sync(list []records.Record)
}

type exporter interface {
	Export(ctx context.Context, rec records.Record, format export.Format) (*export.Result, error)
	Publish(ctx context.Context, rec records.Record, format export.Format) (string, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a Service is built from. Search and Export may
// be nil when those backends are not configured.
type Deps struct {
	Catalog  *catalog.Catalog
	Records  recordStore
	Sessions session.Store
	Search   searcher
	Export   exporter
	Database pinger
}

// live is the in-process half of a session: the identity gate and the pitch
// controller with its record subscription.
type live struct {
	gate       *gate.Gate
	controller *pitch.Controller
	expiresAt  time.Time
}

func (l *live) close() {
	l.controller.Close()
	if l.gate != nil {
		l.gate.Close()
	}
}

// staticIdentity stands in for a gate when a session is reattached from the
// session store, for example after a restart or on another replica.
type staticIdentity struct {
	user identity.User
}

func (s staticIdentity) Current() (identity.User, bool) { return s.user, true }

type Service struct {
	cfg      config.Config
	cat      *catalog.Catalog
	records  recordStore
	sessions session.Store
	search   searcher
	export   exporter
	db       pinger
	logger   *zap.Logger
	now      func() time.Time

	// base bounds every record subscription. Request contexts end too early.
	base context.Context

	mu     sync.Mutex
	live   map[string]*live
	closed bool
}

func New(base context.Context, cfg config.Config, deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cat := deps.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	return &Service{
		cfg:      cfg,
		cat:      cat,
		records:  deps.Records,
		sessions: deps.Sessions,
		search:   deps.Search,
		export:   deps.Export,
		db:       deps.Database,
		logger:   logger,
		now:      time.Now,
		base:     base,
		live:     make(map[string]*live),
	}
}

func (s *Service) identityConfig() identity.Config {
	return identity.Config{
		ProjectID:         s.cfg.Provider.ProjectID,
		Secret:            []byte(s.cfg.TokenSecret),
		AllowAnonymous:    s.cfg.AllowAnonymous,
		AuthorizedDomains: s.cfg.AuthorizedDomains,
	}
}

// StartSession runs the identity gate for a new client and, once it opens,
// issues an access token and starts the client's record subscription. An
// empty credential falls back to the configured initial token, then to
// anonymous sign-in.
func (s *Service) StartSession(ctx context.Context, origin, credential string) (Session, error) {
	if strings.TrimSpace(credential) == "" {
		credential = s.cfg.InitialAuthToken
	}
	sessionID := util.NewID("ses")
	logger := s.logger.With(zap.String("session", sessionID))

	provider := identity.NewLocal(s.identityConfig(), origin, logger)
	g := gate.New(provider, logger)
	if err := g.Start(ctx, credential); err != nil {
		g.Close()
		return Session{}, err
	}
	user, ok := g.Current()
	if !ok {
		g.Close()
		return Session{}, records.ErrUnauthenticated
	}

	sess, err := s.issue(ctx, sessionID, user)
	if err != nil {
		g.Close()
		return Session{}, err
	}

	controller := pitch.NewController(s.cat, s.records, g, logger)
	if err := s.register(sessionID, &live{gate: g, controller: controller, expiresAt: sess.ExpiresAt}); err != nil {
		_ = s.sessions.RevokeSession(ctx, sessionID)
		return Session{}, err
	}
	return sess, nil
}

func (s *Service) issue(ctx context.Context, sessionID string, user identity.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.UID,
		Kind: auth.KindAccess,
		Name: user.DisplayName,
		JTI:  sessionID,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	err = s.sessions.SaveSession(ctx, sessionID, session.Identity{
		UserID:      user.UID,
		Provider:    user.Provider,
		DisplayName: user.DisplayName,
	}, expiresAt)
	if err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return Session{
		ID:          sessionID,
		Token:       token,
		UserID:      user.UID,
		Provider:    user.Provider,
		DisplayName: user.DisplayName,
		ExpiresAt:   expiresAt,
	}, nil
}

// register opens the controller and records it. If another request already
// attached the same session, the new controller is discarded.
func (s *Service) register(sessionID string, l *live) error {
	if err := l.controller.Open(s.base); err != nil {
		l.close()
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.close()
		return pitch.ErrClosed
	}
	if _, exists := s.live[sessionID]; exists {
		s.mu.Unlock()
		l.close()
		return nil
	}
	s.live[sessionID] = l
	s.mu.Unlock()
	return nil
}

// SessionFromToken resolves an access token to its session and controller.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, *pitch.Controller, error) {
	claims, err := auth.ParseTokenKind([]byte(s.cfg.TokenSecret), token, auth.KindAccess)
	if errors.Is(err, auth.ErrExpiredToken) {
		s.release(claims.JTI)
		return Session{}, nil, err
	}
	if err != nil {
		return Session{}, nil, err
	}
	ident, err := s.sessions.LookupSession(ctx, claims.JTI)
	if errors.Is(err, session.ErrNotFound) {
		s.release(claims.JTI)
		return Session{}, nil, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, nil, err
	}
	sess := Session{
		ID:          claims.JTI,
		Token:       token,
		UserID:      ident.UserID,
		Provider:    ident.Provider,
		DisplayName: ident.DisplayName,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}

	controller, err := s.controllerFor(sess)
	if err != nil {
		return Session{}, nil, err
	}
	return sess, controller, nil
}

func (s *Service) controllerFor(sess Session) (*pitch.Controller, error) {
	s.mu.Lock()
	l, ok := s.live[sess.ID]
	s.mu.Unlock()
	if ok {
		return l.controller, nil
	}

	user := identity.User{UID: sess.UserID, Provider: sess.Provider, DisplayName: sess.DisplayName}
	controller := pitch.NewController(s.cat, s.records, staticIdentity{user: user}, s.logger.With(zap.String("session", sess.ID)))
	if err := s.register(sess.ID, &live{controller: controller, expiresAt: sess.ExpiresAt}); err != nil {
		return nil, err
	}
	s.logger.Info("session reattached", zap.String("session", sess.ID), zap.String("uid", sess.UserID))

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.live[sess.ID]; ok {
		return l.controller, nil
	}
	return nil, pitch.ErrClosed
}

// EndSession revokes the token and releases the session's subscription.
func (s *Service) EndSession(ctx context.Context, sess Session) error {
	if err := s.sessions.RevokeSession(ctx, sess.ID); err != nil {
		return err
	}
	s.release(sess.ID)
	return nil
}

// release closes a session's controller and forgets it. Unknown ids are a
// no-op.
func (s *Service) release(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	s.mu.Lock()
	l, ok := s.live[sessionID]
	delete(s.live, sessionID)
	s.mu.Unlock()
	if ok {
		l.close()
	}
	return ok
}

type expiringStore interface {
	PurgeExpired() int
}

// ReapExpired releases live sessions whose token has expired or whose entry
// is gone from the session store, and returns how many it released.
func (s *Service) ReapExpired(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	candidates := make(map[string]time.Time, len(s.live))
	for id, l := range s.live {
		candidates[id] = l.expiresAt
	}
	s.mu.Unlock()

	reaped := 0
	for id, expiresAt := range candidates {
		if !expiresAt.IsZero() && !now.Before(expiresAt) {
			if s.release(id) {
				reaped++
			}
			continue
		}
		_, err := s.sessions.LookupSession(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			if s.release(id) {
				reaped++
			}
			continue
		}
		if err != nil {
			s.logger.Warn("session lookup failed during reap", zap.String("session", id), zap.Error(err))
		}
	}
	if store, ok := s.sessions.(expiringStore); ok {
		store.PurgeExpired()
	}
	if reaped > 0 {
		s.logger.Info("released expired sessions", zap.Int("count", reaped))
	}
	return reaped
}

// RunReaper calls ReapExpired every interval until ctx ends.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ReapExpired(ctx)
		}
	}
}

// Close ends every live session. Tokens stay valid in the session store, so
// clients reattach after a restart.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := s.live
	s.live = make(map[string]*live)
	s.mu.Unlock()
	for _, l := range sessions {
		l.close()
	}
}

func (s *Service) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Ping checks the database and the session store.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{}
	if s.db != nil {
		checks["database"] = s.db.Ping(ctx)
	}
	if s.sessions != nil {
		checks["sessions"] = s.sessions.Ping(ctx)
	}
	return checks
}

func (s *Service) Catalog() map[string]any {
	return map[string]any{
		"signals":        s.cat.Signals(),
		"gatekeepers":    s.cat.Gatekeepers(),
		"workforceSizes": s.cat.WorkforceSizes(),
		"industries":     s.cat.Industries(),
	}
}

func (s *Service) Score(signalID, workforceSize string) (map[string]any, error) {
	result, err := scoring.Resolve(s.cat, strings.TrimSpace(signalID), strings.TrimSpace(workforceSize))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"result":   result,
		"band":     scoring.BandFor(result.FinalScore),
		"modifier": scoring.Modifier(workforceSize),
	}, nil
}

func (s *Service) CollectionPath() string {
	return s.records.CollectionPath()
}

func (s *Service) Search(ctx context.Context, text string, limit, offset int) search.Response {
	text = strings.TrimSpace(text)
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{Text: text, Limit: limit, Offset: offset})
}

// ExportRecord renders a record as a call sheet.
func (s *Service) ExportRecord(ctx context.Context, id string, format export.Format) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.export.Export(ctx, rec, format)
}

// PublishRecord uploads a call sheet and returns a download link.
func (s *Service) PublishRecord(ctx context.Context, id string, format export.Format) (string, error) {
	if s.export == nil {
		return "", domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.export.Publish(ctx, rec, format)
}

// RunIndexer keeps the search index in step with the record collection until
// ctx ends.
func (s *Service) RunIndexer(ctx context.Context) error {
	if s.search == nil {
		<-ctx.Done()
		return nil
	}
	unsubscribe := s.records.Subscribe(ctx, s.search.Sync, func(err error) {
		s.logger.Warn("search index subscription failed", zap.Error(err))
	})
	defer unsubscribe()
	<-ctx.Done()
	return nil
}
