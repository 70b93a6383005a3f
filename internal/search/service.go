package search

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"cqm/api/internal/records"
)

// documentIndex is the part of Meili the service drives.
type documentIndex interface {
	Healthy() bool
	Search(ctx context.Context, q Query) ([]Result, int, error)
	IndexEntries(entries []Entry) error
	DeleteEntries(ids []string) error
	DocumentIDs() ([]string, error)
	Close()
}

// Service is the facade that tries Meilisearch first and falls back to a SQL
// scan.
type Service struct {
	meili    documentIndex
	fallback Searcher
	logger   *zap.Logger

	mu sync.Mutex
	// indexed is what the last sync wrote. Until reconciled is set it may miss
	// ids already sitting in the index from an earlier process.
	indexed    map[string]struct{}
	reconciled bool
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, fallback Searcher, logger *zap.Logger) *Service {
	var idx documentIndex
	if meili != nil {
		idx = meili
	}
	return newService(idx, fallback, logger)
}

func newService(idx documentIndex, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: idx, fallback: fallback, logger: logger, indexed: make(map[string]struct{})}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to sql scan", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("sql search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Sync brings the Meilisearch index in line with a full record snapshot:
// every record is upserted and records missing from the snapshot are removed.
// It is a no-op while Meilisearch is down. The first sync after startup or
// recovery compares against the ids stored in the index itself, so records
// deleted while this process was not syncing are dropped too.
func (s *Service) Sync(list []records.Record) {
	if s.meili == nil || !s.meili.Healthy() {
		s.mu.Lock()
		s.reconciled = false
		s.mu.Unlock()
		return
	}

	entries := make([]Entry, 0, len(list))
	current := make(map[string]struct{}, len(list))
	for _, rec := range list {
		entries = append(entries, EntryFrom(rec))
		current[rec.ID] = struct{}{}
	}
	if err := s.meili.IndexEntries(entries); err != nil {
		s.logger.Warn("index records", zap.Int("count", len(entries)), zap.Error(err))
		s.mu.Lock()
		s.reconciled = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	known := s.indexed
	reconcile := !s.reconciled
	s.mu.Unlock()

	ok := true
	if reconcile {
		ids, err := s.meili.DocumentIDs()
		if err != nil {
			s.logger.Warn("list indexed records", zap.Error(err))
			ok = false
		} else {
			known = make(map[string]struct{}, len(ids))
			for _, id := range ids {
				known[id] = struct{}{}
			}
		}
	}

	var stale []string
	for id := range known {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := s.meili.DeleteEntries(stale); err != nil {
		s.logger.Warn("remove records from index", zap.Int("count", len(stale)), zap.Error(err))
		ok = false
	}

	s.mu.Lock()
	s.indexed = current
	s.reconciled = ok
	s.mu.Unlock()
}

// Close stops the Meilisearch health monitor.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
