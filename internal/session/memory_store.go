package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	identity  Identity
	expiresAt time.Time
}

// MemoryStore is the single-process fallback used when no Redis URL is set.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) SaveSession(_ context.Context, sessionID string, identity Identity, expiresAt time.Time) error {
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = memoryEntry{identity: identity, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupSession(_ context.Context, sessionID string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return Identity{}, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, sessionID)
		return Identity{}, ErrNotFound
	}
	return entry.identity, nil
}

func (s *MemoryStore) RevokeSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

// PurgeExpired drops every entry past its expiry and returns how many went.
func (s *MemoryStore) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	purged := 0
	for id, entry := range s.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.entries, id)
			purged++
		}
	}
	return purged
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
