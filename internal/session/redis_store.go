// Package session provides storage backends for signed-in API sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session not found or expired")

// Identity is what a session resolves to once the gate has opened.
type Identity struct {
	UserID      string    `json:"user_id"`
	Provider    string    `json:"provider"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store keeps session id -> identity mappings until they expire or are revoked.
type Store interface {
	SaveSession(ctx context.Context, sessionID string, identity Identity, expiresAt time.Time) error
	LookupSession(ctx context.Context, sessionID string) (Identity, error)
	RevokeSession(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisStore implements Store using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "cqm:session:",
	}
}

// Client exposes the underlying connection so other components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// SaveSession stores an identity with expiration
func (s *RedisStore) SaveSession(ctx context.Context, sessionID string, identity Identity, expiresAt time.Time) error {
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	jsonData, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// An identity that has already expired is stored as absent.
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	}

	if err := s.client.Set(ctx, s.key(sessionID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession retrieves the identity bound to a session
func (s *RedisStore) LookupSession(ctx context.Context, sessionID string) (Identity, error) {
	jsonData, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup session: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal([]byte(jsonData), &identity); err != nil {
		return Identity{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return identity, nil
}

// RevokeSession deletes a session; revoking an unknown id is not an error.
func (s *RedisStore) RevokeSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
