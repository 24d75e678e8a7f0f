// Package session provides the token store used to authenticate recipients.
//
// A session token is a random 128-bit identifier rendered as 32 hex
// characters. The value stored under a token is a small JSON record
// describing the logged-in role. Tokens live from login until logout or
// explicit eviction.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Info is the principal record stored under a session token.
type Info struct {
	ID        string `json:"id"`
	Login     string `json:"login"`
	ServiceID string `json:"service_id"`
}

// Store is the key/value contract the orchestrator needs from the
// session backend.
type Store interface {
	// Set persists info under the given token.
	Set(ctx context.Context, token string, info *Info) error

	// Get returns the record stored under token, or (nil, nil) when the
	// token is unknown.
	Get(ctx context.Context, token string) (*Info, error)

	// Del removes the token. It reports whether a record was deleted.
	Del(ctx context.Context, token string) (bool, error)
}

// NewToken mints a fresh 128-bit session token as 32 lowercase hex chars.
func NewToken() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// =============================================================================
// Redis implementation
// =============================================================================

// RedisStore implements Store on top of a Redis connection.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Connect opens a Redis connection and verifies it with a ping.
func Connect(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis ping %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Set persists the JSON-encoded info under the token, no expiry.
func (s *RedisStore) Set(ctx context.Context, token string, info *Info) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("session: encode info: %w", err)
	}
	if err := s.client.Set(ctx, token, payload, 0).Err(); err != nil {
		return fmt.Errorf("session: set %s: %w", token, err)
	}
	return nil
}

// Get loads and decodes the record stored under token.
func (s *RedisStore) Get(ctx context.Context, token string) (*Info, error) {
	payload, err := s.client.Get(ctx, token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", token, err)
	}
	var info Info
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("session: decode info for %s: %w", token, err)
	}
	return &info, nil
}

// Del removes the token from the store.
func (s *RedisStore) Del(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Del(ctx, token).Result()
	if err != nil {
		return false, fmt.Errorf("session: del %s: %w", token, err)
	}
	return n > 0, nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
