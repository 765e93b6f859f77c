// Package idempotency remembers the responses of mutating API calls so a
// retried call with the same X-Idempotency-Key replays the first response
// instead of running again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/hrflow/model"
)

// Response is a recorded HTTP response.
type Response struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// Store provides deduplication for mutating calls.
// Keys have the form "idem:{subjectId}:{operation}:{key}".
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// input hash matches, it returns the recorded response. If the key
	// exists but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (resp *Response, found bool, err error)

	// Save records a response keyed by the idempotency key with a TTL.
	Save(ctx context.Context, key string, inputHash string, resp Response, ttl time.Duration) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	InputHash string   `json:"input_hash"`
	Response  Response `json:"response"`
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
	}
}

// Check looks up a recorded response. Returns a conflict error if the input
// hash differs.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}

	resp := e.data.Response
	return &resp, true, nil
}

// Save records a response with TTL.
func (s *MemoryStore) Save(_ context.Context, key string, inputHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Response: resp},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a recorded response in Redis.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}

	return &e.Response, true, nil
}

// Save records a response in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key string, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey builds the standard idempotency key. Keys are scoped to the
// caller so two employees cannot collide on the same client-chosen key.
func FormatKey(subjectID, operation, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", subjectID, operation, key)
}

// HashInput produces a deterministic hash of a request body for comparing
// retries.
func HashInput(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}
