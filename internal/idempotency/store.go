// Package idempotency remembers the results of mutating operations so a
// retried request carrying the same Idempotency-Key replays the first
// result instead of running again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

// Store keeps operation results by idempotency key.
type Store interface {
	// Check returns the stored result for key. A key stored with a different
	// input hash is a CONFLICT.
	Check(ctx context.Context, key, inputHash string) (result json.RawMessage, found bool, err error)

	// Save stores result under key for ttl.
	Save(ctx context.Context, key, inputHash string, result json.RawMessage, ttl time.Duration) error
}

type entry struct {
	InputHash string          `json:"input_hash"`
	Result    json.RawMessage `json:"result"`
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// MemoryStore is an in-process Store with TTL.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return e.data.Result, true, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, result json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisStore is a Store backed by Redis keys with expiry.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (json.RawMessage, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
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
	return e.Result, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, result json.RawMessage, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey builds the storage key of an operation. Keys are scoped to the
// caller so two users cannot replay each other's results.
func FormatKey(operation, subjectID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", operation, subjectID, key)
}

// HashInput produces a deterministic hash of an operation's input.
func HashInput(input any) string {
	data, _ := json.Marshal(input)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Guard runs operations at most once per idempotency key.
type Guard struct {
	store   Store
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewGuard creates a Guard. A nil store disables deduplication.
func NewGuard(store Store, ttl time.Duration, metrics *observability.Metrics) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{store: store, ttl: ttl, metrics: metrics}
}

// Do runs fn unless a result for (operation, subjectID, key) with the same
// input was stored earlier, in which case that result is decoded and
// returned with replayed set. An empty key always runs fn. Only successful
// results are stored, and a failed save never fails the operation.
func Do[T any](ctx context.Context, g *Guard, operation, subjectID, key string, input any, fn func() (T, error)) (result T, replayed bool, err error) {
	if g == nil || g.store == nil || key == "" {
		result, err = fn()
		return result, false, err
	}

	storeKey := FormatKey(operation, subjectID, key)
	hash := HashInput(input)

	raw, found, err := g.store.Check(ctx, storeKey, hash)
	if err != nil {
		return result, false, err
	}
	if found {
		if err := json.Unmarshal(raw, &result); err != nil {
			return result, false, fmt.Errorf("decode replayed result: %w", err)
		}
		g.metrics.RecordIdempotencyReplay(operation)
		return result, true, nil
	}

	result, err = fn()
	if err != nil {
		return result, false, err
	}
	if data, merr := json.Marshal(result); merr == nil {
		_ = g.store.Save(ctx, storeKey, hash, data, g.ttl)
	}
	return result, false, nil
}
