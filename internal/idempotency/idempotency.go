// Package idempotency deduplicates retried actions. A client that repeats an
// action with the same Idempotency-Key receives the original result instead
// of a second state change.
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
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Store persists action results keyed by idempotency key.
type Store interface {
	// Check looks up a previous result. If the key exists with a different
	// input hash it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (result *model.ActResult, found bool, err error)

	// Save records a result under key for ttl.
	Save(ctx context.Context, key, inputHash string, result model.ActResult, ttl time.Duration) error
}

type entry struct {
	InputHash string          `json:"input_hash"`
	Result    model.ActResult `json:"result"`
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// MemoryStore is an in-process Store with TTL expiry.
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
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*model.ActResult, bool, error) {
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
	res := e.data.Result
	res.Instance = res.Instance.Clone()
	return &res, true, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, result model.ActResult, ttl time.Duration) error {
	result.Instance = result.Instance.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisStore is a Redis-backed Store.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore returns a RedisStore.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*model.ActResult, bool, error) {
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
	return &e.Result, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, result model.ActResult, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// FormatKey builds the storage key for an action on an instance.
func FormatKey(instanceID, key string) string {
	return fmt.Sprintf("idem:act:%s:%s", instanceID, key)
}

// HashInput fingerprints an action request. The actor is part of the input
// so another caller reusing a key gets a conflict rather than someone
// else's result.
func HashInput(actorID string, action model.Action, comment string, expectedStep *int) string {
	step := "-"
	if expectedStep != nil {
		step = fmt.Sprint(*expectedStep)
	}
	sum := sha256.Sum256([]byte(actorID + "\x00" + string(action) + "\x00" + comment + "\x00" + step))
	return hex.EncodeToString(sum[:])
}

// Guard runs fn at most once per key within ttl. Only successful results
// are remembered, so a failed action can be retried with the same key.
type Guard struct {
	store   Store
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewGuard returns a Guard over store.
func NewGuard(store Store, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{store: store, ttl: ttl, metrics: metrics, logger: logger}
}

// Do returns the remembered result for key or runs fn and remembers it. The
// second return value reports whether the result was replayed.
func (g *Guard) Do(ctx context.Context, key, inputHash string, fn func(context.Context) (model.ActResult, error)) (model.ActResult, bool, error) {
	prev, found, err := g.store.Check(ctx, key, inputHash)
	if err != nil {
		return model.ActResult{}, false, err
	}
	if found {
		g.metrics.RecordIdempotentReplay()
		return *prev, true, nil
	}

	res, err := fn(ctx)
	if err != nil {
		return model.ActResult{}, false, err
	}
	if err := g.store.Save(ctx, key, inputHash, res, g.ttl); err != nil {
		observability.RequestLogger(ctx, g.logger).Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
	}
	return res, false, nil
}
