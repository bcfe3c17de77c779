package learner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by a Backend when the learner has no persisted
// state yet.
var ErrNotFound = errors.New("learner state not found")

// Backend persists learner state. The store writes through on every
// mutation, so the backend always holds the latest committed state.
type Backend interface {
	Load(ctx context.Context, tenantID, learnerID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Close() error
}

// lockStripes serializes concurrent work per learner. Striping keeps the
// lock table fixed-size; two learners sharing a stripe merely contend,
// they never interleave inside a critical section.
const lockStripes = 128

// Store is the in-memory learner-state cache with write-through
// persistence. All reads and writes happen inside WithLock's per-key
// critical section.
type Store struct {
	backend Backend
	cache   *lru.Cache[string, *State]
	locks   [lockStripes]sync.Mutex
}

// NewStore builds a store with a size-bounded LRU cache. Evicted entries
// get a final flush; write-through means that flush is usually a no-op
// repeat of the last save.
func NewStore(backend Backend, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	s := &Store{backend: backend}

	cache, err := lru.NewWithEvict[string, *State](cacheSize, func(key string, st *State) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := backend.Save(ctx, st); err != nil {
			slog.Warn("final flush on eviction failed", "learner", key, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("state cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

func stateKey(tenantID, learnerID string) string {
	return tenantID + ":" + learnerID
}

func (s *Store) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// WithLock runs fn inside the learner's critical section, loading state
// lazily (creating it on first event) and persisting write-through after
// fn returns. fn's error aborts the persist and propagates.
func (s *Store) WithLock(ctx context.Context, tenantID, learnerID string, fn func(*State) error) error {
	key := stateKey(tenantID, learnerID)
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	st, ok := s.cache.Get(key)
	if !ok {
		loaded, err := s.backend.Load(ctx, tenantID, learnerID)
		switch {
		case err == nil:
			st = loaded
		case errors.Is(err, ErrNotFound):
			st = NewState(tenantID, learnerID)
		default:
			return fmt.Errorf("load state %s: %w", key, err)
		}
		s.cache.Add(key, st)
	}

	if err := fn(st); err != nil {
		return err
	}

	st.UpdatedAt = time.Now().UTC()
	if err := s.backend.Save(ctx, st); err != nil {
		return fmt.Errorf("persist state %s: %w", key, err)
	}
	return nil
}

// Peek returns a copy of the cached or persisted state without mutating,
// for health endpoints and tests. The copy shares no slices with the
// live state.
func (s *Store) Peek(ctx context.Context, tenantID, learnerID string) (*State, error) {
	key := stateKey(tenantID, learnerID)
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	st, ok := s.cache.Get(key)
	if !ok {
		var err error
		st, err = s.backend.Load(ctx, tenantID, learnerID)
		if err != nil {
			return nil, err
		}
	}
	cp := *st
	cp.RecentSELAlerts = append([]SELAlert(nil), st.RecentSELAlerts...)
	cp.RecentAssessments = append([]Assessment(nil), st.RecentAssessments...)
	if st.PendingActions != nil {
		cp.PendingActions = make(map[string]json.RawMessage, len(st.PendingActions))
		for id, raw := range st.PendingActions {
			cp.PendingActions[id] = raw
		}
	}
	return &cp, nil
}

// Flush persists every cached entry; called on shutdown.
func (s *Store) Flush(ctx context.Context) {
	for _, key := range s.cache.Keys() {
		if st, ok := s.cache.Peek(key); ok {
			if err := s.backend.Save(ctx, st); err != nil {
				slog.Warn("shutdown flush failed", "learner", key, "error", err)
			}
		}
	}
}

// =============================================================================
// Redis backend
// =============================================================================

// RedisBackend persists states as JSON values keyed
// learner:<tenant>:<learner>. No TTL: learner state is never deleted by
// the pipeline.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend connects and pings the Redis instance.
func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("learner-state redis connected", "addr", addr, "db", db)
	return &RedisBackend{rdb: rdb}, nil
}

func redisKey(tenantID, learnerID string) string {
	return "learner:" + tenantID + ":" + learnerID
}

// Load fetches and decodes one learner's state.
func (b *RedisBackend) Load(ctx context.Context, tenantID, learnerID string) (*State, error) {
	raw, err := b.rdb.Get(ctx, redisKey(tenantID, learnerID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode state %s/%s: %w", tenantID, learnerID, err)
	}
	return &st, nil
}

// Save encodes and writes one learner's state.
func (b *RedisBackend) Save(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := b.rdb.Set(ctx, redisKey(st.TenantID, st.LearnerID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (b *RedisBackend) Close() error { return b.rdb.Close() }

// MemoryBackend is an in-process Backend for tests and local runs.
type MemoryBackend struct {
	mu     sync.Mutex
	states map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: make(map[string][]byte)}
}

func (b *MemoryBackend) Load(_ context.Context, tenantID, learnerID string) (*State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.states[stateKey(tenantID, learnerID)]
	if !ok {
		return nil, ErrNotFound
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (b *MemoryBackend) Save(_ context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.states[stateKey(st.TenantID, st.LearnerID)] = raw
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
