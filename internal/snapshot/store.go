// Package snapshot caches the latest decision per symbol so the ops surface
// can serve reads without re-running a cycle.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/infra/breakers"
	"github.com/sawpanic/forecastrun/internal/kernel"
)

// Entry wraps a cached decision with its cache metadata.
type Entry struct {
	Decision  *kernel.DecisionResult `json:"decision"`
	CachedAt  time.Time              `json:"cached_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// Stats reports cache performance counters.
type Stats struct {
	HitRate     float64   `json:"hit_rate"`
	TotalHits   int64     `json:"total_hits"`
	TotalMisses int64     `json:"total_misses"`
	TotalSets   int64     `json:"total_sets"`
	ErrorCount  int64     `json:"error_count"`
	LastError   string    `json:"last_error,omitempty"`
	Connected   bool      `json:"connected"`
	LastPing    time.Time `json:"last_ping,omitempty"`
}

// Store holds the latest decision snapshot per symbol.
type Store interface {
	// Put caches a decision under its symbol
	Put(ctx context.Context, decision *kernel.DecisionResult) error

	// Get returns the cached decision for a symbol, false on miss
	Get(ctx context.Context, symbol string) (*kernel.DecisionResult, bool)

	// Delete evicts a symbol's snapshot
	Delete(ctx context.Context, symbol string) error

	// Health reports backend liveness
	Health(ctx context.Context) bool

	// Stats returns cache performance counters
	Stats() Stats

	// Close releases backend resources
	Close() error
}

// RedisConfig holds snapshot cache connection configuration.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	TTL      time.Duration `yaml:"ttl"`
	Enabled  bool          `yaml:"enabled" env:"REDIS_ENABLED"`
}

// DefaultRedisConfig returns reasonable defaults for the snapshot cache.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:    "localhost:6379",
		TTL:     48 * time.Hour, // two daily cycles of slack
		Enabled: false,          // requires explicit configuration
	}
}

// Validate reports every configuration violation. A disabled config is
// always valid.
func (c RedisConfig) Validate() []string {
	if !c.Enabled {
		return nil
	}
	var problems []string
	if c.Addr == "" {
		problems = append(problems, "addr is required when enabled")
	}
	if c.DB < 0 {
		problems = append(problems, fmt.Sprintf("db %d must be non-negative", c.DB))
	}
	if c.TTL <= 0 {
		problems = append(problems, "ttl must be positive")
	}
	return problems
}

// RedisStore implements Store on Redis. Every call runs through a circuit
// breaker so a dead cache degrades to misses instead of stalling sweeps.
type RedisStore struct {
	client  *redis.Client
	breaker *breakers.Breaker
	ttl     time.Duration

	mu    sync.Mutex
	stats Stats
}

// NewRedisStore creates a Redis-backed snapshot store.
func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})

	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultRedisConfig().TTL
	}

	return &RedisStore{
		client:  client,
		breaker: breakers.New("snapshot-redis"),
		ttl:     ttl,
		stats:   Stats{Connected: true},
	}
}

func snapshotKey(symbol string) string {
	return "forecastrun:decision:" + symbol
}

// Put caches a decision under its symbol.
func (r *RedisStore) Put(ctx context.Context, decision *kernel.DecisionResult) error {
	if decision == nil || decision.Symbol == "" {
		return fmt.Errorf("snapshot requires a decision with a symbol")
	}

	now := time.Now()
	payload, err := json.Marshal(Entry{
		Decision:  decision,
		CachedAt:  now,
		ExpiresAt: now.Add(r.ttl),
	})
	if err != nil {
		r.recordError(fmt.Sprintf("serialize error: %v", err))
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	err = r.breaker.Do(func() error {
		return r.client.Set(ctx, snapshotKey(decision.Symbol), payload, r.ttl).Err()
	})
	if err != nil {
		r.recordError(fmt.Sprintf("set error: %v", err))
		return fmt.Errorf("failed to store snapshot for %s: %w", decision.Symbol, err)
	}

	r.mu.Lock()
	r.stats.TotalSets++
	r.stats.Connected = true
	r.mu.Unlock()
	return nil
}

// Get returns the cached decision for a symbol, false on miss. Backend
// errors count as misses: the caller re-evaluates rather than failing.
func (r *RedisStore) Get(ctx context.Context, symbol string) (*kernel.DecisionResult, bool) {
	var raw string
	var found bool
	err := r.breaker.Do(func() error {
		val, innerErr := r.client.Get(ctx, snapshotKey(symbol)).Result()
		if innerErr == redis.Nil {
			// A miss is normal operation, not a backend failure.
			return nil
		}
		if innerErr != nil {
			return innerErr
		}
		raw = val
		found = true
		return nil
	})
	if err != nil {
		r.recordError(fmt.Sprintf("get error: %v", err))
		r.recordMiss()
		return nil, false
	}
	if !found {
		r.recordMiss()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		r.recordError(fmt.Sprintf("deserialize error: %v", err))
		r.recordMiss()
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		// Redis TTL should have evicted this; clean up and miss.
		if err := r.Delete(ctx, symbol); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to evict stale snapshot")
		}
		r.recordMiss()
		return nil, false
	}

	r.recordHit()
	return entry.Decision, true
}

// Delete evicts a symbol's snapshot.
func (r *RedisStore) Delete(ctx context.Context, symbol string) error {
	return r.breaker.Do(func() error {
		return r.client.Del(ctx, snapshotKey(symbol)).Err()
	})
}

// Health pings the backend.
func (r *RedisStore) Health(ctx context.Context) bool {
	pong, err := r.client.Ping(ctx).Result()
	healthy := err == nil && pong == "PONG"

	r.mu.Lock()
	r.stats.Connected = healthy
	if healthy {
		r.stats.LastPing = time.Now()
	} else {
		r.stats.ErrorCount++
		r.stats.LastError = fmt.Sprintf("health check failed: %v", err)
	}
	r.mu.Unlock()
	return healthy
}

// Stats returns cache performance counters.
func (r *RedisStore) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.HitRate = hitRate(s.TotalHits, s.TotalMisses)
	return s
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) recordHit() {
	r.mu.Lock()
	r.stats.TotalHits++
	r.mu.Unlock()
}

func (r *RedisStore) recordMiss() {
	r.mu.Lock()
	r.stats.TotalMisses++
	r.mu.Unlock()
}

func (r *RedisStore) recordError(msg string) {
	r.mu.Lock()
	r.stats.ErrorCount++
	r.stats.LastError = msg
	r.stats.Connected = false
	r.mu.Unlock()
}

// MemoryStore implements Store in memory for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]Entry
	stats   Stats
}

// NewMemoryStore creates an in-memory snapshot store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultRedisConfig().TTL
	}
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]Entry),
		stats:   Stats{Connected: true},
	}
}

// Put caches a decision under its symbol.
func (m *MemoryStore) Put(_ context.Context, decision *kernel.DecisionResult) error {
	if decision == nil || decision.Symbol == "" {
		return fmt.Errorf("snapshot requires a decision with a symbol")
	}

	// Round-trip through JSON so callers get the same isolation semantics
	// as the Redis store: later mutations of the source never leak in.
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	stored := &kernel.DecisionResult{}
	if err := json.Unmarshal(payload, stored); err != nil {
		return fmt.Errorf("failed to deserialize snapshot: %w", err)
	}

	now := time.Now()
	m.mu.Lock()
	m.entries[decision.Symbol] = Entry{
		Decision:  stored,
		CachedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.stats.TotalSets++
	m.mu.Unlock()
	return nil
}

// Get returns the cached decision for a symbol, false on miss.
func (m *MemoryStore) Get(_ context.Context, symbol string) (*kernel.DecisionResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[symbol]
	if !ok {
		m.stats.TotalMisses++
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(m.entries, symbol)
		m.stats.TotalMisses++
		return nil, false
	}

	m.stats.TotalHits++
	return entry.Decision, true
}

// Delete evicts a symbol's snapshot.
func (m *MemoryStore) Delete(_ context.Context, symbol string) error {
	m.mu.Lock()
	delete(m.entries, symbol)
	m.mu.Unlock()
	return nil
}

// Health always reports healthy for the in-memory store.
func (m *MemoryStore) Health(_ context.Context) bool {
	m.mu.Lock()
	m.stats.LastPing = time.Now()
	m.mu.Unlock()
	return true
}

// Stats returns cache performance counters.
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.HitRate = hitRate(s.TotalHits, s.TotalMisses)
	return s
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
