// Package ratelimit implements a sliding-window bucket rate limiter keyed
// by caller identity. Counters live in a key/value store under
// "ratelimit:{key}:{bucketTs}" keys; the store is process-global and safe
// for concurrent increments from many request handlers.
package ratelimit

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ntheanh201/vibesdk/internal/logging"
)

// Defaults applied when the per-key config leaves fields zero.
const (
	DefaultBucketSize  = 10 * time.Second
	DefaultBurstWindow = 60 * time.Second
	cleanupProbability = 0.1
)

// Config describes the limit for one key.
type Config struct {
	Limit       int           // requests allowed per Period
	Period      time.Duration // main sliding window
	BucketSize  time.Duration // bucket granularity, default 10s
	Burst       int           // optional short-window cap, 0 disables
	BurstWindow time.Duration // burst window, default 60s
}

func (c Config) withDefaults() Config {
	if c.BucketSize <= 0 {
		c.BucketSize = DefaultBucketSize
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = DefaultBurstWindow
	}
	return c
}

// Result is the outcome of an increment or a read-only check.
type Result struct {
	Success        bool `json:"success"`
	RemainingLimit int  `json:"remainingLimit"`
}

// KV is the counter store. Implementations must be safe for concurrent use.
type KV interface {
	Get(key string) (int, bool)
	Add(key string, delta int, expiry time.Duration)
	Keys(prefix string) []string
	Delete(key string)
	Expired(key string) bool
}

// Store is the rate limiter over a KV backend. A store-level mutex makes
// the check-then-increment sequence atomic under concurrent handlers.
type Store struct {
	mu     sync.Mutex
	kv     KV
	logger *logging.Logger
	nowFn  func() time.Time
	randFn func() float64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.nowFn = now }
}

// WithLogger sets the store logger.
func WithLogger(logger *logging.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a rate limit store. A nil kv gets an in-memory backend.
func NewStore(kv KV, opts ...StoreOption) *Store {
	if kv == nil {
		kv = NewMemoryKV()
	}
	s := &Store{
		kv:     kv,
		logger: logging.NewNop(),
		nowFn:  time.Now,
		randFn: rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func bucketKey(key string, bucketTs int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, bucketTs)
}

// Increment counts one request against key. Rejections do not consume
// budget. Internal failures fail open and are logged.
func (s *Store) Increment(key string, cfg Config) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rate limit increment failed open", "key", key, "panic", r)
			result = Result{Success: true, RemainingLimit: cfg.Limit}
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg = cfg.withDefaults()
	now := s.nowFn()
	bucketTs := now.Unix() - now.Unix()%int64(cfg.BucketSize/time.Second)

	mainCount := s.sum(key, now, cfg.Period, cfg.BucketSize)
	if mainCount >= cfg.Limit {
		return Result{Success: false, RemainingLimit: 0}
	}
	if cfg.Burst > 0 {
		if burstCount := s.sum(key, now, cfg.BurstWindow, cfg.BucketSize); burstCount >= cfg.Burst {
			return Result{Success: false, RemainingLimit: 0}
		}
	}

	expiry := cfg.Period
	if cfg.BurstWindow > expiry {
		expiry = cfg.BurstWindow
	}
	expiry += cfg.BucketSize
	s.kv.Add(bucketKey(key, bucketTs), 1, expiry)

	if s.randFn() < cleanupProbability {
		s.sweep(key)
	}

	remaining := cfg.Limit - mainCount - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{Success: true, RemainingLimit: remaining}
}

// RemainingLimit reports the budget left for key without incrementing.
func (s *Store) RemainingLimit(key string, cfg Config) int {
	cfg = cfg.withDefaults()
	remaining := cfg.Limit - s.sum(key, s.nowFn(), cfg.Period, cfg.BucketSize)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// sum totals bucket counters for key over the trailing window.
func (s *Store) sum(key string, now time.Time, window, bucketSize time.Duration) int {
	step := int64(bucketSize / time.Second)
	current := now.Unix() - now.Unix()%step
	oldest := now.Unix() - int64(window/time.Second)

	total := 0
	for ts := current; ts >= oldest; ts -= step {
		if count, ok := s.kv.Get(bucketKey(key, ts)); ok {
			total += count
		}
	}
	return total
}

// sweep removes expired buckets for key to bound memory.
func (s *Store) sweep(key string) {
	for _, k := range s.kv.Keys("ratelimit:" + key + ":") {
		if s.kv.Expired(k) {
			s.kv.Delete(k)
		}
	}
}

// MemoryKV is the in-process KV backend.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

type memoryEntry struct {
	count     int
	expiresAt time.Time
}

// NewMemoryKV creates an empty in-memory backend.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memoryEntry), nowFn: time.Now}
}

// Get returns the live counter for key.
func (m *MemoryKV) Get(key string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.nowFn().After(e.expiresAt) {
		return 0, false
	}
	return e.count, true
}

// Add increments a counter, setting its expiry on first write.
func (m *MemoryKV) Add(key string, delta int, expiry time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.nowFn().After(e.expiresAt) {
		e = memoryEntry{expiresAt: m.nowFn().Add(expiry)}
	}
	e.count += delta
	m.entries[key] = e
}

// Keys lists keys with the given prefix, expired or not.
func (m *MemoryKV) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// Delete removes a key.
func (m *MemoryKV) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Expired reports whether a key has passed its expiry.
func (m *MemoryKV) Expired(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && m.nowFn().After(e.expiresAt)
}
