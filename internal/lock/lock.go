// Package lock implements the Idempotency & Lock Manager (spec §4.3):
// per-request single-flight with auto-expiring tokens. Adapted from the
// teacher's two-tier cache.go: an in-process sync.Map is always present,
// with an optional Redis-backed shared layer for multi-process deployments.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anatolykoptev/digestor/internal/metrics"
)

// ErrHeld is returned by Acquire when another holder already owns key.
var ErrHeld = errors.New("lock: held by another holder")

// ErrRequired is returned when the shared backend is unreachable and
// configured as required: acquire must fail loud rather than degrade.
var ErrRequired = errors.New("lock: shared backend required but unreachable")

// Manager provides single-flight locking keyed by request_id or dedupe_hash.
type Manager struct {
	mem      sync.Map // key -> *entry, always active as the local backend
	rdb      *redis.Client
	required bool
}

type entry struct {
	token     string
	expiresAt time.Time
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithRedis adds a shared Redis-backed layer. If required is true and
// Redis is unreachable at New time, New returns an error instead of
// silently degrading.
func WithRedis(redisURL string, required bool) Option {
	return func(m *Manager) {
		m.required = required
		if redisURL == "" {
			return
		}
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Warn("lock: invalid redis URL, falling back to in-process backend", slog.Any("error", err))
			return
		}
		m.rdb = redis.NewClient(opts)
	}
}

// New builds a Manager and starts its expiry sweeper. If a required shared
// backend is configured but unreachable, it returns ErrRequired.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}

	if m.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := m.rdb.Ping(ctx).Err(); err != nil {
			if m.required {
				return nil, fmt.Errorf("%w: %v", ErrRequired, err)
			}
			slog.Warn("lock: redis unreachable, degrading to in-process backend", slog.Any("error", err))
			m.rdb = nil
			metrics.IncrLockDegraded()
		}
	}

	go m.sweepLoop()
	return m, nil
}

// Acquire attempts to take key for ttl, non-blocking. Returns a token that
// must be passed to Release, or ErrHeld if another holder exists.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := newToken()

	if m.rdb != nil {
		ok, err := m.rdb.SetNX(ctx, redisKey(key), token, ttl).Result()
		if err != nil {
			if m.required {
				return "", fmt.Errorf("%w: %v", ErrRequired, err)
			}
			slog.Warn("lock: redis acquire failed, falling back to in-process", slog.Any("error", err))
			metrics.IncrLockDegraded()
		} else if !ok {
			return "", ErrHeld
		} else {
			metrics.IncrLockHeld()
			return token, nil
		}
	}

	now := time.Now()
	candidate := &entry{token: token, expiresAt: now.Add(ttl)}
	actual, loaded := m.mem.LoadOrStore(key, candidate)
	if loaded {
		existing := actual.(*entry)
		if now.Before(existing.expiresAt) {
			return "", ErrHeld
		}
		// expired holder; take over
		if !m.mem.CompareAndSwap(key, actual, candidate) {
			return "", ErrHeld
		}
	}
	metrics.IncrLockHeld()
	return token, nil
}

// Release frees the lock for key if token matches the current holder.
func (m *Manager) Release(ctx context.Context, key, token string) {
	if m.rdb != nil {
		script := redis.NewScript(`
			if redis.call("GET", KEYS[1]) == ARGV[1] then
				return redis.call("DEL", KEYS[1])
			end
			return 0
		`)
		if err := script.Run(ctx, m.rdb, []string{redisKey(key)}, token).Err(); err != nil {
			slog.Debug("lock: redis release failed", slog.Any("error", err))
		}
	}

	if val, ok := m.mem.Load(key); ok {
		if e, ok := val.(*entry); ok && e.token == token {
			m.mem.Delete(key)
		}
	}
}

func redisKey(key string) string { return "digestor:lock:" + key }

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// sweepLoop periodically evicts expired in-process entries so crashed
// holders don't pin a key forever.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		m.mem.Range(func(key, val any) bool {
			if e, ok := val.(*entry); ok && now.After(e.expiresAt) {
				m.mem.Delete(key)
			}
			return true
		})
	}
}

// Close releases the Redis client, if any.
func (m *Manager) Close() error {
	if m.rdb != nil {
		return m.rdb.Close()
	}
	return nil
}
