package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-costing/internal/observability"
	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

// ItemKey identifies the (org, branch, item) partition that owns WAC state.
type ItemKey struct {
	OrgID    uuid.UUID
	BranchID uuid.UUID
	ItemID   uuid.UUID
}

func (k ItemKey) String() string {
	return shared.ItemLockKey(k.OrgID, k.BranchID, k.ItemID)
}

// ItemLocker serializes work per item key. fn runs only while the lock is held.
// Nested calls for a key already held by ctx run fn directly.
type ItemLocker interface {
	WithItemLock(ctx context.Context, key ItemKey, fn func(context.Context) error) error
}

type heldKeysContextKey struct{}

func holds(ctx context.Context, name string) bool {
	held, _ := ctx.Value(heldKeysContextKey{}).(map[string]struct{})
	_, ok := held[name]
	return ok
}

func withHeld(ctx context.Context, name string) context.Context {
	prev, _ := ctx.Value(heldKeysContextKey{}).(map[string]struct{})
	next := make(map[string]struct{}, len(prev)+1)
	for k := range prev {
		next[k] = struct{}{}
	}
	next[name] = struct{}{}
	return context.WithValue(ctx, heldKeysContextKey{}, next)
}

// LocalLocker is an in-process keyed mutex for single-instance deployments.
type LocalLocker struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	metrics *observability.CostingMetrics
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker constructs a LocalLocker.
func NewLocalLocker(metrics *observability.CostingMetrics) *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock), metrics: metrics}
}

// WithItemLock implements ItemLocker.
func (l *LocalLocker) WithItemLock(ctx context.Context, key ItemKey, fn func(context.Context) error) error {
	name := key.String()
	if holds(ctx, name) {
		return fn(ctx)
	}
	start := time.Now()

	l.mu.Lock()
	kl, ok := l.locks[name]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[name] = kl
	}
	kl.refs++
	l.mu.Unlock()

	defer l.release(name, kl)

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
	defer func() { <-kl.sem }()
	l.metrics.LockWait("local", time.Since(start))

	return fn(withHeld(ctx, name))
}

func (l *LocalLocker) release(name string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, name)
	}
}

// RedisLockerConfig tunes RedisLocker.
type RedisLockerConfig struct {
	TTL          time.Duration
	RetryBackoff time.Duration
	MaxRetries   int
}

// RedisLocker serializes item work across processes using a Redis lock.
type RedisLocker struct {
	client  *redislock.Client
	cfg     RedisLockerConfig
	logger  *slog.Logger
	metrics *observability.CostingMetrics
}

// NewRedisLocker builds a RedisLocker.
func NewRedisLocker(client redislock.RedisClient, cfg RedisLockerConfig, logger *slog.Logger, metrics *observability.CostingMetrics) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: redislock.New(client), cfg: cfg, logger: logger, metrics: metrics}
}

// WithItemLock implements ItemLocker.
func (l *RedisLocker) WithItemLock(ctx context.Context, key ItemKey, fn func(context.Context) error) error {
	if holds(ctx, key.String()) {
		return fn(ctx)
	}
	start := time.Now()
	lock, err := l.client.Obtain(ctx, key.String(), l.cfg.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.cfg.RetryBackoff), l.cfg.MaxRetries),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return fmt.Errorf("costing: obtain lock: %w", err)
	}
	l.metrics.LockWait("redis", time.Since(start))
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("release item lock", slog.String("key", key.String()), slog.Any("error", err))
		}
	}()
	return fn(withHeld(ctx, key.String()))
}
