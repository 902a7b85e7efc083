package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/fingerprint"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/metrics"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// ComputeFunc produces the value for a cache miss. It must honor ctx.
type ComputeFunc func(ctx context.Context) ([]byte, error)

var errStillComputing = errors.New("result not yet published")

// Manager ties the tiers together: L1 in front of L2, an in-process
// single-flight table, a fleet lock per key, and stale-copy fallback
// under contention. Cache-layer failures degrade to misses; only
// ComputeFunc errors propagate to callers.
type Manager struct {
	eng    *fingerprint.Engine
	cfg    *config.Config
	l1     *L1
	l2     *L2
	flight singleflight.Group
	log    *zap.Logger
}

// New builds a Manager bound to one engine fingerprint for its lifetime.
func New(eng *fingerprint.Engine, cfg *config.Config) (*Manager, error) {
	l2, err := NewL2(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		eng: eng,
		cfg: cfg,
		l1:  NewL1(cfg.Cache.L1MaxEntries, int64(cfg.Cache.L1MaxMemoryMB)<<20),
		l2:  l2,
		log: logging.For(logging.CategoryCache),
	}, nil
}

// Engine returns the fingerprint this manager is bound to.
func (m *Manager) Engine() *fingerprint.Engine { return m.eng }

// KeyFor exposes the bound key computation, mainly for callers that
// persist or log keys.
func (m *Manager) KeyFor(flow types.Flow, canonical []byte, artifact string) string {
	if artifact == "" {
		artifact = types.ArtifactData
	}
	return Key(m.eng, flow, artifact, canonical)
}

// Get reads through L1 then L2; an L2 hit populates L1. Cache-layer
// errors are logged and reported as misses.
func (m *Manager) Get(ctx context.Context, flow types.Flow, canonical []byte, artifact string) ([]byte, bool) {
	key := m.KeyFor(flow, canonical, artifact)
	if v, ok := m.l1.Get(key); ok {
		metrics.CacheOp(string(flow), "l1", "hit")
		return v, true
	}
	metrics.CacheOp(string(flow), "l1", "miss")

	v, _, ok, err := m.l2.Get(ctx, key)
	if err != nil {
		m.log.Warn("l2 read degraded", zap.String("key", key), zap.Error(err))
		metrics.CacheOp(string(flow), "l2", "error")
		return nil, false
	}
	if !ok {
		metrics.CacheOp(string(flow), "l2", "miss")
		return nil, false
	}
	metrics.CacheOp(string(flow), "l2", "hit")
	m.l1.Set(key, v, 0)
	return v, true
}

// Set stores a value in both tiers and records the key in the engine tag
// set. ttl <= 0 uses the per-flow default.
func (m *Manager) Set(ctx context.Context, flow types.Flow, canonical []byte, artifact string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.cfg.TTLForFlow(string(flow))
	}
	key := m.KeyFor(flow, canonical, artifact)
	if err := m.l2.Set(ctx, key, value, contentTypeOf(value), ttl, TagKey(m.eng.String())); err != nil {
		return err
	}
	m.l1.Set(key, value, 0)
	metrics.CacheOp(string(flow), "l2", "set")
	return nil
}

// GetOrCompute is the single-flight read-through path. Concurrent
// callers for one key coalesce in-process; across processes the fleet
// lock keeps computation to one worker under normal conditions, with
// stale-copy fallback and bounded polling when the lock is held
// elsewhere.
func (m *Manager) GetOrCompute(ctx context.Context, flow types.Flow, canonical []byte, artifact string, ttl time.Duration, fn ComputeFunc) ([]byte, error) {
	if ttl <= 0 {
		ttl = m.cfg.TTLForFlow(string(flow))
	}
	key := m.KeyFor(flow, canonical, artifact)
	v, err, shared := m.flight.Do(key, func() (any, error) {
		return m.computeOne(ctx, key, flow, ttl, fn)
	})
	if shared {
		metrics.Coalesced(string(flow))
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (m *Manager) computeOne(ctx context.Context, key string, flow types.Flow, ttl time.Duration, fn ComputeFunc) ([]byte, error) {
	if v, ok := m.lookup(ctx, key, flow); ok {
		return v, nil
	}

	lockKey := LockKey(key)
	lockTTL := m.cfg.GetLockTimeout()
	acquired, err := m.l2.AcquireLock(ctx, lockKey, lockTTL)
	if err != nil {
		// Redis degraded: compute without fleet coordination rather
		// than failing the call.
		m.log.Warn("fleet lock unavailable", zap.String("key", key), zap.Error(err))
		return m.computeAndStore(ctx, key, flow, ttl, fn)
	}
	if !acquired {
		if v, _, ok, serr := m.l2.Get(ctx, StaleKey(key)); serr == nil && ok {
			metrics.StaleServed(string(flow))
			m.log.Debug("served stale under contention", zap.String("key", key))
			return v, nil
		}
		return m.awaitResult(ctx, key, flow, lockTTL)
	}

	defer func() {
		if err := m.l2.ReleaseLock(context.WithoutCancel(ctx), lockKey); err != nil {
			m.log.Warn("lock release failed; ttl will fence", zap.String("key", key), zap.Error(err))
		}
	}()

	// Another worker may have finished between our miss and the lock.
	if v, ok := m.lookup(ctx, key, flow); ok {
		return v, nil
	}
	return m.computeAndStore(ctx, key, flow, ttl, fn)
}

// lookup is the L1-then-L2 read used inside the compute path.
func (m *Manager) lookup(ctx context.Context, key string, flow types.Flow) ([]byte, bool) {
	if v, ok := m.l1.Get(key); ok {
		metrics.CacheOp(string(flow), "l1", "hit")
		return v, true
	}
	v, _, ok, err := m.l2.Get(ctx, key)
	if err != nil {
		m.log.Warn("l2 read degraded", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	m.l1.Set(key, v, 0)
	metrics.CacheOp(string(flow), "l2", "hit")
	return v, true
}

func (m *Manager) computeAndStore(ctx context.Context, key string, flow types.Flow, ttl time.Duration, fn ComputeFunc) ([]byte, error) {
	out, err := fn(ctx)
	if err != nil {
		// Compute errors reach every coalesced waiter; nothing is
		// written.
		return nil, err
	}
	ct := contentTypeOf(out)
	if err := m.l2.Set(ctx, key, out, ct, ttl, TagKey(m.eng.String())); err != nil {
		m.log.Warn("l2 write degraded", zap.String("key", key), zap.Error(err))
	} else {
		staleTTL := ttl * time.Duration(max(m.cfg.Cache.StaleTTLFactor, 2))
		if err := m.l2.Set(ctx, StaleKey(key), out, ct, staleTTL, ""); err != nil {
			m.log.Warn("stale write degraded", zap.String("key", key), zap.Error(err))
		}
	}
	m.l1.Set(key, out, 0)
	metrics.CacheOp(string(flow), "l2", "set")
	return out, nil
}

// awaitResult polls the primary key with jittered exponential backoff
// until the holder publishes, the context ends, or the lock-timeout
// budget is spent.
func (m *Manager) awaitResult(ctx context.Context, key string, flow types.Flow, budget time.Duration) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = budget

	var out []byte
	err := backoff.Retry(func() error {
		v, _, ok, gerr := m.l2.Get(ctx, key)
		if gerr == nil && ok {
			out = v
			return nil
		}
		return errStillComputing
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.LockTimeout(string(flow))
		return nil, types.NewFault(types.CodeLockTimeout, "timed out waiting for in-flight computation").
			With("key", key).With("budget", budget.String())
	}
	m.l1.Set(key, out, 0)
	return out, nil
}

// InvalidateEngine removes every key written under the given engine
// fingerprint (the bound one when empty) and clears L1.
func (m *Manager) InvalidateEngine(ctx context.Context, engineFull string) (int, error) {
	if engineFull == "" {
		engineFull = m.eng.String()
	}
	n, err := m.l2.InvalidateTag(ctx, TagKey(engineFull))
	m.l1.Clear()
	if n > 0 {
		metrics.Invalidated(n)
	}
	return n, err
}

// Close releases the L2 connection pool.
func (m *Manager) Close() error { return m.l2.Close() }

func contentTypeOf(b []byte) string {
	if json.Valid(b) {
		return "json"
	}
	if utf8.Valid(b) {
		return "text"
	}
	return "bytes"
}

// Process-wide manager with explicit lifecycle; constructed at startup,
// closed on shutdown. Dependency injection is preferred, the accessor is
// a convenience.
var (
	globalMu sync.Mutex
	global   *Manager
)

// SetGlobal installs the process-wide manager.
func SetGlobal(m *Manager) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = m
}

// Global returns the process-wide manager, or nil before SetGlobal.
func Global() *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}
