// Package multilevel composes a local (L1) and an optional remote (L2)
// adapter into one cache.
//
// Reads go L1, then L2, and write L2 hits through to L1. Writes go L2 first,
// then L1. Invalidations always reach both levels and L2 failures are
// returned to the caller even when L1 was already cleaned. Invalidation
// messages from L2 evict the same key from L1.
package multilevel

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"rbac-cache/internal/cache"
	"rbac-cache/internal/circuitbreaker"
	"rbac-cache/internal/common/errors"
	"rbac-cache/internal/common/logging"
)

// AdapterName identifies the façade in logs, metrics and health output.
const AdapterName = "multilevel"

// Options configures the façade.
type Options struct {
	// L1TTL caps the lifetime of values written to L1; <= 0 disables the cap.
	L1TTL time.Duration
	// FailOpen turns L2 read and write failures into L1-only operation.
	// Invalidation failures are returned regardless.
	FailOpen bool
	// Breaker guards every L2 call. Nil disables the breaker.
	Breaker *circuitbreaker.Config

	Logger logging.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	breaker := circuitbreaker.DefaultConfig()
	return Options{
		L1TTL:   time.Minute,
		Breaker: &breaker,
	}
}

// LevelStats holds the per-level lookup counters kept by the façade.
type LevelStats struct {
	L1Hits   uint64 `json:"l1Hits"`
	L1Misses uint64 `json:"l1Misses"`
	L2Hits   uint64 `json:"l2Hits"`
	L2Misses uint64 `json:"l2Misses"`
	L2Errors uint64 `json:"l2Errors"`
}

type levelCounters struct {
	l1Hits, l1Misses           atomic.Uint64
	l2Hits, l2Misses, l2Errors atomic.Uint64
}

// Cache is the multi-level façade.
type Cache struct {
	l1   cache.Adapter
	l2   cache.Adapter
	opts Options
	log  logging.Logger

	breaker  *circuitbreaker.GoBreakerAdapter
	counters *cache.Counters
	levels   levelCounters
	flight   singleflight.Group

	ready       atomic.Bool
	unsubscribe func()
}

var _ cache.Adapter = (*Cache)(nil)

// New creates a façade over l1 and, when non-nil, l2. The façade owns both
// adapters: Initialize and Shutdown are forwarded to them.
func New(l1, l2 cache.Adapter, opts Options) (*Cache, error) {
	if l1 == nil {
		return nil, errors.ConfigError("multilevel cache requires a local adapter")
	}

	c := &Cache{
		l1:       l1,
		l2:       l2,
		opts:     opts,
		counters: cache.NewCounters(time.Now()),
	}
	c.log = logging.OrGlobal(opts.Logger).WithFields(
		logging.String("component", "cache"),
		logging.String("adapter", AdapterName),
		logging.String("instance", uuid.NewString()),
	)
	if l2 != nil && opts.Breaker != nil {
		c.breaker = circuitbreaker.NewGoBreaker(l2.Name(), *opts.Breaker, c.log)
	}
	return c, nil
}

// Name returns the façade name.
func (c *Cache) Name() string { return AdapterName }

// L1 returns the local adapter.
func (c *Cache) L1() cache.Adapter { return c.l1 }

// L2 returns the remote adapter, or nil.
func (c *Cache) L2() cache.Adapter { return c.l2 }

// Initialize initializes both levels concurrently and subscribes L1 to L2
// invalidations.
func (c *Cache) Initialize(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.l1.Initialize(gctx) })
	if c.l2 != nil {
		g.Go(func() error { return c.l2.Initialize(gctx) })
	}
	if err := g.Wait(); err != nil {
		if !c.opts.FailOpen || !c.l1.IsReady() {
			_ = c.shutdownLevels(context.WithoutCancel(ctx))
			return err
		}
		c.log.Warn("Remote cache unavailable, continuing with local cache only", logging.Err(err))
	}

	if c.l2 != nil {
		c.unsubscribe = c.l2.OnInvalidation(c.evictLocal)
	}
	c.ready.Store(true)
	c.log.Info("Cache initialized",
		logging.Bool("remote", c.l2 != nil),
		logging.Duration("l1_ttl", c.opts.L1TTL),
		logging.Bool("fail_open", c.opts.FailOpen),
	)
	return nil
}

// IsReady reports whether the façade is serving.
func (c *Cache) IsReady() bool { return c.ready.Load() }

// Shutdown shuts both levels down concurrently.
func (c *Cache) Shutdown(ctx context.Context) error {
	if !c.ready.CompareAndSwap(true, false) {
		return nil
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}

	err := c.shutdownLevels(ctx)
	c.log.Info("Cache shut down")
	return err
}

func (c *Cache) shutdownLevels(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return c.l1.Shutdown(ctx) })
	if c.l2 != nil {
		g.Go(func() error { return c.l2.Shutdown(ctx) })
	}
	return g.Wait()
}

// HealthCheck reports whether the façade can serve requests.
func (c *Cache) HealthCheck(ctx context.Context) bool {
	return c.HealthStatus(ctx).Healthy
}

// HealthStatus combines the health of both levels. Connectivity and failure
// details come from L2 when it is configured.
func (c *Cache) HealthStatus(ctx context.Context) cache.HealthStatus {
	l1 := c.l1.HealthStatus(ctx)
	status := l1
	status.Adapter = AdapterName
	if !c.ready.Load() {
		status.Healthy = false
		status.LastError = errors.NotInitializedError(AdapterName).Error()
		return status
	}
	if c.l2 == nil {
		return status
	}

	l2 := c.l2.HealthStatus(ctx)
	status.Connected = l2.Connected
	status.LastSuccessfulOperation = l2.LastSuccessfulOperation
	status.LastError = l2.LastError
	status.ConsecutiveFailures = l2.ConsecutiveFailures
	status.ResponseTimeMs = max(l1.ResponseTimeMs, l2.ResponseTimeMs)
	status.Healthy = l1.Healthy && (l2.Healthy || c.opts.FailOpen)
	return status
}

// Levels returns the health of each level; l2 is zero without a remote level.
func (c *Cache) Levels(ctx context.Context) (l1, l2 cache.HealthStatus) {
	l1 = c.l1.HealthStatus(ctx)
	if c.l2 != nil {
		l2 = c.l2.HealthStatus(ctx)
	}
	return l1, l2
}

// Get reads through L1 and L2. L2 hits are written to L1.
func (c *Cache) Get(ctx context.Context, key string, opts ...cache.GetOption) (any, bool, error) {
	if err := c.checkReady(); err != nil {
		return nil, false, err
	}
	start := time.Now()
	defer func() { c.counters.ObserveGet(time.Since(start)) }()

	value, ok, err := c.l1.Get(ctx, key, opts...)
	if err != nil {
		return nil, false, err
	}
	if ok {
		c.levels.l1Hits.Add(1)
		c.counters.Hit()
		return value, true, nil
	}
	c.levels.l1Misses.Add(1)

	if c.l2 == nil {
		c.counters.Miss()
		return nil, false, nil
	}

	type result struct {
		value any
		ok    bool
	}
	r, err := guarded(c, func() (result, error) {
		v, ok, err := c.l2.Get(ctx, key, opts...)
		return result{v, ok}, err
	})
	if err != nil {
		c.counters.Miss()
		return nil, false, c.remoteFailure("get", key, err)
	}
	if !r.ok {
		c.levels.l2Misses.Add(1)
		c.counters.Miss()
		return nil, false, nil
	}

	c.levels.l2Hits.Add(1)
	c.counters.Hit()
	c.populate(ctx, map[string]any{key: r.value})
	return r.value, true, nil
}

// Set writes key to L2, then L1.
func (c *Cache) Set(ctx context.Context, key string, value any, opts ...cache.SetOption) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { c.counters.ObserveSet(time.Since(start)) }()

	if c.l2 != nil {
		err := c.remoteErr(ctx, func() error { return c.l2.Set(ctx, key, value, opts...) })
		if err != nil {
			if err = c.remoteFailure("set", key, err); err != nil {
				return err
			}
		}
	}
	return c.l1.Set(ctx, key, value, c.l1Options(opts)...)
}

// Delete removes key from both levels. An L2 failure is returned after L1
// has been cleaned.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	if err := c.checkReady(); err != nil {
		return false, err
	}
	c.counters.ObserveDelete()

	var remoteDeleted bool
	var remoteErr error
	if c.l2 != nil {
		remoteDeleted, remoteErr = guarded(c, func() (bool, error) { return c.l2.Delete(ctx, key) })
	}
	localDeleted, err := c.l1.Delete(ctx, key)
	if remoteErr != nil {
		c.logRemote("delete", key, remoteErr)
		return localDeleted, remoteErr
	}
	if err != nil {
		return remoteDeleted, err
	}
	return localDeleted || remoteDeleted, nil
}

// Exists reports whether key is present in either level.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if err := c.checkReady(); err != nil {
		return false, err
	}
	ok, err := c.l1.Exists(ctx, key)
	if err != nil || ok || c.l2 == nil {
		return ok, err
	}
	ok, err = guarded(c, func() (bool, error) { return c.l2.Exists(ctx, key) })
	if err != nil {
		return false, c.remoteFailure("exists", key, err)
	}
	return ok, nil
}

// GetMany reads every key from L1 and the remaining ones from L2 in one
// batch. L2 hits are written to L1.
func (c *Cache) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}

	found, err := c.l1.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, key := range keys {
		if _, ok := found[key]; ok {
			c.levels.l1Hits.Add(1)
			c.counters.Hit()
			continue
		}
		c.levels.l1Misses.Add(1)
		missing = append(missing, key)
	}
	if len(missing) == 0 {
		return found, nil
	}
	if c.l2 == nil {
		for range missing {
			c.counters.Miss()
		}
		return found, nil
	}

	remote, err := guarded(c, func() (map[string]any, error) { return c.l2.GetMany(ctx, missing) })
	if err != nil {
		for range missing {
			c.counters.Miss()
		}
		if err = c.remoteFailure("get_many", "", err); err != nil {
			return nil, err
		}
		return found, nil
	}
	for _, key := range missing {
		if _, ok := remote[key]; ok {
			c.levels.l2Hits.Add(1)
			c.counters.Hit()
		} else {
			c.levels.l2Misses.Add(1)
			c.counters.Miss()
		}
	}
	if len(remote) > 0 {
		c.populate(ctx, remote)
	}
	for key, value := range remote {
		found[key] = value
	}
	return found, nil
}

// SetMany writes entries to L2, then L1.
func (c *Cache) SetMany(ctx context.Context, entries map[string]any, opts ...cache.SetOption) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if c.l2 != nil {
		err := c.remoteErr(ctx, func() error { return c.l2.SetMany(ctx, entries, opts...) })
		if err != nil {
			if err = c.remoteFailure("set_many", "", err); err != nil {
				return err
			}
		}
	}
	return c.l1.SetMany(ctx, entries, c.l1Options(opts)...)
}

// GetOrSet returns the cached value from either level or computes it with
// factory and writes it to L2, then L1. Concurrent callers for the same
// cold key share one factory call.
func (c *Cache) GetOrSet(ctx context.Context, key string, factory cache.Factory, opts ...cache.SetOption) (any, error) {
	value, ok, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}

	value, err, _ = c.flight.Do(key, func() (any, error) {
		if v, ok, err := c.l1.Get(ctx, key); err == nil && ok {
			return v, nil
		}
		v, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, v, opts...); err != nil {
			return nil, err
		}
		return v, nil
	})
	return value, err
}

// DeletePattern deletes matching keys from both levels. The count is L2's
// when it is configured, since L1 only holds a subset.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	return c.invalidate(ctx, "delete_pattern", pattern, func(a cache.Adapter) (int, error) {
		return a.DeletePattern(ctx, pattern)
	})
}

// DeleteByTag deletes every key carrying tag from both levels.
func (c *Cache) DeleteByTag(ctx context.Context, tag string) (int, error) {
	return c.DeleteByTags(ctx, []string{tag})
}

// DeleteByTags deletes every key carrying any of tags from both levels.
func (c *Cache) DeleteByTags(ctx context.Context, tags []string) (int, error) {
	return c.invalidate(ctx, "delete_by_tags", "", func(a cache.Adapter) (int, error) {
		return a.DeleteByTags(ctx, tags)
	})
}

// Clear empties both levels.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	return c.invalidate(ctx, "clear", "", func(a cache.Adapter) (int, error) {
		return a.Clear(ctx)
	})
}

// Keys returns the sorted union of matching keys in both levels.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	keys, err := c.l1.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if c.l2 != nil {
		remote, err := guarded(c, func() ([]string, error) { return c.l2.Keys(ctx, pattern) })
		if err != nil {
			if err = c.remoteFailure("keys", pattern, err); err != nil {
				return nil, err
			}
		}
		keys = append(keys, remote...)
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

// TTL reports the remaining lifetime of key in the authoritative level.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := c.checkReady(); err != nil {
		return cache.TTLNoKey, err
	}
	if c.l2 == nil {
		return c.l1.TTL(ctx, key)
	}
	d, err := guarded(c, func() (time.Duration, error) { return c.l2.TTL(ctx, key) })
	if err != nil {
		if err = c.remoteFailure("ttl", key, err); err != nil {
			return cache.TTLNoKey, err
		}
		return c.l1.TTL(ctx, key)
	}
	return d, nil
}

// UpdateTTL changes the lifetime of key in both levels, keeping the L1 cap.
func (c *Cache) UpdateTTL(ctx context.Context, key string, d time.Duration) (bool, error) {
	if err := c.checkReady(); err != nil {
		return false, err
	}
	local, err := c.l1.UpdateTTL(ctx, key, c.capTTL(d))
	if err != nil || c.l2 == nil {
		return local, err
	}
	ok, err := guarded(c, func() (bool, error) { return c.l2.UpdateTTL(ctx, key, d) })
	if err != nil {
		if err = c.remoteFailure("update_ttl", key, err); err != nil {
			return false, err
		}
		return local, nil
	}
	return ok, nil
}

// Touch marks key as accessed in both levels.
func (c *Cache) Touch(ctx context.Context, key string) (bool, error) {
	if err := c.checkReady(); err != nil {
		return false, err
	}
	local, err := c.l1.Touch(ctx, key)
	if err != nil || c.l2 == nil {
		return local, err
	}
	remote, err := guarded(c, func() (bool, error) { return c.l2.Touch(ctx, key) })
	if err != nil {
		if err = c.remoteFailure("touch", key, err); err != nil {
			return false, err
		}
	}
	return local || remote, nil
}

// Lock takes the lock in L2 when configured, so it is shared across
// processes, and in L1 otherwise.
func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (cache.ReleaseFunc, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	if c.l2 == nil {
		return c.l1.Lock(ctx, key, ttl)
	}
	return guarded(c, func() (cache.ReleaseFunc, error) { return c.l2.Lock(ctx, key, ttl) })
}

// OnInvalidation registers fn with the level that announces invalidations:
// L2 when configured, so deletions from other processes are seen too.
func (c *Cache) OnInvalidation(fn cache.InvalidationFunc) func() {
	if c.l2 != nil {
		return c.l2.OnInvalidation(fn)
	}
	return c.l1.OnInvalidation(fn)
}

// Stats returns the façade's combined counters. Keys is the L1 key count.
func (c *Cache) Stats() cache.Stats {
	return c.counters.Stats(c.l1.Stats().Keys)
}

// LevelStats returns the per-level lookup counters.
func (c *Cache) LevelStats() LevelStats {
	return LevelStats{
		L1Hits:   c.levels.l1Hits.Load(),
		L1Misses: c.levels.l1Misses.Load(),
		L2Hits:   c.levels.l2Hits.Load(),
		L2Misses: c.levels.l2Misses.Load(),
		L2Errors: c.levels.l2Errors.Load(),
	}
}

// Metrics returns the façade's counters with L1's size figures.
func (c *Cache) Metrics(ctx context.Context) (*cache.Metrics, error) {
	m := c.counters.Snapshot(time.Now())
	local, err := c.l1.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	m.Size = local.Size
	m.MaxSize = local.MaxSize
	m.MemoryUsage = local.MemoryUsage
	m.Evictions = local.Evictions
	m.Expirations = local.Expirations
	return m, nil
}

// ResetStats zeroes the façade's counters and those of both levels.
func (c *Cache) ResetStats() {
	c.counters.Reset(time.Now())
	c.levels.l1Hits.Store(0)
	c.levels.l1Misses.Store(0)
	c.levels.l2Hits.Store(0)
	c.levels.l2Misses.Store(0)
	c.levels.l2Errors.Store(0)
	c.l1.ResetStats()
	if c.l2 != nil {
		c.l2.ResetStats()
	}
}

// BreakerStats returns the L2 breaker state, or false without a breaker.
func (c *Cache) BreakerStats() (circuitbreaker.Stats, bool) {
	if c.breaker == nil {
		return circuitbreaker.Stats{}, false
	}
	return c.breaker.Stats(), true
}

func (c *Cache) checkReady() error {
	if !c.ready.Load() {
		return errors.NotInitializedError(AdapterName)
	}
	return nil
}

// invalidate runs op against L2, then L1. L1 is cleaned even when L2 fails,
// and the L2 error is returned.
func (c *Cache) invalidate(ctx context.Context, op, subject string, fn func(cache.Adapter) (int, error)) (int, error) {
	if err := c.checkReady(); err != nil {
		return 0, err
	}
	c.counters.ObserveDelete()

	var remoteN int
	var remoteErr error
	if c.l2 != nil {
		remoteN, remoteErr = guarded(c, func() (int, error) { return fn(c.l2) })
	}
	localN, err := fn(c.l1)
	if remoteErr != nil {
		c.logRemote(op, subject, remoteErr)
		return localN, remoteErr
	}
	if err != nil {
		return remoteN, err
	}
	if c.l2 != nil {
		return remoteN, nil
	}
	return localN, nil
}

// populate writes L2 hits to L1 with the tags L2 holds for them, so tag
// invalidation evicts them from L1 without waiting for pub/sub. Entries whose
// tags cannot be read are not cached locally. Failures only cost a future L1
// miss.
func (c *Cache) populate(ctx context.Context, values map[string]any) {
	reader, ok := c.l2.(cache.TagReader)
	if !ok {
		if err := c.l1.SetMany(ctx, values, c.l1Options(nil)...); err != nil {
			c.log.Warn("Failed to populate local cache", logging.Err(err))
		}
		return
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	tags, err := guarded(c, func() (map[string][]string, error) { return reader.Tags(ctx, keys...) })
	if err != nil {
		c.logRemote("tags", strings.Join(keys, ","), err)
		return
	}
	for key, value := range values {
		opts := []cache.SetOption{cache.WithTags(tags[key]...)}
		if err := c.l1.Set(ctx, key, value, c.l1Options(opts)...); err != nil {
			c.log.Warn("Failed to populate local cache", logging.String("key", key), logging.Err(err))
		}
	}
}

// l1Options returns opts with the TTL capped at L1TTL. A later WithTTL
// overrides an earlier one.
func (c *Cache) l1Options(opts []cache.SetOption) []cache.SetOption {
	if c.opts.L1TTL <= 0 {
		return opts
	}
	o := cache.ApplySetOptions(opts)
	out := make([]cache.SetOption, 0, len(opts)+1)
	out = append(out, opts...)
	return append(out, cache.WithTTL(c.capTTL(o.TTL)))
}

// capTTL applies the L1 cap to d, where 0 means the default and a negative
// value means no expiry.
func (c *Cache) capTTL(d time.Duration) time.Duration {
	if c.opts.L1TTL <= 0 {
		return d
	}
	if d <= 0 || d > c.opts.L1TTL {
		return c.opts.L1TTL
	}
	return d
}

func (c *Cache) evictLocal(key string) {
	if _, err := c.l1.Delete(context.Background(), key); err != nil &&
		!errors.IsType(err, errors.ErrTypeNotInitialized) {
		c.log.Warn("Failed to apply remote invalidation", logging.String("key", key), logging.Err(err))
	}
}

// remoteFailure records an L2 failure and returns the error to give the
// caller: nil under FailOpen.
func (c *Cache) remoteFailure(op, key string, err error) error {
	c.logRemote(op, key, err)
	if c.opts.FailOpen {
		return nil
	}
	return err
}

func (c *Cache) logRemote(op, key string, err error) {
	c.levels.l2Errors.Add(1)
	c.log.Warn("Remote cache operation failed",
		logging.String("op", op),
		logging.String("key", key),
		logging.Bool("fail_open", c.opts.FailOpen),
		logging.Err(err),
	)
}

func (c *Cache) remoteErr(ctx context.Context, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(ctx, fn)
}

func guarded[T any](c *Cache, fn func() (T, error)) (T, error) {
	if c.breaker == nil {
		return fn()
	}
	return circuitbreaker.Do(c.breaker, fn)
}
