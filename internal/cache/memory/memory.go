// Package memory provides the in-process (L1) cache adapter.
//
// An Adapter composes an lru.Cache of entries, a ttl.Strategy and a tag index
// behind a single mutex. Eviction and expiration callbacks run under that
// mutex and keep the three structures consistent; they never re-enter the
// public methods.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"rbac-cache/internal/cache"
	"rbac-cache/internal/cache/lru"
	"rbac-cache/internal/cache/ttl"
	"rbac-cache/internal/common/errors"
	"rbac-cache/internal/common/logging"
)

// AdapterName identifies the local adapter in logs, metrics and health output.
const AdapterName = "memory"

// Options configures the local adapter.
type Options struct {
	MaxSize          int
	DefaultTTL       time.Duration // <= 0 means entries never expire by default
	CleanupInterval  time.Duration // <= 0 disables the background sweep
	CleanupBatch     int           // max keys removed per sweep, <= 0 for all
	UseLRU           bool          // false keeps insertion order (reads do not promote)
	TrackMemoryUsage bool          // estimate entry sizes from their JSON encoding

	Logger logging.Logger
	Now    func() time.Time
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxSize:         1000,
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
		CleanupBatch:    1000,
		UseLRU:          true,
	}
}

type lockState struct {
	token     uint64
	expiresAt time.Time
}

// Adapter is the local cache adapter.
type Adapter struct {
	opts Options
	log  logging.Logger
	now  func() time.Time
	id   string

	mu      sync.Mutex
	entries *lru.Cache[string, *cache.Entry]
	ttl     *ttl.Strategy
	tags    map[string]map[string]struct{}
	locks   map[string]lockState
	lockSeq uint64
	memory  int64

	ready    atomic.Bool
	counters *cache.Counters
	flight   singleflight.Group

	listenersMu sync.RWMutex
	listeners   map[int]cache.InvalidationFunc
	listenerSeq int

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

var _ cache.Adapter = (*Adapter)(nil)

// New creates a local adapter. The adapter must be initialized before use.
func New(opts Options) (*Adapter, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &Adapter{
		opts:      opts,
		now:       opts.Now,
		id:        uuid.NewString(),
		tags:      make(map[string]map[string]struct{}),
		locks:     make(map[string]lockState),
		listeners: make(map[int]cache.InvalidationFunc),
	}
	a.log = logging.OrGlobal(opts.Logger).WithFields(
		logging.String("component", "cache"),
		logging.String("adapter", AdapterName),
		logging.String("instance", a.id),
	)

	entries, err := lru.New[string, *cache.Entry](opts.MaxSize, a.onEvict)
	if err != nil {
		return nil, err
	}
	a.entries = entries
	a.ttl = ttl.New(ttl.WithClock(a.now), ttl.WithExpireHandler(a.onExpire))
	a.counters = cache.NewCounters(a.now())

	return a, nil
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return AdapterName }

// Initialize marks the adapter ready and starts the expiration sweep.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.ready.Load() {
		return nil
	}

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopSweep = cancel
	a.sweepDone = make(chan struct{})
	go func() {
		defer close(a.sweepDone)
		a.ttl.Run(sweepCtx, a.opts.CleanupInterval, &a.mu, a.opts.CleanupBatch)
	}()

	a.ready.Store(true)
	a.log.Info("Cache adapter initialized",
		logging.Int("max_size", a.opts.MaxSize),
		logging.Duration("default_ttl", a.opts.DefaultTTL),
		logging.Duration("cleanup_interval", a.opts.CleanupInterval),
		logging.Bool("lru", a.opts.UseLRU),
	)
	return nil
}

// IsReady reports whether Initialize has completed and Shutdown has not.
func (a *Adapter) IsReady() bool { return a.ready.Load() }

// Shutdown stops the sweep and drops every entry.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if !a.ready.CompareAndSwap(true, false) {
		return nil
	}

	a.stopSweep()
	select {
	case <-a.sweepDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	a.clearLocked()
	a.mu.Unlock()

	a.log.Info("Cache adapter shut down")
	return nil
}

// HealthCheck reports whether the adapter is serving.
func (a *Adapter) HealthCheck(ctx context.Context) bool { return a.ready.Load() }

// HealthStatus reports the adapter's health. A local adapter is connected
// whenever it is ready.
func (a *Adapter) HealthStatus(ctx context.Context) cache.HealthStatus {
	ready := a.ready.Load()
	status := cache.HealthStatus{
		Healthy:   ready,
		Adapter:   AdapterName,
		Connected: ready,
	}
	if ready {
		status.LastSuccessfulOperation = a.now()
	} else {
		status.LastError = errors.NotInitializedError(AdapterName).Error()
	}
	return status
}

// Get returns the value stored under key. Expired entries are misses and are
// not promoted.
func (a *Adapter) Get(ctx context.Context, key string, opts ...cache.GetOption) (any, bool, error) {
	if err := a.checkReady(); err != nil {
		return nil, false, err
	}
	start := time.Now()
	o := cache.ApplyGetOptions(opts)

	a.mu.Lock()
	value, ok := a.getLocked(key, o)
	a.mu.Unlock()

	a.counters.ObserveGet(time.Since(start))
	return value, ok, nil
}

// Set stores value under key, replacing its tags wholesale.
func (a *Adapter) Set(ctx context.Context, key string, value any, opts ...cache.SetOption) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	start := time.Now()
	o := cache.ApplySetOptions(opts)

	size, err := a.estimateSize(key, value)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.setLocked(key, value, size, o)
	a.mu.Unlock()

	a.counters.ObserveSet(time.Since(start))
	return nil
}

// Delete removes key and notifies invalidation listeners.
func (a *Adapter) Delete(ctx context.Context, key string) (bool, error) {
	if err := a.checkReady(); err != nil {
		return false, err
	}

	a.mu.Lock()
	removed := a.removeLocked(key)
	a.mu.Unlock()

	a.counters.ObserveDelete()
	if removed {
		a.notify(key)
	}
	return removed, nil
}

// Exists reports whether key holds a live entry without promoting it.
func (a *Adapter) Exists(ctx context.Context, key string) (bool, error) {
	if err := a.checkReady(); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.lookupLocked(key, false)
	return ok, nil
}

// GetMany returns the live values among keys. Missing keys are absent from
// the result.
func (a *Adapter) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	start := time.Now()
	out := make(map[string]any, len(keys))

	a.mu.Lock()
	for _, key := range keys {
		if v, ok := a.getLocked(key, cache.GetOptions{}); ok {
			out[key] = v
		}
	}
	a.mu.Unlock()

	per := time.Since(start) / time.Duration(max(len(keys), 1))
	for range keys {
		a.counters.ObserveGet(per)
	}
	return out, nil
}

// SetMany stores every entry with the same options.
func (a *Adapter) SetMany(ctx context.Context, entries map[string]any, opts ...cache.SetOption) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	start := time.Now()
	o := cache.ApplySetOptions(opts)

	sizes := make(map[string]int64, len(entries))
	for key, value := range entries {
		size, err := a.estimateSize(key, value)
		if err != nil {
			return err
		}
		sizes[key] = size
	}

	a.mu.Lock()
	for key, value := range entries {
		a.setLocked(key, value, sizes[key], o)
	}
	a.mu.Unlock()

	per := time.Since(start) / time.Duration(max(len(entries), 1))
	for range entries {
		a.counters.ObserveSet(per)
	}
	return nil
}

// GetOrSet returns the cached value or computes it with factory. Concurrent
// callers for the same cold key share one factory call.
func (a *Adapter) GetOrSet(ctx context.Context, key string, factory cache.Factory, opts ...cache.SetOption) (any, error) {
	value, ok, err := a.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}

	value, err, _ = a.flight.Do(key, func() (any, error) {
		a.mu.Lock()
		e, ok := a.lookupLocked(key, false)
		a.mu.Unlock()
		if ok {
			return e.Value, nil
		}

		v, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		if err := a.Set(ctx, key, v, opts...); err != nil {
			return nil, err
		}
		return v, nil
	})
	return value, err
}

// DeletePattern deletes every live key matching the glob pattern.
func (a *Adapter) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	re, err := cache.CompileGlob(pattern)
	if err != nil {
		return 0, errors.ConfigError("invalid key pattern").WithContext("pattern", pattern)
	}

	a.mu.Lock()
	var removed []string
	for _, key := range a.entries.Keys() {
		if (cache.MatchAll(pattern) || re.MatchString(key)) && a.removeLocked(key) {
			removed = append(removed, key)
		}
	}
	a.mu.Unlock()

	a.notifyAll(removed)
	return len(removed), nil
}

// DeleteByTag deletes every key carrying tag.
func (a *Adapter) DeleteByTag(ctx context.Context, tag string) (int, error) {
	return a.DeleteByTags(ctx, []string{tag})
}

// DeleteByTags deletes every key carrying any of tags and returns the number
// of distinct keys removed.
func (a *Adapter) DeleteByTags(ctx context.Context, tags []string) (int, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}

	a.mu.Lock()
	targets := make(map[string]struct{})
	for _, tag := range tags {
		for key := range a.tags[tag] {
			targets[key] = struct{}{}
		}
	}
	removed := make([]string, 0, len(targets))
	for key := range targets {
		if a.removeLocked(key) {
			removed = append(removed, key)
		}
	}
	a.mu.Unlock()

	a.notifyAll(removed)
	return len(removed), nil
}

// Clear drops every entry and returns how many there were.
func (a *Adapter) Clear(ctx context.Context) (int, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	n := a.entries.Len()
	a.clearLocked()
	a.mu.Unlock()

	a.log.Debug("Cache cleared", logging.Int("entries", n))
	return n, nil
}

// Keys returns the live keys matching pattern, most recently used first.
func (a *Adapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	re, err := cache.CompileGlob(pattern)
	if err != nil {
		return nil, errors.ConfigError("invalid key pattern").WithContext("pattern", pattern)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, a.entries.Len())
	for _, key := range a.entries.Keys() {
		if a.expiredLocked(key) {
			continue
		}
		if cache.MatchAll(pattern) || re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// TTL returns the remaining lifetime of key, TTLNoKey when it is absent and
// TTLNoExpiry when it never expires.
func (a *Adapter) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.lookupLocked(key, false); !ok {
		return cache.TTLNoKey, nil
	}
	if !a.ttl.Has(key) {
		return cache.TTLNoExpiry, nil
	}
	return a.ttl.TTL(key), nil
}

// UpdateTTL replaces the lifetime of a live key. A ttl <= 0 removes its
// expiry.
func (a *Adapter) UpdateTTL(ctx context.Context, key string, d time.Duration) (bool, error) {
	if err := a.checkReady(); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.lookupLocked(key, false)
	if !ok {
		return false, nil
	}
	if !a.ttl.Update(key, d) {
		a.ttl.Set(key, d, false)
	}
	a.syncExpiry(key, e)
	return true, nil
}

// Touch records an access on key, promotes it and renews a sliding TTL.
func (a *Adapter) Touch(ctx context.Context, key string) (bool, error) {
	if err := a.checkReady(); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.lookupLocked(key, true)
	if !ok {
		return false, nil
	}
	e.Touch(a.now())
	a.ttl.Touch(key)
	a.syncExpiry(key, e)
	return true, nil
}

// Lock takes an advisory lock on key for ttl. It returns a nil ReleaseFunc
// when the lock is already held.
func (a *Adapter) Lock(ctx context.Context, key string, d time.Duration) (cache.ReleaseFunc, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, errors.ConfigError("lock ttl must be positive").WithContext("key", key)
	}
	lockKey := cache.LockPrefix + key

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if held, ok := a.locks[lockKey]; ok && now.Before(held.expiresAt) {
		return nil, nil
	}
	a.lockSeq++
	token := a.lockSeq
	a.locks[lockKey] = lockState{token: token, expiresAt: now.Add(d)}

	return func(context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		if held, ok := a.locks[lockKey]; ok && held.token == token {
			delete(a.locks, lockKey)
		}
		return nil
	}, nil
}

// OnInvalidation registers fn for explicit deletes on this adapter.
func (a *Adapter) OnInvalidation(fn cache.InvalidationFunc) func() {
	if fn == nil {
		return func() {}
	}
	a.listenersMu.Lock()
	id := a.listenerSeq
	a.listenerSeq++
	a.listeners[id] = fn
	a.listenersMu.Unlock()

	return func() {
		a.listenersMu.Lock()
		delete(a.listeners, id)
		a.listenersMu.Unlock()
	}
}

// Stats returns hit/miss counters and the current entry count.
func (a *Adapter) Stats() cache.Stats {
	a.mu.Lock()
	n := a.entries.Len()
	a.mu.Unlock()
	return a.counters.Stats(int64(n))
}

// Metrics returns the full metrics snapshot.
func (a *Adapter) Metrics(ctx context.Context) (*cache.Metrics, error) {
	m := a.counters.Snapshot(a.now())

	a.mu.Lock()
	m.Size = int64(a.entries.Len())
	memory := a.memory
	a.mu.Unlock()

	m.MaxSize = int64(a.opts.MaxSize)
	if a.opts.TrackMemoryUsage {
		m.MemoryUsage = &memory
	}
	return m, nil
}

// ResetStats zeroes every counter.
func (a *Adapter) ResetStats() {
	a.counters.Reset(a.now())
}

// TagKeys returns the keys indexed under tag.
func (a *Adapter) TagKeys(tag string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.tags[tag]))
	for key := range a.tags[tag] {
		keys = append(keys, key)
	}
	return keys
}

// Sweep removes expired entries immediately and returns how many were removed.
func (a *Adapter) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.ttl.Cleanup(0))
	if n > 0 {
		a.log.Debug("Expired entries swept", logging.Int("count", n))
	}
	return n
}

func (a *Adapter) checkReady() error {
	if !a.ready.Load() {
		return errors.NotInitializedError(AdapterName)
	}
	return nil
}

func (a *Adapter) expiredLocked(key string) bool {
	return a.ttl.Has(key) && a.ttl.IsExpired(key)
}

// lookupLocked returns the live entry for key. Expired entries are never
// promoted.
func (a *Adapter) lookupLocked(key string, promote bool) (*cache.Entry, bool) {
	if a.expiredLocked(key) {
		return nil, false
	}
	if promote && a.opts.UseLRU {
		return a.entries.Get(key)
	}
	return a.entries.Peek(key)
}

func (a *Adapter) getLocked(key string, o cache.GetOptions) (any, bool) {
	e, ok := a.lookupLocked(key, true)
	if !ok {
		a.counters.Miss()
		return nil, false
	}

	e.Touch(a.now())
	if o.RefreshTTL {
		a.ttl.Refresh(key)
	} else {
		a.ttl.Touch(key)
	}
	a.syncExpiry(key, e)

	a.counters.Hit()
	return e.Value, true
}

func (a *Adapter) setLocked(key string, value any, size int64, o cache.SetOptions) {
	if old, ok := a.entries.Peek(key); ok {
		a.untagLocked(key, old)
		a.memory -= old.Size
	}

	d := o.ResolveTTL(a.opts.DefaultTTL)
	tags := cache.UniqueTags(o.Tags)
	e := cache.NewEntry(value, a.now(), d, tags)
	e.Size = size

	a.entries.Set(key, e)
	a.ttl.Set(key, d, o.Sliding)
	a.syncExpiry(key, e)
	for _, tag := range tags {
		bucket, ok := a.tags[tag]
		if !ok {
			bucket = make(map[string]struct{})
			a.tags[tag] = bucket
		}
		bucket[key] = struct{}{}
	}
	a.memory += size
}

// removeLocked deletes key from every index and reports whether it held a
// live entry.
func (a *Adapter) removeLocked(key string) bool {
	e, ok := a.entries.Peek(key)
	if !ok {
		return false
	}
	live := !a.expiredLocked(key)
	a.entries.Delete(key)
	a.ttl.Remove(key)
	a.untagLocked(key, e)
	a.memory -= e.Size
	return live
}

func (a *Adapter) clearLocked() {
	a.entries.Clear()
	a.ttl.Clear()
	a.tags = make(map[string]map[string]struct{})
	a.locks = make(map[string]lockState)
	a.memory = 0
}

func (a *Adapter) untagLocked(key string, e *cache.Entry) {
	for tag := range e.Tags {
		bucket := a.tags[tag]
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(a.tags, tag)
		}
	}
}

func (a *Adapter) syncExpiry(key string, e *cache.Entry) {
	if at, ok := a.ttl.ExpiresAt(key); ok {
		e.ExpiresAt = &at
		return
	}
	e.ExpiresAt = nil
}

// onEvict runs under a.mu from inside entries.Set.
func (a *Adapter) onEvict(key string, e *cache.Entry, reason lru.EvictReason) {
	a.ttl.Remove(key)
	a.untagLocked(key, e)
	a.memory -= e.Size
	a.counters.Eviction()
	a.log.Debug("Cache entry evicted", logging.String("key", key), logging.String("reason", string(reason)))
}

// onExpire runs under a.mu from inside ttl.Cleanup; the ttl record is
// already gone.
func (a *Adapter) onExpire(key string) {
	e, ok := a.entries.Peek(key)
	if !ok {
		return
	}
	a.entries.Delete(key)
	a.untagLocked(key, e)
	a.memory -= e.Size
	a.counters.Expiration()
}

func (a *Adapter) estimateSize(key string, value any) (int64, error) {
	if !a.opts.TrackMemoryUsage {
		return 0, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, errors.SerializationError(key, err)
	}
	return int64(len(raw) + len(key)), nil
}

func (a *Adapter) notify(key string) {
	a.listenersMu.RLock()
	fns := make([]cache.InvalidationFunc, 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(key)
	}
}

func (a *Adapter) notifyAll(keys []string) {
	for _, key := range keys {
		a.notify(key)
	}
}
