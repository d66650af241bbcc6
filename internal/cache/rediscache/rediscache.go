// Package rediscache provides the remote (L2) cache adapter backed by Redis.
//
// Values are stored as JSON under a key prefix. Each tag of a value is
// materialized as a companion key prefix+"__tag__:"+tag+":"+key, with ':' and
// '%' in the tag percent-encoded so one tag's companions never share a prefix
// with another's. The key's tags are also recorded in a set under
// prefix+"__tags__:"+key. Companions and the set always carry the data key's
// TTL: writes, expiry updates and deletes read the set and apply the same
// change to every companion in one pipeline. Overwriting a key replaces its
// tags.
//
// Tag invalidation is a SCAN over companions followed by deletes. Neither that
// nor the read of the tag set before a write is atomic: a key tagged
// concurrently can survive an invalidation.
//
// With pub/sub enabled, every delete publishes the bare key on a channel and a
// dedicated subscriber connection forwards incoming keys to the registered
// invalidation callbacks, including this process's own deletes.
package rediscache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"rbac-cache/internal/cache"
	"rbac-cache/internal/common/errors"
	"rbac-cache/internal/common/logging"
	"rbac-cache/internal/locks"
	"rbac-cache/internal/redis"
)

// AdapterName identifies the remote adapter in logs, metrics and health output.
const AdapterName = "redis"

// Options configures the remote adapter.
type Options struct {
	DefaultTTL    time.Duration // <= 0 means values never expire by default
	KeyPrefix     string
	ScanCount     int64
	EnablePubSub  bool
	PubSubChannel string

	// OperationTimeout bounds each adapter call independently of the
	// connection-level command timeout. Zero leaves it to the caller's ctx.
	OperationTimeout time.Duration

	Logger logging.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		DefaultTTL:    5 * time.Minute,
		KeyPrefix:     cache.DefaultKeyPrefix,
		ScanCount:     100,
		PubSubChannel: "rbac:cache:invalidate",
	}
}

// Adapter is the remote cache adapter.
type Adapter struct {
	client *redis.Client
	rdb    goredis.UniversalClient
	opts   Options
	log    logging.Logger
	id     string
	locks  *locks.Manager

	ready    atomic.Bool
	counters *cache.Counters
	flight   singleflight.Group
	lastSize atomic.Int64

	listenersMu sync.RWMutex
	listeners   map[int]cache.InvalidationFunc
	listenerSeq int

	sub     *goredis.PubSub
	subDone chan struct{}

	errLog rate.Sometimes
}

var (
	_ cache.Adapter   = (*Adapter)(nil)
	_ cache.TagReader = (*Adapter)(nil)
)

// New creates a remote adapter over client. Initialize connects it.
func New(client *redis.Client, opts Options) (*Adapter, error) {
	if client == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	d := DefaultOptions()
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = d.KeyPrefix
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = d.ScanCount
	}
	if opts.PubSubChannel == "" {
		opts.PubSubChannel = d.PubSubChannel
	}

	a := &Adapter{
		client:    client,
		rdb:       client.UniversalClient(),
		opts:      opts,
		id:        uuid.NewString(),
		counters:  cache.NewCounters(time.Now()),
		listeners: make(map[int]cache.InvalidationFunc),
		errLog:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	a.log = logging.OrGlobal(opts.Logger).WithFields(
		logging.String("component", "cache"),
		logging.String("adapter", AdapterName),
		logging.String("instance", a.id),
	)

	lm, err := locks.NewManager(client, opts.KeyPrefix+cache.LockPrefix, a.log)
	if err != nil {
		return nil, err
	}
	a.locks = lm

	return a, nil
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return AdapterName }

// Initialize connects to the store and, when enabled, starts the
// invalidation subscriber.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.ready.Load() {
		return nil
	}
	if err := a.client.Connect(ctx); err != nil {
		return err
	}

	if a.opts.EnablePubSub {
		sub := a.client.Subscribe(ctx, a.opts.PubSubChannel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			return errors.ConnectionRefusedError("failed to subscribe to invalidation channel", err).
				WithContext("channel", a.opts.PubSubChannel)
		}
		a.sub = sub
		a.subDone = make(chan struct{})
		go a.listen(sub.Channel(), a.subDone)
	}

	a.ready.Store(true)
	a.log.Info("Cache adapter initialized",
		logging.String("prefix", a.opts.KeyPrefix),
		logging.Duration("default_ttl", a.opts.DefaultTTL),
		logging.Bool("pubsub", a.opts.EnablePubSub),
		logging.Bool("cluster", a.client.IsCluster()),
	)
	return nil
}

// IsReady reports whether Initialize has completed and Shutdown has not.
func (a *Adapter) IsReady() bool { return a.ready.Load() }

// Shutdown closes the subscriber connection, then the command connection.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if !a.ready.CompareAndSwap(true, false) {
		return nil
	}

	if a.sub != nil {
		if err := a.sub.Close(); err != nil {
			a.log.Warn("Failed to close invalidation subscriber", logging.Err(err))
		}
		select {
		case <-a.subDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		a.sub = nil
	}

	if err := a.client.Close(); err != nil {
		return errors.InternalError("failed to close redis connection", err)
	}
	a.log.Info("Cache adapter shut down")
	return nil
}

// HealthCheck pings the store.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if !a.ready.Load() {
		return false
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()
	return a.client.Health(ctx) == nil
}

// HealthStatus pings the store and reports connection statistics.
func (a *Adapter) HealthStatus(ctx context.Context) cache.HealthStatus {
	status := cache.HealthStatus{Adapter: AdapterName}

	if a.ready.Load() {
		ctx, cancel := a.opContext(ctx)
		start := time.Now()
		err := a.client.Health(ctx)
		cancel()
		status.ResponseTimeMs = float64(time.Since(start)) / float64(time.Millisecond)
		status.Connected = err == nil
		status.Healthy = err == nil
	}

	stats := a.client.Stats()
	status.ConsecutiveFailures = stats.ConsecutiveFailures
	status.LastSuccessfulOperation = stats.LastSuccess
	status.LastError = stats.LastError
	if !a.ready.Load() && status.LastError == "" {
		status.LastError = errors.NotInitializedError(AdapterName).Error()
	}
	return status
}

// Get returns the decoded value stored under key.
func (a *Adapter) Get(ctx context.Context, key string, opts ...cache.GetOption) (any, bool, error) {
	if err := a.checkReady(); err != nil {
		return nil, false, err
	}
	o := cache.ApplyGetOptions(opts)
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	start := time.Now()
	raw, err := a.rdb.Get(ctx, a.dataKey(key)).Bytes()
	a.counters.ObserveGet(time.Since(start))

	if stderrors.Is(err, goredis.Nil) {
		a.counters.Miss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, a.storeError("get", key, err)
	}

	value, err := decode(key, raw)
	if err != nil {
		return nil, false, err
	}
	a.counters.Hit()

	if o.RefreshTTL {
		if err := a.refresh(ctx, key); err != nil {
			return value, true, err
		}
	}
	return value, true, nil
}

// Set stores value under key, with its tag companions, using one pipeline.
func (a *Adapter) Set(ctx context.Context, key string, value any, opts ...cache.SetOption) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	o := cache.ApplySetOptions(opts)
	raw, err := encode(key, value)
	if err != nil {
		return err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	start := time.Now()
	ttl := o.ResolveTTL(a.opts.DefaultTTL)
	previous, err := a.storedTags(ctx, []string{key})
	if err != nil {
		a.counters.ObserveSet(time.Since(start))
		return a.storeError("smembers", key, err)
	}
	_, err = a.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		a.queueSet(ctx, pipe, key, raw, ttl, cache.UniqueTags(o.Tags), previous[key])
		return nil
	})
	a.counters.ObserveSet(time.Since(start))
	if err != nil {
		return a.storeError("set", key, err)
	}
	return nil
}

// Delete removes key and announces the invalidation.
func (a *Adapter) Delete(ctx context.Context, key string) (bool, error) {
	if err := a.checkReady(); err != nil {
		return false, err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	n, err := a.deleteKeys(ctx, []string{key})
	return n > 0, err
}

// Exists reports whether key is stored.
func (a *Adapter) Exists(ctx context.Context, key string) (bool, error) {
	if err := a.checkReady(); err != nil {
		return false, err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	n, err := a.rdb.Exists(ctx, a.dataKey(key)).Result()
	if err != nil {
		return false, a.storeError("exists", key, err)
	}
	return n > 0, nil
}

// GetMany reads keys in one pipeline. Missing keys are absent from the result.
func (a *Adapter) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	start := time.Now()
	cmds := make([]*goredis.StringCmd, len(keys))
	_, err := a.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.Get(ctx, a.dataKey(key))
		}
		return nil
	})
	per := time.Since(start) / time.Duration(len(keys))
	for range keys {
		a.counters.ObserveGet(per)
	}
	if err != nil && !stderrors.Is(err, goredis.Nil) {
		return nil, a.storeError("mget", strings.Join(keys, ","), err)
	}

	for i, key := range keys {
		raw, err := cmds[i].Bytes()
		if stderrors.Is(err, goredis.Nil) {
			a.counters.Miss()
			continue
		}
		if err != nil {
			return nil, a.storeError("mget", key, err)
		}
		value, err := decode(key, raw)
		if err != nil {
			return nil, err
		}
		a.counters.Hit()
		out[key] = value
	}
	return out, nil
}

// SetMany writes every entry with the same options in one pipeline.
func (a *Adapter) SetMany(ctx context.Context, entries map[string]any, opts ...cache.SetOption) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	o := cache.ApplySetOptions(opts)
	encoded := make(map[string][]byte, len(entries))
	for key, value := range entries {
		raw, err := encode(key, value)
		if err != nil {
			return err
		}
		encoded[key] = raw
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	start := time.Now()
	ttl := o.ResolveTTL(a.opts.DefaultTTL)
	tags := cache.UniqueTags(o.Tags)
	keys := make([]string, 0, len(encoded))
	for key := range encoded {
		keys = append(keys, key)
	}
	previous, err := a.storedTags(ctx, keys)
	if err != nil {
		return a.storeError("smembers", "", err)
	}
	_, err = a.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for key, raw := range encoded {
			a.queueSet(ctx, pipe, key, raw, ttl, tags, previous[key])
		}
		return nil
	})
	per := time.Since(start) / time.Duration(len(entries))
	for range entries {
		a.counters.ObserveSet(per)
	}
	if err != nil {
		return a.storeError("mset", "", err)
	}
	return nil
}

// GetOrSet returns the cached value or computes and stores it. Concurrent
// callers in this process share one factory call per key.
func (a *Adapter) GetOrSet(ctx context.Context, key string, factory cache.Factory, opts ...cache.SetOption) (any, error) {
	value, ok, err := a.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}

	value, err, _ = a.flight.Do(key, func() (any, error) {
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

// DeletePattern deletes every key matching the glob pattern using an
// incremental SCAN.
func (a *Adapter) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	keys, err := a.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	return a.deleteKeys(ctx, keys)
}

// DeleteByTag deletes every key tagged with tag.
func (a *Adapter) DeleteByTag(ctx context.Context, tag string) (int, error) {
	return a.DeleteByTags(ctx, []string{tag})
}

// DeleteByTags deletes every key carrying any of tags and then the tag
// companions themselves. It returns the number of distinct keys removed.
func (a *Adapter) DeleteByTags(ctx context.Context, tags []string) (int, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	targets := make(map[string]struct{})
	var companions []string
	for _, tag := range cache.UniqueTags(tags) {
		prefix := a.tagPrefix(tag)
		found, err := a.scan(ctx, escapeMatch(prefix)+"*")
		if err != nil {
			return 0, a.storeError("scan", tag, err)
		}
		for _, companion := range found {
			targets[strings.TrimPrefix(companion, prefix)] = struct{}{}
		}
		companions = append(companions, found...)
	}

	keys := make([]string, 0, len(targets))
	for key := range targets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	n, err := a.deleteKeys(ctx, keys)
	if err != nil {
		return n, err
	}
	// Companions whose data key is already gone.
	if err := a.delRaw(ctx, companions); err != nil {
		return n, a.storeError("delete", "tag companions", err)
	}
	return n, nil
}

// Clear deletes every data key and tag companion under the prefix. Locks are
// left alone. It returns the number of data keys removed.
func (a *Adapter) Clear(ctx context.Context) (int, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	found, err := a.scan(ctx, escapeMatch(a.opts.KeyPrefix)+"*")
	if err != nil {
		return 0, a.storeError("scan", "", err)
	}

	var data, companions []string
	for _, full := range found {
		key := strings.TrimPrefix(full, a.opts.KeyPrefix)
		switch {
		case strings.HasPrefix(key, cache.LockPrefix):
			continue
		case cache.IsInternalKey(key):
			companions = append(companions, full)
		default:
			data = append(data, full)
		}
	}
	if err := a.delRaw(ctx, append(data, companions...)); err != nil {
		return 0, a.storeError("delete", "", err)
	}
	a.log.Debug("Cache cleared", logging.Int("keys", len(data)))
	return len(data), nil
}

// Keys returns the keys matching pattern, without prefix, sorted.
func (a *Adapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	re, err := cache.CompileGlob(pattern)
	if err != nil {
		return nil, errors.ConfigError("invalid key pattern").WithContext("pattern", pattern)
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	match := escapeMatch(a.opts.KeyPrefix) + "*"
	if !cache.MatchAll(pattern) {
		match = escapeMatch(a.opts.KeyPrefix) + globToMatch(pattern)
	}
	found, err := a.scan(ctx, match)
	if err != nil {
		return nil, a.storeError("scan", pattern, err)
	}

	keys := make([]string, 0, len(found))
	for _, full := range found {
		key := strings.TrimPrefix(full, a.opts.KeyPrefix)
		if cache.IsInternalKey(key) {
			continue
		}
		if cache.MatchAll(pattern) || re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// TTL returns the remaining lifetime of key using the store's -2/-1
// conventions.
func (a *Adapter) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	d, err := a.rdb.TTL(ctx, a.dataKey(key)).Result()
	if err != nil {
		return 0, a.storeError("ttl", key, err)
	}
	switch d {
	case -2:
		return cache.TTLNoKey, nil
	case -1:
		return cache.TTLNoExpiry, nil
	}
	return d, nil
}

// UpdateTTL replaces the expiry of key and its tag bookkeeping. A ttl <= 0
// removes it.
func (a *Adapter) UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := a.checkReady(); err != nil {
		return false, err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	if ttl <= 0 {
		n, err := a.rdb.Exists(ctx, a.dataKey(key)).Result()
		if err != nil {
			return false, a.storeError("exists", key, err)
		}
		if n == 0 {
			return false, nil
		}
	}
	return a.expire(ctx, key, ttl)
}

// Tags returns the tags each key was last stored with, sorted. Keys without
// tags are absent from the result.
func (a *Adapter) Tags(ctx context.Context, keys ...string) (map[string][]string, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	out, err := a.storedTags(ctx, keys)
	if err != nil {
		return nil, a.storeError("smembers", strings.Join(keys, ","), err)
	}
	for _, tags := range out {
		sort.Strings(tags)
	}
	return out, nil
}

// Touch updates the key's last access time in the store.
func (a *Adapter) Touch(ctx context.Context, key string) (bool, error) {
	if err := a.checkReady(); err != nil {
		return false, err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	n, err := a.rdb.Touch(ctx, a.dataKey(key)).Result()
	if err != nil {
		return false, a.storeError("touch", key, err)
	}
	return n > 0, nil
}

// Lock takes the distributed lock for key. It returns a nil ReleaseFunc when
// the lock is held elsewhere.
func (a *Adapter) Lock(ctx context.Context, key string, ttl time.Duration) (cache.ReleaseFunc, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	lock, err := a.locks.TryAcquire(ctx, key, ttl)
	if err != nil || lock == nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		_, err := lock.Release(ctx)
		return err
	}, nil
}

// OnInvalidation registers fn for keys invalidated through this adapter or,
// with pub/sub enabled, by any process sharing the channel.
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

// Stats returns local hit/miss counters and the last observed key count.
func (a *Adapter) Stats() cache.Stats {
	return a.counters.Stats(a.lastSize.Load())
}

// Metrics returns local counters plus the store's key count and memory usage.
// The store gauges are best-effort: failures to read them are logged and
// leave the fields unset.
func (a *Adapter) Metrics(ctx context.Context) (*cache.Metrics, error) {
	m := a.counters.Snapshot(time.Now())
	if !a.ready.Load() {
		return m, nil
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	var size, memory int64
	var memoryKnown bool
	var mu sync.Mutex
	err := a.client.ForEachShard(ctx, func(ctx context.Context, node *goredis.Client) error {
		n, err := node.DBSize(ctx).Result()
		if err != nil {
			return err
		}
		used, ok := usedMemory(node.Info(ctx, "memory").Val())

		mu.Lock()
		defer mu.Unlock()
		size += n
		if ok {
			memory += used
			memoryKnown = true
		}
		return nil
	})
	if err != nil {
		a.logError("Failed to read store gauges", err)
		return m, nil
	}

	a.lastSize.Store(size)
	m.Size = size
	if memoryKnown {
		m.MemoryUsage = &memory
	}
	return m, nil
}

// ResetStats zeroes the local counters.
func (a *Adapter) ResetStats() {
	a.counters.Reset(time.Now())
}

func (a *Adapter) checkReady() error {
	if !a.ready.Load() {
		return errors.NotInitializedError(AdapterName)
	}
	return nil
}

func (a *Adapter) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.opts.OperationTimeout)
}

func (a *Adapter) dataKey(key string) string {
	return a.opts.KeyPrefix + key
}

var tagEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

func (a *Adapter) tagPrefix(tag string) string {
	return a.opts.KeyPrefix + cache.TagPrefix + tagEscaper.Replace(tag) + ":"
}

func (a *Adapter) tagSetKey(key string) string {
	return a.opts.KeyPrefix + cache.TagSetPrefix + key
}

// storedTags reads the tag sets of keys in one pipeline. Keys without tags
// are absent from the result.
func (a *Adapter) storedTags(ctx context.Context, keys []string) (map[string][]string, error) {
	out := make(map[string][]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	cmds := make([]*goredis.StringSliceCmd, len(keys))
	_, err := a.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.SMembers(ctx, a.tagSetKey(key))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		if tags := cmds[i].Val(); len(tags) > 0 {
			out[key] = tags
		}
	}
	return out, nil
}

// queueSet writes key with tags, dropping the companions of previous tags
// that are no longer present.
func (a *Adapter) queueSet(ctx context.Context, pipe goredis.Pipeliner, key string, raw []byte, ttl time.Duration, tags, previous []string) {
	if ttl < 0 {
		ttl = 0
	}
	for _, tag := range previous {
		if !slices.Contains(tags, tag) {
			pipe.Del(ctx, a.tagPrefix(tag)+key)
		}
	}
	pipe.Del(ctx, a.tagSetKey(key))

	pipe.Set(ctx, a.dataKey(key), raw, ttl)
	if len(tags) == 0 {
		return
	}
	members := make([]interface{}, len(tags))
	for i, tag := range tags {
		pipe.Set(ctx, a.tagPrefix(tag)+key, "1", ttl)
		members[i] = tag
	}
	pipe.SAdd(ctx, a.tagSetKey(key), members...)
	if ttl > 0 {
		pipe.Expire(ctx, a.tagSetKey(key), ttl)
	}
}

// expire applies ttl to key, its tag set and its companions in one pipeline.
// A ttl <= 0 persists them. It reports whether the data key exists.
func (a *Adapter) expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	stored, err := a.storedTags(ctx, []string{key})
	if err != nil {
		return false, a.storeError("smembers", key, err)
	}
	related := []string{a.tagSetKey(key)}
	for _, tag := range stored[key] {
		related = append(related, a.tagPrefix(tag)+key)
	}

	var data *goredis.BoolCmd
	_, err = a.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		if ttl > 0 {
			data = pipe.Expire(ctx, a.dataKey(key), ttl)
			for _, k := range related {
				pipe.Expire(ctx, k, ttl)
			}
			return nil
		}
		data = pipe.Persist(ctx, a.dataKey(key))
		for _, k := range related {
			pipe.Persist(ctx, k)
		}
		return nil
	})
	if err != nil {
		return false, a.storeError("expire", key, err)
	}
	if ttl <= 0 {
		// PERSIST reports false for a key that had no expiry.
		return true, nil
	}
	return data.Val(), nil
}

// refresh re-applies the default TTL to a key that has an expiry.
func (a *Adapter) refresh(ctx context.Context, key string) error {
	if a.opts.DefaultTTL <= 0 {
		return nil
	}
	d, err := a.rdb.TTL(ctx, a.dataKey(key)).Result()
	if err != nil {
		return a.storeError("ttl", key, err)
	}
	if d <= 0 {
		return nil
	}
	_, err = a.expire(ctx, key, a.opts.DefaultTTL)
	return err
}

// scan collects every key matching match across all shards.
func (a *Adapter) scan(ctx context.Context, match string) ([]string, error) {
	seen := make(map[string]struct{})
	var mu sync.Mutex

	err := a.client.ForEachShard(ctx, func(ctx context.Context, node *goredis.Client) error {
		var cursor uint64
		for {
			keys, next, err := node.Scan(ctx, cursor, match, a.opts.ScanCount).Result()
			if err != nil {
				return err
			}
			mu.Lock()
			for _, k := range keys {
				seen[k] = struct{}{}
			}
			mu.Unlock()
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// deleteKeys deletes bare keys with their tag sets and companions, one
// command each so cluster pipelines can route them, and announces the ones
// that existed.
func (a *Adapter) deleteKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	stored, err := a.storedTags(ctx, keys)
	if err != nil {
		return 0, a.storeError("smembers", "", err)
	}
	cmds := make([]*goredis.IntCmd, len(keys))
	_, err = a.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.Del(ctx, a.dataKey(key))
			pipe.Del(ctx, a.tagSetKey(key))
			for _, tag := range stored[key] {
				pipe.Del(ctx, a.tagPrefix(tag)+key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, a.storeError("delete", strings.Join(keys, ","), err)
	}

	deleted := make([]string, 0, len(keys))
	for i, key := range keys {
		a.counters.ObserveDelete()
		if cmds[i].Val() > 0 {
			deleted = append(deleted, key)
		}
	}
	if err := a.announce(ctx, deleted); err != nil {
		return len(deleted), err
	}
	return len(deleted), nil
}

func (a *Adapter) delRaw(ctx context.Context, fullKeys []string) error {
	if len(fullKeys) == 0 {
		return nil
	}
	_, err := a.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, k := range fullKeys {
			pipe.Del(ctx, k)
		}
		return nil
	})
	return err
}

// announce publishes deleted keys, or notifies local listeners directly when
// pub/sub is disabled.
func (a *Adapter) announce(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if !a.opts.EnablePubSub {
		for _, key := range keys {
			a.notify(key)
		}
		return nil
	}
	for _, key := range keys {
		if err := a.client.Publish(ctx, a.opts.PubSubChannel, key); err != nil {
			return a.storeError("publish", key, err)
		}
	}
	return nil
}

func (a *Adapter) listen(ch <-chan *goredis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		a.notify(msg.Payload)
	}
	if a.ready.Load() {
		a.log.Warn("Invalidation subscription closed", logging.String("channel", a.opts.PubSubChannel))
	}
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

func (a *Adapter) storeError(op, key string, err error) error {
	if redis.IsTimeout(err) {
		return errors.ConnectionTimeoutError(fmt.Sprintf("redis %s timed out", op), err).WithContext("key", key)
	}
	return fmt.Errorf("redis %s %q: %w", op, key, err)
}

func (a *Adapter) logError(msg string, err error) {
	a.errLog.Do(func() {
		a.log.Error(msg, err)
	})
}

func encode(key string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errors.SerializationError(key, err)
	}
	return raw, nil
}

func decode(key string, raw []byte) (any, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errors.DeserializationError(key, err)
	}
	return value, nil
}

// usedMemory extracts used_memory from an INFO memory reply.
func usedMemory(info string) (int64, bool) {
	for _, line := range strings.Split(info, "\n") {
		value, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory:")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		return n, err == nil
	}
	return 0, false
}
