package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbac-cache/internal/cache"
	"rbac-cache/internal/common/errors"
	"rbac-cache/internal/common/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAdapter(t *testing.T, clock *fakeClock, mutate ...func(*Options)) *Adapter {
	t.Helper()
	opts := DefaultOptions()
	opts.CleanupInterval = 0
	opts.Logger = logging.NewNopLogger()
	if clock != nil {
		opts.Now = clock.Now
	}
	for _, m := range mutate {
		m(&opts)
	}

	a, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_InvalidCapacity(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxSize = 0

	_, err := New(opts)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestAdapter_NotInitialized(t *testing.T) {
	a, err := New(DefaultOptions())
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = a.Get(ctx, "k")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotInitialized))
	assert.True(t, errors.IsType(a.Set(ctx, "k", 1), errors.ErrTypeNotInitialized))
	_, err = a.Lock(ctx, "k", time.Second)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotInitialized))
	assert.False(t, a.IsReady())
	assert.False(t, a.HealthCheck(ctx))
	assert.NotEmpty(t, a.HealthStatus(ctx).LastError)
}

func TestAdapter_ReadAfterWriteAndPromotion(t *testing.T) {
	a := newTestAdapter(t, nil, func(o *Options) { o.MaxSize = 3 })
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, a.Set(ctx, k, k+"-value", cache.WithTags("t:"+k)))
	}

	v, ok, err := a.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a-value", v)

	// "b" is now least recently used
	require.NoError(t, a.Set(ctx, "d", "d-value"))

	exists, err := a.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, a.TagKeys("t:b"), "evicted keys leave the tag index")

	keys, err := a.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a", "c"}, keys)

	m, err := a.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Evictions)
	assert.Equal(t, int64(3), m.Size)
	assert.Equal(t, int64(3), m.MaxSize)
}

func TestAdapter_FIFOModeDoesNotPromote(t *testing.T) {
	a := newTestAdapter(t, nil, func(o *Options) {
		o.MaxSize = 2
		o.UseLRU = false
	})
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "a", 1))
	require.NoError(t, a.Set(ctx, "b", 2))
	_, ok, _ := a.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, a.Set(ctx, "c", 3))

	exists, _ := a.Exists(ctx, "a")
	assert.False(t, exists, "oldest insertion is evicted even though it was read")
	exists, _ = a.Exists(ctx, "b")
	assert.True(t, exists)
}

func TestAdapter_Expiration(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdapter(t, clock)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "short", "v", cache.WithTTL(10*time.Second), cache.WithTags("grp")))
	require.NoError(t, a.Set(ctx, "forever", "v", cache.WithTTL(cache.NoExpiration)))
	require.NoError(t, a.Set(ctx, "default", "v"))

	d, err := a.TTL(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	d, _ = a.TTL(ctx, "forever")
	assert.Equal(t, cache.TTLNoExpiry, d)

	d, _ = a.TTL(ctx, "default")
	assert.Equal(t, 5*time.Minute, d)

	d, _ = a.TTL(ctx, "missing")
	assert.Equal(t, cache.TTLNoKey, d)

	clock.Advance(10 * time.Second)

	_, ok, err := a.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
	d, _ = a.TTL(ctx, "short")
	assert.Equal(t, cache.TTLNoKey, d)

	keys, _ := a.Keys(ctx, "**")
	sort.Strings(keys)
	assert.Equal(t, []string{"default", "forever"}, keys)

	assert.Equal(t, 1, a.Sweep())
	assert.Empty(t, a.TagKeys("grp"))

	m, _ := a.Metrics(ctx)
	assert.Equal(t, uint64(1), m.Expirations)
	assert.Equal(t, uint64(1), m.Misses)
	assert.Equal(t, int64(2), m.Size)
}

func TestAdapter_BackgroundSweep(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdapter(t, clock, func(o *Options) { o.CleanupInterval = 5 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", "v", cache.WithTTL(time.Second)))
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		return a.Stats().Keys == 0
	}, time.Second, 5*time.Millisecond)

	m, _ := a.Metrics(ctx)
	assert.Equal(t, uint64(1), m.Expirations)
}

func TestAdapter_SlidingAndRefresh(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdapter(t, clock)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "sliding", 1, cache.WithTTL(10*time.Second), cache.WithSliding()))
	require.NoError(t, a.Set(ctx, "fixed", 2, cache.WithTTL(10*time.Second)))
	require.NoError(t, a.Set(ctx, "refreshed", 3, cache.WithTTL(10*time.Second)))

	clock.Advance(8 * time.Second)
	_, ok, _ := a.Get(ctx, "sliding")
	require.True(t, ok)
	_, ok, _ = a.Get(ctx, "fixed")
	require.True(t, ok)
	_, ok, _ = a.Get(ctx, "refreshed", cache.WithRefreshTTL())
	require.True(t, ok)

	clock.Advance(5 * time.Second)
	for key, want := range map[string]bool{"sliding": true, "fixed": false, "refreshed": true} {
		exists, err := a.Exists(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, exists, key)
	}
}

func TestAdapter_UpdateTTLAndTouch(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdapter(t, clock, func(o *Options) { o.DefaultTTL = 0 })
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", "v"))
	d, _ := a.TTL(ctx, "k")
	assert.Equal(t, cache.TTLNoExpiry, d)

	ok, err := a.UpdateTTL(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	d, _ = a.TTL(ctx, "k")
	assert.Equal(t, 30*time.Second, d)

	ok, _ = a.UpdateTTL(ctx, "k", 0)
	require.True(t, ok)
	d, _ = a.TTL(ctx, "k")
	assert.Equal(t, cache.TTLNoExpiry, d)

	ok, _ = a.UpdateTTL(ctx, "missing", time.Second)
	assert.False(t, ok)

	ok, _ = a.Touch(ctx, "k")
	assert.True(t, ok)
	ok, _ = a.Touch(ctx, "missing")
	assert.False(t, ok)
}

func TestAdapter_TagInvalidation(t *testing.T) {
	a := newTestAdapter(t, nil)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k1", "v", cache.WithTags("t")))
	require.NoError(t, a.Set(ctx, "k2", "v", cache.WithTags("t", "other")))
	require.NoError(t, a.Set(ctx, "k3", "v", cache.WithTags("other")))

	n, err := a.DeleteByTag(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, k := range []string{"k1", "k2"} {
		exists, _ := a.Exists(ctx, k)
		assert.False(t, exists, k)
	}
	assert.Empty(t, a.TagKeys("t"))
	assert.Equal(t, []string{"k3"}, a.TagKeys("other"))
}

func TestAdapter_TagsAreReplacedOnSet(t *testing.T) {
	a := newTestAdapter(t, nil)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", 1, cache.WithTags("old")))
	require.NoError(t, a.Set(ctx, "k", 2, cache.WithTags("new")))

	assert.Empty(t, a.TagKeys("old"))
	assert.Equal(t, []string{"k"}, a.TagKeys("new"))

	n, err := a.DeleteByTags(ctx, []string{"old", "new", "new"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdapter_DeletePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		deleted int
		left    []string
	}{
		{"single segment", "rbac:user:*", 2, []string{"rbac:role:1", "rbac:user:1:roles"}},
		{"across segments", "rbac:user:**", 3, []string{"rbac:role:1"}},
		{"everything", "**", 4, []string{}},
		{"no match", "rbac:group:*", 0, []string{"rbac:role:1", "rbac:user:1", "rbac:user:1:roles", "rbac:user:2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, nil)
			ctx := context.Background()
			for _, k := range []string{"rbac:user:1", "rbac:user:2", "rbac:role:1", "rbac:user:1:roles"} {
				require.NoError(t, a.Set(ctx, k, k))
			}

			n, err := a.DeletePattern(ctx, tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.deleted, n)

			keys, err := a.Keys(ctx, "**")
			require.NoError(t, err)
			sort.Strings(keys)
			assert.Equal(t, tt.left, keys)
		})
	}
}

func TestAdapter_ManyAndClear(t *testing.T) {
	a := newTestAdapter(t, nil)
	ctx := context.Background()

	require.NoError(t, a.SetMany(ctx, map[string]any{"a": 1, "b": 2}, cache.WithTags("batch")))

	got, err := a.GetMany(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, got)

	stats := a.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 66.67, stats.HitRate, 0.01)

	n, err := a.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, a.TagKeys("batch"))
	assert.Equal(t, int64(0), a.Stats().Keys)
}

func TestAdapter_GetOrSetSingleFlight(t *testing.T) {
	a := newTestAdapter(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	factory := func(context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"roles": []string{"admin"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := a.GetOrSet(ctx, "rbac:user:1:roles", factory)
			assert.NoError(t, err)
			assert.NotNil(t, v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	v, err := a.GetOrSet(ctx, "rbac:user:1:roles", factory)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"roles": []string{"admin"}}, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAdapter_GetOrSetFactoryError(t *testing.T) {
	a := newTestAdapter(t, nil)
	ctx := context.Background()

	boom := errors.InternalError("repository down", nil)
	_, err := a.GetOrSet(ctx, "k", func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	exists, _ := a.Exists(ctx, "k")
	assert.False(t, exists)
}

func TestAdapter_Lock(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdapter(t, clock)
	ctx := context.Background()

	release, err := a.Lock(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, release)

	second, err := a.Lock(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, release(ctx))
	third, err := a.Lock(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, third)

	// expiry hands the lock to the next caller; the stale holder cannot release it
	clock.Advance(11 * time.Second)
	fourth, err := a.Lock(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, fourth)
	require.NoError(t, third(ctx))

	fifth, _ := a.Lock(ctx, "k", 10*time.Second)
	assert.Nil(t, fifth)

	_, err = a.Lock(ctx, "k", 0)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestAdapter_OnInvalidation(t *testing.T) {
	a := newTestAdapter(t, nil)
	ctx := context.Background()

	var got []string
	unsubscribe := a.OnInvalidation(func(key string) { got = append(got, key) })

	require.NoError(t, a.Set(ctx, "a", 1, cache.WithTags("t")))
	require.NoError(t, a.Set(ctx, "b", 2))

	_, _ = a.Delete(ctx, "a")
	_, _ = a.Delete(ctx, "missing")
	assert.Equal(t, []string{"a"}, got)

	unsubscribe()
	_, _ = a.Delete(ctx, "b")
	assert.Equal(t, []string{"a"}, got)
}

func TestAdapter_MemoryTracking(t *testing.T) {
	a := newTestAdapter(t, nil, func(o *Options) { o.TrackMemoryUsage = true })
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", map[string]int{"a": 1}))
	m, err := a.Metrics(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.MemoryUsage)
	assert.Equal(t, int64(len(`{"a":1}`)+len("k")), *m.MemoryUsage)

	_, _ = a.Delete(ctx, "k")
	m, _ = a.Metrics(ctx)
	assert.Equal(t, int64(0), *m.MemoryUsage)

	err = a.Set(ctx, "bad", make(chan int))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeSerialization))
}

func TestAdapter_ResetStatsAndShutdown(t *testing.T) {
	a := newTestAdapter(t, nil)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", 1))
	_, _, _ = a.Get(ctx, "k")
	_, _, _ = a.Get(ctx, "missing")

	m, _ := a.Metrics(ctx)
	assert.Equal(t, uint64(2), m.GetOperations)
	assert.Equal(t, uint64(1), m.SetOperations)
	assert.Equal(t, 50.0, m.HitRate)

	a.ResetStats()
	m, _ = a.Metrics(ctx)
	assert.Zero(t, m.Hits)
	assert.Zero(t, m.GetOperations)
	assert.Equal(t, int64(1), m.Size)

	require.NoError(t, a.Shutdown(ctx))
	assert.False(t, a.IsReady())
	_, _, err := a.Get(ctx, "k")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotInitialized))
	require.NoError(t, a.Shutdown(ctx))
}
