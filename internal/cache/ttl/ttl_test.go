package ttl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestStrategy_SetAndExpire(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	s.Set("k", 10*time.Second, false)
	assert.False(t, s.IsExpired("k"))
	assert.True(t, s.Has("k"))
	assert.Equal(t, 10*time.Second, s.TTL("k"))

	clock.Advance(9500 * time.Millisecond)
	assert.False(t, s.IsExpired("k"))
	assert.Equal(t, time.Second, s.TTL("k"), "remaining time rounds up")

	clock.Advance(500 * time.Millisecond)
	assert.True(t, s.IsExpired("k"))
	assert.Equal(t, NoKey, s.TTL("k"))
}

func TestStrategy_UntrackedKeys(t *testing.T) {
	s := New()
	assert.True(t, s.IsExpired("missing"))
	assert.False(t, s.Has("missing"))
	assert.Equal(t, NoKey, s.TTL("missing"))
	assert.False(t, s.Touch("missing"))
	assert.False(t, s.Update("missing", time.Second))
	assert.False(t, s.Remove("missing"))
}

func TestStrategy_NonPositiveTTLStopsTracking(t *testing.T) {
	s := New()
	s.Set("k", time.Minute, false)
	s.Set("k", 0, false)
	assert.False(t, s.Has("k"))
	assert.Equal(t, 0, s.Len())
}

func TestStrategy_SlidingTouch(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	s.Set("sliding", 10*time.Second, true)
	s.Set("fixed", 10*time.Second, false)

	clock.Advance(8 * time.Second)
	assert.True(t, s.Touch("sliding"))
	assert.True(t, s.Touch("fixed"), "non-sliding touch is a successful no-op")

	clock.Advance(5 * time.Second)
	assert.False(t, s.IsExpired("sliding"))
	assert.True(t, s.IsExpired("fixed"))
	assert.Equal(t, 5*time.Second, s.TTL("sliding"))
}

func TestStrategy_Update(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	s.Set("k", 5*time.Second, true)
	clock.Advance(4 * time.Second)
	assert.True(t, s.Update("k", time.Minute))
	assert.Equal(t, time.Minute, s.TTL("k"))

	// sliding flag survives the update
	clock.Advance(30 * time.Second)
	s.Touch("k")
	assert.Equal(t, time.Minute, s.TTL("k"))

	assert.True(t, s.Update("k", 0))
	assert.False(t, s.Has("k"))
}

func TestStrategy_RefreshAndExpiresAt(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	_, ok := s.ExpiresAt("k")
	assert.False(t, ok)
	assert.False(t, s.Refresh("k"))

	s.Set("k", 10*time.Second, false)
	clock.Advance(7 * time.Second)
	require.True(t, s.Refresh("k"))

	at, ok := s.ExpiresAt("k")
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(10*time.Second), at)
	assert.Equal(t, 10*time.Second, s.TTL("k"))

	clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"k"}, s.Cleanup(0))
}

func TestStrategy_CleanupOrderAndHandlers(t *testing.T) {
	clock := newFakeClock()
	var fired []string
	s := New(WithClock(clock.Now), WithExpireHandler(func(key string) { fired = append(fired, key) }))

	s.Set("c", 3*time.Second, false)
	s.Set("a", 1*time.Second, false)
	s.Set("b", 2*time.Second, false)
	s.Set("later", time.Hour, false)

	clock.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, s.ExpiredKeys())

	removed := s.Cleanup(2)
	assert.Equal(t, []string{"a", "b"}, removed)
	assert.Equal(t, []string{"a", "b"}, fired)

	removed = s.Cleanup(0)
	assert.Equal(t, []string{"c"}, removed)
	assert.Equal(t, []string{"a", "b", "c"}, fired)

	assert.True(t, s.Has("later"))
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.Cleanup(0))
}

func TestStrategy_CleanupSkipsRefreshedRecords(t *testing.T) {
	clock := newFakeClock()
	var fired []string
	s := New(WithClock(clock.Now))
	unsubscribe := s.OnExpire(func(key string) { fired = append(fired, key) })

	s.Set("k", time.Second, false)
	// Refreshed before the first slot is swept; the old slot is now stale.
	s.Set("k", time.Minute, false)

	clock.Advance(2 * time.Second)
	assert.Empty(t, s.Cleanup(0))
	assert.Empty(t, fired)
	assert.False(t, s.IsExpired("k"))

	clock.Advance(time.Minute)
	assert.Equal(t, []string{"k"}, s.Cleanup(0))
	assert.Equal(t, []string{"k"}, fired)

	unsubscribe()
	s.Set("x", time.Second, false)
	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"x"}, s.Cleanup(0))
	assert.Equal(t, []string{"k"}, fired, "unsubscribed handler must not fire")
}

func TestStrategy_RemovedKeysAreNotReported(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	s.Set("k", time.Second, false)
	s.Remove("k")
	clock.Advance(2 * time.Second)
	assert.Empty(t, s.Cleanup(0))
}

func TestStrategy_CompactsStaleSlots(t *testing.T) {
	s := New()
	for i := 0; i < 1000; i++ {
		s.Set("hot", time.Hour, false)
	}
	assert.Equal(t, 1, s.Len())
	assert.LessOrEqual(t, len(s.queue), 2*s.Len()+65)
}

func TestStrategy_Clear(t *testing.T) {
	s := New()
	s.Set("a", time.Minute, false)
	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.queue)
}

func TestStrategy_RunSweepsUntilCancelled(t *testing.T) {
	var mu sync.Mutex
	swept := make(chan string, 1)
	s := New(WithExpireHandler(func(key string) { swept <- key }))

	mu.Lock()
	s.Set("short", 10*time.Millisecond, false)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond, &mu, 0)
		close(done)
	}()

	select {
	case key := <-swept:
		assert.Equal(t, "short", key)
	case <-time.After(2 * time.Second):
		t.Fatal("background sweep did not remove the key")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.False(t, s.Has("short"))
}
