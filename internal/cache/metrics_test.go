package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCounters(start)

	c.Hit()
	c.Hit()
	c.Hit()
	c.Miss()
	c.Eviction()
	c.Expiration()
	c.ObserveGet(2 * time.Millisecond)
	c.ObserveGet(4 * time.Millisecond)
	c.ObserveSet(time.Millisecond)
	c.ObserveDelete()

	stats := c.Stats(7)
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, int64(7), stats.Keys)
	assert.InDelta(t, 75.0, stats.HitRate, 0.001)

	m := c.Snapshot(start.Add(time.Second))
	assert.Equal(t, uint64(1), m.Evictions)
	assert.Equal(t, uint64(1), m.Expirations)
	assert.Equal(t, uint64(2), m.GetOperations)
	assert.Equal(t, uint64(1), m.SetOperations)
	assert.Equal(t, uint64(1), m.DeleteOperations)
	assert.InDelta(t, 3.0, m.AvgGetLatencyMs, 0.001)
	assert.InDelta(t, 1.0, m.AvgSetLatencyMs, 0.001)
	assert.Equal(t, int64(1000), m.UptimeMs)
	assert.True(t, m.StartedAt.Equal(start))

	later := start.Add(time.Hour)
	c.Reset(later)
	m = c.Snapshot(later)
	assert.Zero(t, m.Hits)
	assert.Zero(t, m.GetOperations)
	assert.Zero(t, m.AvgGetLatencyMs)
	assert.Zero(t, m.UptimeMs)
}

func TestHitRate(t *testing.T) {
	assert.Zero(t, HitRate(0, 0))
	assert.Equal(t, 100.0, HitRate(4, 0))
	assert.Equal(t, 50.0, HitRate(1, 1))
}

func TestEntry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	e := NewEntry("v", now, 0, nil)
	assert.Nil(t, e.ExpiresAt)
	assert.False(t, e.HasTag("x"))

	e = NewEntry("v", now, time.Minute, []string{"user", "role"})
	if assert.NotNil(t, e.ExpiresAt) {
		assert.Equal(t, now.Add(time.Minute), *e.ExpiresAt)
	}
	assert.True(t, e.HasTag("user"))
	assert.ElementsMatch(t, []string{"user", "role"}, e.TagList())

	e.Touch(now.Add(time.Second))
	assert.Equal(t, uint64(1), e.AccessCount)
	assert.Equal(t, now.Add(time.Second), e.AccessedAt)
}
