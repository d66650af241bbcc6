package cache

import (
	"sync/atomic"
	"time"
)

// Stats is the cheap counter view of an adapter.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Keys    int64   `json:"keys"`
	HitRate float64 `json:"hitRate"`
}

// Metrics is the full metrics view of an adapter.
type Metrics struct {
	Hits             uint64    `json:"hits"`
	Misses           uint64    `json:"misses"`
	HitRate          float64   `json:"hitRate"` // percent
	Size             int64     `json:"size"`
	MaxSize          int64     `json:"maxSize"`
	MemoryUsage      *int64    `json:"memoryUsage,omitempty"`
	Evictions        uint64    `json:"evictions"`
	Expirations      uint64    `json:"expirations"`
	GetOperations    uint64    `json:"getOperations"`
	SetOperations    uint64    `json:"setOperations"`
	DeleteOperations uint64    `json:"deleteOperations"`
	AvgGetLatencyMs  float64   `json:"avgGetLatencyMs"`
	AvgSetLatencyMs  float64   `json:"avgSetLatencyMs"`
	StartedAt        time.Time `json:"startedAt"`
	UptimeMs         int64     `json:"uptimeMs"`
}

// HealthStatus describes the connectivity of an adapter.
type HealthStatus struct {
	Healthy                 bool      `json:"healthy"`
	Adapter                 string    `json:"adapter"`
	Connected               bool      `json:"connected"`
	LastSuccessfulOperation time.Time `json:"lastSuccessfulOperation"`
	LastError               string    `json:"lastError,omitempty"`
	ConsecutiveFailures     int64     `json:"consecutiveFailures"`
	ResponseTimeMs          float64   `json:"responseTimeMs"`
}

// Counters are monotonic adapter counters, safe for concurrent use.
// They are reset only through Reset.
type Counters struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	gets        atomic.Uint64
	sets        atomic.Uint64
	deletes     atomic.Uint64
	getNanos    atomic.Int64
	setNanos    atomic.Int64
	startedAt   atomic.Int64
}

// NewCounters returns counters whose uptime starts at now.
func NewCounters(now time.Time) *Counters {
	c := &Counters{}
	c.startedAt.Store(now.UnixNano())
	return c
}

// Hit records a hit.
func (c *Counters) Hit() { c.hits.Add(1) }

// Miss records a miss.
func (c *Counters) Miss() { c.misses.Add(1) }

// Eviction records a capacity eviction.
func (c *Counters) Eviction() { c.evictions.Add(1) }

// Expiration records a swept expiration.
func (c *Counters) Expiration() { c.expirations.Add(1) }

// ObserveGet records one read and its latency.
func (c *Counters) ObserveGet(d time.Duration) {
	c.gets.Add(1)
	c.getNanos.Add(int64(d))
}

// ObserveSet records one write and its latency.
func (c *Counters) ObserveSet(d time.Duration) {
	c.sets.Add(1)
	c.setNanos.Add(int64(d))
}

// ObserveDelete records one delete.
func (c *Counters) ObserveDelete() { c.deletes.Add(1) }

// Reset zeroes every counter and restarts uptime at now.
func (c *Counters) Reset(now time.Time) {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.expirations.Store(0)
	c.gets.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
	c.getNanos.Store(0)
	c.setNanos.Store(0)
	c.startedAt.Store(now.UnixNano())
}

// Stats returns the hit/miss view with the given key count.
func (c *Counters) Stats(keys int64) Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Keys:    keys,
		HitRate: HitRate(hits, misses),
	}
}

// Snapshot derives Metrics from the counters at now.
func (c *Counters) Snapshot(now time.Time) *Metrics {
	hits, misses := c.hits.Load(), c.misses.Load()
	gets, sets := c.gets.Load(), c.sets.Load()
	started := time.Unix(0, c.startedAt.Load())

	return &Metrics{
		Hits:             hits,
		Misses:           misses,
		HitRate:          HitRate(hits, misses),
		Evictions:        c.evictions.Load(),
		Expirations:      c.expirations.Load(),
		GetOperations:    gets,
		SetOperations:    sets,
		DeleteOperations: c.deletes.Load(),
		AvgGetLatencyMs:  avgMillis(c.getNanos.Load(), gets),
		AvgSetLatencyMs:  avgMillis(c.setNanos.Load(), sets),
		StartedAt:        started,
		UptimeMs:         now.Sub(started).Milliseconds(),
	}
}

// HitRate returns hits as a percentage of all lookups.
func HitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

func avgMillis(totalNanos int64, n uint64) float64 {
	if n == 0 {
		return 0
	}
	return float64(totalNanos) / float64(n) / float64(time.Millisecond)
}
