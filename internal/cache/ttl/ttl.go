// Package ttl implements the expiration strategy used by the local cache
// adapter: a per-key expiry index plus a time-ordered queue for batch sweeps.
//
// Records live in a map for O(1) checks. A slice sorted by expiry time is
// kept alongside it; inserts use binary search and sweeps pop from the front.
// Replacing or renewing a record leaves its old queue slot behind, so every
// popped slot is checked against the live record before it counts as an
// expiration.
//
// IsExpired is always authoritative; sweeping only reclaims memory and fires
// expiration handlers. Strategy is not safe for concurrent use.
package ttl

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

const (
	// NoKey is returned by TTL for keys that are not tracked or already expired.
	NoKey time.Duration = -2
	// NoExpiry is the sentinel adapters report for keys stored without expiry.
	NoExpiry time.Duration = -1
)

// ExpireFunc receives each key removed by a sweep.
type ExpireFunc func(key string)

type record struct {
	expiresAt time.Time
	ttl       time.Duration
	sliding   bool
}

type slot struct {
	key       string
	expiresAt time.Time
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Strategy) {
		if now != nil {
			s.now = now
		}
	}
}

// WithExpireHandler registers a handler at construction time.
func WithExpireHandler(fn ExpireFunc) Option {
	return func(s *Strategy) {
		s.OnExpire(fn)
	}
}

// Strategy tracks expiry times per key.
type Strategy struct {
	now      func() time.Time
	records  map[string]*record
	queue    []slot
	handlers map[int]ExpireFunc
	nextID   int
}

// New creates an empty strategy.
func New(opts ...Option) *Strategy {
	s := &Strategy{
		now:      time.Now,
		records:  make(map[string]*record),
		handlers: make(map[int]ExpireFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnExpire registers fn to be called once per swept key and returns a
// function that removes it again.
func (s *Strategy) OnExpire(fn ExpireFunc) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	return func() { delete(s.handlers, id) }
}

// Set starts tracking key with the given ttl, replacing any previous record.
// A ttl <= 0 stops tracking the key.
func (s *Strategy) Set(key string, ttl time.Duration, sliding bool) {
	if ttl <= 0 {
		s.Remove(key)
		return
	}
	r := &record{expiresAt: s.now().Add(ttl), ttl: ttl, sliding: sliding}
	s.records[key] = r
	s.enqueue(key, r.expiresAt)
}

// IsExpired reports whether key is untracked or past its expiry time.
func (s *Strategy) IsExpired(key string) bool {
	r, ok := s.records[key]
	if !ok {
		return true
	}
	return !s.now().Before(r.expiresAt)
}

// Has reports whether key is tracked, expired or not.
func (s *Strategy) Has(key string) bool {
	_, ok := s.records[key]
	return ok
}

// TTL returns the remaining lifetime of key rounded up to whole seconds, or
// NoKey when the key is untracked or expired.
func (s *Strategy) TTL(key string) time.Duration {
	r, ok := s.records[key]
	if !ok {
		return NoKey
	}
	remaining := r.expiresAt.Sub(s.now())
	if remaining <= 0 {
		return NoKey
	}
	return time.Duration(math.Ceil(remaining.Seconds())) * time.Second
}

// Update replaces the ttl of a tracked key, keeping its sliding flag.
// A ttl <= 0 stops tracking. Returns false if the key is not tracked.
func (s *Strategy) Update(key string, ttl time.Duration) bool {
	r, ok := s.records[key]
	if !ok {
		return false
	}
	s.Set(key, ttl, r.sliding)
	return true
}

// Touch renews a sliding record. Non-sliding records are left alone but
// still report true. Returns false if the key is not tracked.
func (s *Strategy) Touch(key string) bool {
	r, ok := s.records[key]
	if !ok {
		return false
	}
	if !r.sliding {
		return true
	}
	r.expiresAt = s.now().Add(r.ttl)
	s.enqueue(key, r.expiresAt)
	return true
}

// Refresh restarts the record's full ttl whether or not it is sliding.
// Returns false if the key is not tracked.
func (s *Strategy) Refresh(key string) bool {
	r, ok := s.records[key]
	if !ok {
		return false
	}
	r.expiresAt = s.now().Add(r.ttl)
	s.enqueue(key, r.expiresAt)
	return true
}

// ExpiresAt returns the expiry time of a tracked key.
func (s *Strategy) ExpiresAt(key string) (time.Time, bool) {
	r, ok := s.records[key]
	if !ok {
		return time.Time{}, false
	}
	return r.expiresAt, true
}

// Remove stops tracking key.
func (s *Strategy) Remove(key string) bool {
	if _, ok := s.records[key]; !ok {
		return false
	}
	delete(s.records, key)
	return true
}

// Len returns the number of tracked keys.
func (s *Strategy) Len() int {
	return len(s.records)
}

// Clear drops every record without firing handlers.
func (s *Strategy) Clear() {
	s.records = make(map[string]*record)
	s.queue = nil
}

// ExpiredKeys scans every record and returns the expired keys in expiry order.
// It does not remove them.
func (s *Strategy) ExpiredKeys() []string {
	now := s.now()
	type pair struct {
		key string
		at  time.Time
	}
	var expired []pair
	for key, r := range s.records {
		if !now.Before(r.expiresAt) {
			expired = append(expired, pair{key, r.expiresAt})
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].at.Equal(expired[j].at) {
			return expired[i].key < expired[j].key
		}
		return expired[i].at.Before(expired[j].at)
	})
	keys := make([]string, len(expired))
	for i, p := range expired {
		keys[i] = p.key
	}
	return keys
}

// Cleanup removes up to maxCount expired keys (all of them when maxCount <= 0),
// fires the expiration handlers for each and returns the removed keys.
func (s *Strategy) Cleanup(maxCount int) []string {
	now := s.now()
	var removed []string

	for len(s.queue) > 0 {
		if maxCount > 0 && len(removed) >= maxCount {
			break
		}
		head := s.queue[0]
		if head.expiresAt.After(now) {
			break
		}
		s.queue[0] = slot{}
		s.queue = s.queue[1:]

		live, ok := s.records[head.key]
		if !ok || !live.expiresAt.Equal(head.expiresAt) {
			continue
		}
		delete(s.records, head.key)
		removed = append(removed, head.key)
	}

	if len(s.queue) == 0 {
		s.queue = nil
	}

	for _, key := range removed {
		for _, fn := range s.handlers {
			fn(key)
		}
	}
	return removed
}

// Run sweeps expired keys every interval until ctx is done. Each sweep holds
// mu, which must be the lock that guards every other use of the strategy.
// batch bounds the keys removed per sweep (<= 0 means unbounded).
func (s *Strategy) Run(ctx context.Context, interval time.Duration, mu sync.Locker, batch int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			s.Cleanup(batch)
			mu.Unlock()
		}
	}
}

func (s *Strategy) enqueue(key string, at time.Time) {
	idx := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].expiresAt.After(at)
	})
	s.queue = slices.Insert(s.queue, idx, slot{key: key, expiresAt: at})

	// Superseded slots accumulate until swept; rebuild once they dominate.
	if len(s.queue) > 2*len(s.records)+64 {
		s.compact()
	}
}

func (s *Strategy) compact() {
	queue := make([]slot, 0, len(s.records))
	for key, r := range s.records {
		queue = append(queue, slot{key: key, expiresAt: r.expiresAt})
	}
	sort.Slice(queue, func(i, j int) bool {
		return queue[i].expiresAt.Before(queue[j].expiresAt)
	})
	s.queue = queue
}
