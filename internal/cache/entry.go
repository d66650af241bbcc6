package cache

import "time"

// Entry is a value held by the local adapter together with its bookkeeping.
// An Entry belongs to exactly one adapter.
type Entry struct {
	Value       any
	CreatedAt   time.Time
	AccessedAt  time.Time
	ExpiresAt   *time.Time // nil means no expiration
	Tags        map[string]struct{}
	AccessCount uint64
	Size        int64
}

// NewEntry creates an entry for value stored at now.
func NewEntry(value any, now time.Time, ttl time.Duration, tags []string) *Entry {
	e := &Entry{
		Value:      value,
		CreatedAt:  now,
		AccessedAt: now,
	}
	if ttl > 0 {
		at := now.Add(ttl)
		e.ExpiresAt = &at
	}
	if len(tags) > 0 {
		e.Tags = make(map[string]struct{}, len(tags))
		for _, t := range tags {
			e.Tags[t] = struct{}{}
		}
	}
	return e
}

// Touch records an access.
func (e *Entry) Touch(now time.Time) {
	e.AccessedAt = now
	e.AccessCount++
}

// HasTag reports whether the entry carries tag.
func (e *Entry) HasTag(tag string) bool {
	_, ok := e.Tags[tag]
	return ok
}

// TagList returns the entry's tags in no particular order.
func (e *Entry) TagList() []string {
	tags := make([]string, 0, len(e.Tags))
	for t := range e.Tags {
		tags = append(tags, t)
	}
	return tags
}
