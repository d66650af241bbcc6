package cache

import (
	"context"
	"strings"
	"time"
)

const (
	// TTLNoKey is returned by TTL when the key does not exist.
	TTLNoKey time.Duration = -2
	// TTLNoExpiry is returned by TTL when the key exists without expiry.
	TTLNoExpiry time.Duration = -1

	// NoExpiration passed to WithTTL stores a value without expiry,
	// overriding the adapter default.
	NoExpiration time.Duration = -1

	// LockPrefix prefixes the sentinel key guarding a cache key.
	LockPrefix = "__lock__:"
	// TagPrefix prefixes tag companion keys in the remote store.
	TagPrefix = "__tag__:"
	// TagSetPrefix prefixes the per-key set of tags in the remote store.
	TagSetPrefix = "__tags__:"
	// DefaultKeyPrefix namespaces every key written by the remote adapter.
	DefaultKeyPrefix = "rbac:"
)

// Factory computes a value on a cache miss, typically by querying the
// authoritative store.
type Factory func(ctx context.Context) (any, error)

// ReleaseFunc releases a lock obtained from Adapter.Lock.
type ReleaseFunc func(ctx context.Context) error

// InvalidationFunc is notified with the bare key of an invalidated entry.
type InvalidationFunc func(key string)

// Adapter is the cache contract implemented by every tier.
//
// Get returns (nil, false, nil) on a miss. Lock returns a nil ReleaseFunc and
// a nil error when the lock is held by someone else. TTL reports TTLNoKey and
// TTLNoExpiry the way Redis does.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context) error
	IsReady() bool
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
	HealthStatus(ctx context.Context) HealthStatus

	Get(ctx context.Context, key string, opts ...GetOption) (any, bool, error)
	Set(ctx context.Context, key string, value any, opts ...SetOption) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	GetMany(ctx context.Context, keys []string) (map[string]any, error)
	SetMany(ctx context.Context, entries map[string]any, opts ...SetOption) error
	GetOrSet(ctx context.Context, key string, factory Factory, opts ...SetOption) (any, error)

	DeletePattern(ctx context.Context, pattern string) (int, error)
	DeleteByTag(ctx context.Context, tag string) (int, error)
	DeleteByTags(ctx context.Context, tags []string) (int, error)
	Clear(ctx context.Context) (int, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	TTL(ctx context.Context, key string) (time.Duration, error)
	UpdateTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Touch(ctx context.Context, key string) (bool, error)

	Lock(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
	OnInvalidation(fn InvalidationFunc) (unsubscribe func())

	Stats() Stats
	Metrics(ctx context.Context) (*Metrics, error)
	ResetStats()
}

// TagReader is implemented by adapters that can report the tags keys were
// stored with. Keys without tags are absent from the result.
type TagReader interface {
	Tags(ctx context.Context, keys ...string) (map[string][]string, error)
}

// IsInternalKey reports whether a bare key belongs to the adapter's own
// bookkeeping (locks, tag companions, tag sets) rather than to a caller.
func IsInternalKey(key string) bool {
	return strings.HasPrefix(key, LockPrefix) ||
		strings.HasPrefix(key, TagPrefix) ||
		strings.HasPrefix(key, TagSetPrefix)
}

// SetOptions are the resolved options of a write.
type SetOptions struct {
	// TTL is 0 for "adapter default" and negative for "never expires".
	TTL     time.Duration
	Tags    []string
	Sliding bool
}

// SetOption configures a write.
type SetOption func(*SetOptions)

// WithTTL sets the lifetime of the written value.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *SetOptions) { o.TTL = ttl }
}

// WithTags attaches tags to the written value, replacing any previous tags.
func WithTags(tags ...string) SetOption {
	return func(o *SetOptions) { o.Tags = append(o.Tags, tags...) }
}

// WithSliding makes the TTL restart on every read or touch.
func WithSliding() SetOption {
	return func(o *SetOptions) { o.Sliding = true }
}

// ApplySetOptions folds opts into a SetOptions value.
func ApplySetOptions(opts []SetOption) SetOptions {
	var o SetOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// ResolveTTL returns the effective TTL given the adapter default.
// A result <= 0 means the value does not expire.
func (o SetOptions) ResolveTTL(defaultTTL time.Duration) time.Duration {
	switch {
	case o.TTL == 0:
		if defaultTTL < 0 {
			return 0
		}
		return defaultTTL
	case o.TTL < 0:
		return 0
	default:
		return o.TTL
	}
}

// GetOptions are the resolved options of a read.
type GetOptions struct {
	RefreshTTL bool
}

// GetOption configures a read.
type GetOption func(*GetOptions)

// WithRefreshTTL renews the entry's TTL on a hit.
func WithRefreshTTL() GetOption {
	return func(o *GetOptions) { o.RefreshTTL = true }
}

// ApplyGetOptions folds opts into a GetOptions value.
func ApplyGetOptions(opts []GetOption) GetOptions {
	var o GetOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// UniqueTags returns tags without duplicates or empty strings, preserving order.
func UniqueTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
