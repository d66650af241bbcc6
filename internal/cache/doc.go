// Package cache defines the contract shared by every cache tier.
//
// Two adapters implement Adapter:
//
//   - memory: an in-process (L1) cache composing an LRU eviction strategy, a TTL
//     expiration strategy and a tag index.
//   - rediscache: a remote (L2) cache backed by Redis, with JSON values, tag
//     companion keys, SCAN-based pattern deletes, a distributed lock and pub/sub
//     invalidation.
//
// The multilevel package composes both into a read-through/write-through
// façade which implements Adapter as well, so consumers (for example role and
// permission resolution) depend on this package only:
//
//	roles, err := c.GetOrSet(ctx, "rbac:user:42:roles", func(ctx context.Context) (any, error) {
//		return repo.RolesForUser(ctx, 42)
//	}, cache.WithTTL(5*time.Minute), cache.WithTags("user:42"))
//
// Keys use ':' as a segment separator. Patterns accept '*' (any run of
// characters inside one segment), '?' (one character inside a segment) and
// '**' (anything, across segments).
package cache
