// Package store provides the durable key-value storage used for presence
// collections, attempt lists, and request records. The broker treats the
// store as the single source of truth; nothing above it caches state that
// could diverge across restarts.
package store

import "context"

// KV is the storage contract the broker depends on. Plain keys hold opaque
// values; list keys hold ordered member sequences with set semantics
// (pushing an existing member is a no-op).
type KV interface {
	// Get returns the value for key, or nil if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListPush appends member to the list at key unless it is already
	// present. It reports whether the member was added.
	ListPush(ctx context.Context, key, member string) (bool, error)
	// ListRange returns all members of the list at key in insertion order.
	// A missing key yields an empty slice.
	ListRange(ctx context.Context, key string) ([]string, error)
	// ListDelete removes the entire list at key.
	ListDelete(ctx context.Context, key string) error

	// Keys returns every key (plain or list) ending in suffix.
	Keys(ctx context.Context, suffix string) ([]string, error)

	Close() error
}
