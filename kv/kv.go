// Package kv defines the key-value contract the federation engine persists
// ephemeral routing state through (inbox idempotency, caches), plus
// in-memory, SQL and Redis implementations.
package kv

import (
	"context"
	"strings"
	"time"
)

// Key is an ordered sequence of one or more string parts.
type Key []string

// NewKey builds a key from parts.
func NewKey(parts ...string) Key { return Key(parts) }

// String flattens the key for storage. Parts are joined with the ASCII unit
// separator so composite keys cannot collide with each other.
func (k Key) String() string { return strings.Join(k, "\x1f") }

// SetOptions carries optional write parameters.
type SetOptions struct {
	// TTL bounds the entry's lifetime when HasTTL is set. A zero TTL means
	// immediately expired.
	TTL    time.Duration
	HasTTL bool
}

// SetOption configures a write.
type SetOption func(*SetOptions)

// WithTTL bounds the entry's lifetime.
func WithTTL(d time.Duration) SetOption {
	return func(o *SetOptions) {
		o.TTL = d
		o.HasTTL = true
	}
}

// Store is a minimal key-value store. Values are opaque. Implementations
// must be safe for concurrent use, and SetIfAbsent must be atomic — the
// inbox deduplication guarantee rests on it.
type Store interface {
	// Get returns the value for key, or ok=false when absent or expired.
	Get(ctx context.Context, key Key) (value []byte, ok bool, err error)
	// Set writes the value, replacing any existing entry.
	Set(ctx context.Context, key Key, value []byte, opts ...SetOption) error
	// SetIfAbsent writes the value only when no live entry exists; ok
	// reports whether the write happened.
	SetIfAbsent(ctx context.Context, key Key, value []byte, opts ...SetOption) (ok bool, err error)
	// Delete removes the entry; deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error
}

func applyOptions(opts []SetOption) SetOptions {
	var o SetOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
