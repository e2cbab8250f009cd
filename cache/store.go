package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("cache: key not found")

// Store is a TTL-capable key/value cache. The production backend is
// redis; an in-memory backend backs tests and single-node deployments.
// Missing keys are reported with ErrNotFound, never with empty values.
type Store interface {
	// Get retrieves the value stored under key.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value under key only if the key is absent, and
	// reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Keys returns all keys matching a glob-style pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// MGet retrieves several keys at once; absent entries come back as
	// empty strings in the matching position.
	MGet(ctx context.Context, keys ...string) ([]string, error)
	// IncrByFloat atomically adds delta to the float stored under key
	// (initializing it to zero first if absent) and returns the result.
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
}
