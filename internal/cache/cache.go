// Package cache defines the key/value contract the preprocessor writes
// through and the protocol server reads through, with a Redis-backed
// implementation for production and an in-process implementation for
// tests.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the key-value contract shared by the indicator snapshot,
// per-IP reputation/geo records, and the reputation budget counter.
type Cache interface {
	// Get returns the raw bytes stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL. A zero TTL means
	// no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// AtomicSwap replaces the value under key with value, regardless of
	// what (if anything) was previously stored, and is safe to call
	// concurrently with readers of the same key. Used for the snapshot
	// commit so readers never observe a half-written value.
	AtomicSwap(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetCounter returns the current value of an integer counter, or 0
	// if it does not exist.
	GetCounter(ctx context.Context, key string) (int64, error)

	// IncrCounter atomically increments the counter at key by delta and
	// returns its new value, setting ttl only if the key did not
	// already exist (so a day-boundary counter expires on its own).
	IncrCounter(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Expire sets an absolute expiry time on an existing key. A no-op
	// if the key does not exist.
	Expire(ctx context.Context, key string, at time.Time) error
}
