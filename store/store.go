// Package store defines the counter storage contract used by the limiter.
//
// A Store keeps one fixed-window counter per key. The limiter increments the
// counter for every accounted request and decrements it to refund a request
// whose downstream handler failed.
//
// The default implementation is the in-process MemoryStore (in store/memory).
// A single Store may be shared by several limiters to make them count against
// the same quota; by default every limiter owns a private one.
package store

import (
	"context"
	"errors"
	"time"
)

// Store abstracts the per-key fixed-window counter.
// Implementations must be safe for concurrent use: concurrent Increment and
// Decrement calls on the same key must never lose or double-apply an update.
type Store interface {
	// Init is called once by every limiter that uses the store, before any
	// other method. Calling it again with the same Config is a no-op.
	Init(cfg Config) error

	// Increment advances the counter for key and returns the post-increment
	// count together with the end of the current window. If the window for
	// key has elapsed, the counter restarts before incrementing, so the
	// returned count is never lower than 1.
	Increment(ctx context.Context, key string) (Record, error)

	// Decrement reduces the counter for key by one, floored at zero.
	// A missing key is a no-op.
	Decrement(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Config carries the limiter settings a store may need.
type Config struct {
	// Window is the fixed window length.
	Window time.Duration

	// Max is the number of requests admitted per window.
	Max int64
}

// Record is the state of one key after an increment.
type Record struct {
	Count   int64
	ResetAt time.Time
}

var (
	// ErrNotInitialized is returned when a store is used before Init.
	ErrNotInitialized = errors.New("store: not initialized")

	// ErrWindowConflict is returned by Init when a shared store is
	// initialized again with a different window.
	ErrWindowConflict = errors.New("store: window conflicts with existing configuration")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)
