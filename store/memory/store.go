// Package memory provides an in-memory implementation of store.Store.
//
// Records expire lazily: an increment on a key whose window has ended starts
// a new window. A background sweep removes stale records so idle keys do not
// pile up; correctness never depends on it.
//
//	s := memory.New()
//	defer s.Close()
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/krishna-kudari/windowlimit/store"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSweepInterval sets how often stale records are removed.
// Zero disables the sweep goroutine. Default: one minute.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepEvery = d }
}

// Store implements store.Store with a mutex-guarded map.
type Store struct {
	mu         sync.Mutex
	records    map[string]*record
	window     time.Duration
	now        func() time.Time
	sweepEvery time.Duration
	closed     bool
	closeCh    chan struct{}
}

type record struct {
	count   int64
	resetAt time.Time
}

var _ store.Store = (*Store)(nil)

// New creates a Store. The window is supplied later through Init.
func New(opts ...Option) *Store {
	s := &Store{
		records:    make(map[string]*record),
		now:        time.Now,
		sweepEvery: time.Minute,
		closeCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepEvery > 0 {
		go s.sweepLoop()
	}
	return s
}

// Init records the window length. A store shared by several limiters must be
// initialized with the same window by all of them.
func (s *Store) Init(cfg store.Config) error {
	if cfg.Window <= 0 {
		return fmt.Errorf("memory: window must be positive, got %v", cfg.Window)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.window {
	case 0:
		s.window = cfg.Window
		return nil
	case cfg.Window:
		return nil
	default:
		return fmt.Errorf("%w: have %v, got %v", store.ErrWindowConflict, s.window, cfg.Window)
	}
}

func (s *Store) Increment(_ context.Context, key string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.Record{}, store.ErrClosed
	}
	if s.window == 0 {
		return store.Record{}, store.ErrNotInitialized
	}

	now := s.now()
	rec, ok := s.records[key]
	if !ok {
		rec = &record{resetAt: now.Add(s.window)}
		s.records[key] = rec
	} else if !now.Before(rec.resetAt) {
		rec.count = 0
		rec.resetAt = now.Add(s.window)
	}
	rec.count++

	return store.Record{Count: rec.count, ResetAt: rec.resetAt}, nil
}

func (s *Store) Decrement(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}

	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if rec.count > 0 {
		rec.count--
	}
	return nil
}

// Len returns the number of records whose window has not ended.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, rec := range s.records {
		if now.Before(rec.resetAt) {
			n++
		}
	}
	return n
}

// Close stops the sweep goroutine. Further operations return store.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.closeCh:
			return
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, rec := range s.records {
		if !now.Before(rec.resetAt) {
			delete(s.records, k)
		}
	}
}
