package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-kudari/windowlimit/store"
	"github.com/krishna-kudari/windowlimit/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T, clock *fakeClock, window time.Duration) *memory.Store {
	t.Helper()
	s := memory.New(memory.WithClock(clock.Now), memory.WithSweepInterval(0))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(store.Config{Window: window, Max: 10}))
	return s
}

func TestMemoryStore_InterfaceCompliance(t *testing.T) {
	var _ store.Store = (*memory.Store)(nil)
}

func TestMemoryStore_IncrementStartsWindow(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, time.Minute)
	ctx := context.Background()

	rec, err := s.Increment(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count)
	assert.True(t, rec.ResetAt.Equal(clock.Now().Add(time.Minute)), "resetAt %v", rec.ResetAt)

	clock.Advance(10 * time.Second)
	rec, err = s.Increment(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Count)
	assert.True(t, rec.ResetAt.Equal(clock.Now().Add(50*time.Second)),
		"window end must not move inside the window, got %v", rec.ResetAt)
}

func TestMemoryStore_WindowResetsAtBoundary(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Increment(ctx, "k1")
		require.NoError(t, err)
	}

	// now == resetAt counts as expired
	clock.Advance(time.Second)
	rec, err := s.Increment(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count, "counter should restart")
	assert.True(t, rec.ResetAt.Equal(clock.Now().Add(time.Second)), "new window ends at %v", rec.ResetAt)
}

func TestMemoryStore_Decrement(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, time.Minute)
	ctx := context.Background()

	// missing key is a no-op
	require.NoError(t, s.Decrement(ctx, "missing"))
	assert.Zero(t, s.Len(), "decrement must not create records")

	_, _ = s.Increment(ctx, "k1")
	_, _ = s.Increment(ctx, "k1")
	require.NoError(t, s.Decrement(ctx, "k1"))
	rec, _ := s.Increment(ctx, "k1")
	assert.Equal(t, int64(2), rec.Count, "count after refund")

	// floored at zero
	for i := 0; i < 5; i++ {
		_ = s.Decrement(ctx, "k1")
	}
	rec, _ = s.Increment(ctx, "k1")
	assert.Equal(t, int64(1), rec.Count, "count after flooring")
}

func TestMemoryStore_KeysIndependent(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = s.Increment(ctx, "a")
	}
	rec, _ := s.Increment(ctx, "b")
	assert.Equal(t, int64(1), rec.Count, "key b should be unaffected by key a")
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_Init(t *testing.T) {
	s := memory.New(memory.WithSweepInterval(0))
	defer s.Close()
	ctx := context.Background()

	_, err := s.Increment(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotInitialized)
	require.Error(t, s.Init(store.Config{Window: 0}), "zero window")
	require.NoError(t, s.Init(store.Config{Window: time.Minute}))
	require.NoError(t, s.Init(store.Config{Window: time.Minute}), "re-init with same window should be a no-op")
	assert.ErrorIs(t, s.Init(store.Config{Window: time.Hour}), store.ErrWindowConflict)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.Init(store.Config{Window: time.Minute}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second Close should be safe")

	_, err := s.Increment(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	s := memory.New(memory.WithSweepInterval(0))
	defer s.Close()
	require.NoError(t, s.Init(store.Config{Window: time.Hour}))
	ctx := context.Background()

	const workers, perWorker = 50, 40
	var wg sync.WaitGroup
	seen := make([]bool, workers*perWorker+1)
	var mu sync.Mutex
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				rec, err := s.Increment(ctx, "shared")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[rec.Count], "count %d returned twice", rec.Count)
				seen[rec.Count] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	rec, _ := s.Increment(ctx, "shared")
	assert.Equal(t, int64(workers*perWorker+1), rec.Count)
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := memory.New(memory.WithSweepInterval(10 * time.Millisecond))
	defer s.Close()
	require.NoError(t, s.Init(store.Config{Window: 20 * time.Millisecond}))
	ctx := context.Background()

	_, _ = s.Increment(ctx, "k1")
	_, _ = s.Increment(ctx, "k2")
	require.Equal(t, 2, s.Len())

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond,
		"stale records should be swept")
	rec, _ := s.Increment(ctx, "k1")
	assert.Equal(t, int64(1), rec.Count, "fresh count after sweep")
}
