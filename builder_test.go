package windowlimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/krishna-kudari/windowlimit/store/memory"
)

type stubRequest struct {
	path   string
	header map[string]string
}

func (r stubRequest) Method() string            { return http.MethodGet }
func (r stubRequest) Path() string              { return r.path }
func (r stubRequest) Header(name string) string { return r.header[name] }

func TestBuilder_Defaults(t *testing.T) {
	l, err := NewBuilder().Build()
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, int64(DefaultMax), l.opts.Max)
	assert.Equal(t, DefaultWindow, l.opts.Window)
	assert.True(t, l.opts.Headers, "headers must be on by default")
	assert.True(t, l.ownsStore, "limiter must own its default store")
}

func TestBuilder_Limit(t *testing.T) {
	l, err := NewBuilder().
		Limit(3, 30*time.Second).
		Build()
	require.NoError(t, err)
	defer l.Close()

	d, err := l.Check(context.Background(), stubRequest{path: "/", header: map[string]string{"X-Real-IP": "1.2.3.4"}})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(3), d.Limit)
	assert.Equal(t, int64(2), d.Remaining)
}

func TestBuilder_InvalidParams(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"zero max", NewBuilder().Limit(0, time.Second)},
		{"negative max", NewBuilder().Limit(-1, time.Second)},
		{"zero window", NewBuilder().Limit(5, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			assert.Error(t, err)
		})
	}
}

func TestBuilder_OptionChaining(t *testing.T) {
	shared := memory.New()
	defer shared.Close()
	errLimited := errors.New("limited")

	l, err := NewBuilder().
		Limit(1, time.Minute).
		CountFailedRequests().
		ErrorSignal(errLimited).
		NoHeaders().
		KeyByHeader("X-API-Key").
		SkipPaths("/healthz").
		Store(shared).
		Logger(zap.NewNop()).
		Build()
	require.NoError(t, err)
	defer l.Close()

	assert.True(t, l.opts.CountFailedRequest)
	assert.False(t, l.opts.Headers)
	assert.False(t, l.ownsStore, "a supplied store belongs to the caller")
	assert.Same(t, errLimited, l.opts.ErrorResponse.Err())

	ctx := context.Background()
	req := stubRequest{path: "/", header: map[string]string{"X-API-Key": "tenant"}}
	d, _ := l.Check(ctx, req)
	assert.Equal(t, "tenant", d.Key)
	assert.Nil(t, d.Header)

	skipped, _ := l.Check(ctx, stubRequest{path: "/healthz"})
	assert.True(t, skipped.Skipped, "/healthz should be skipped")

	d, _ = l.Check(ctx, req)
	_, err = l.Reject(d)
	assert.ErrorIs(t, err, errLimited)
}

func TestBuilder_SkipOverride(t *testing.T) {
	l, err := NewBuilder().
		SkipPaths("/a").
		SkipKey(SkipKeys("vip")).
		Build()
	require.NoError(t, err)
	defer l.Close()

	require.True(t, l.opts.skip.needsKey(), "last skip predicate must win")
	d, _ := l.Check(context.Background(), stubRequest{path: "/a", header: map[string]string{"X-Real-IP": "1.1.1.1"}})
	assert.False(t, d.Skipped, "path predicate should have been replaced")
}

func TestCeilSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{-time.Second, 0},
		{0, 0},
		{time.Nanosecond, 1},
		{999 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ceilSeconds(tt.in), "ceilSeconds(%v)", tt.in)
	}
}
