package metrics_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-kudari/windowlimit"
	"github.com/krishna-kudari/windowlimit/metrics"
	"github.com/krishna-kudari/windowlimit/store"
	"github.com/krishna-kudari/windowlimit/store/memory"
)

func newRequest(path string) windowlimit.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("X-Real-IP", "10.0.0.1")
	return windowlimit.FromHTTP(r)
}

func okNext(context.Context) (*windowlimit.Response, error) {
	return windowlimit.Text(http.StatusOK, "ok"), nil
}

func TestCollector_Outcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	limiter, err := windowlimit.New(
		windowlimit.WithMax(2),
		windowlimit.WithObserver(collector),
		windowlimit.WithSkip(windowlimit.SkipPaths("/health")),
	)
	require.NoError(t, err)
	defer limiter.Close()
	ctx := context.Background()

	_, _ = limiter.Handle(ctx, newRequest("/health"), okNext)
	_, _ = limiter.Handle(ctx, newRequest("/"), func(context.Context) (*windowlimit.Response, error) {
		return nil, errors.New("boom")
	})
	for i := 0; i < 3; i++ {
		_, _ = limiter.Handle(ctx, newRequest("/"), okNext)
	}

	assertCounter(t, reg, "ratelimit_decisions_total", map[string]string{"outcome": "skipped"}, 1)
	assertCounter(t, reg, "ratelimit_decisions_total", map[string]string{"outcome": "allowed"}, 3)
	assertCounter(t, reg, "ratelimit_decisions_total", map[string]string{"outcome": "refunded"}, 1)
	assertCounter(t, reg, "ratelimit_decisions_total", map[string]string{"outcome": "rejected"}, 1)
}

func TestWrapStore_Operations(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))
	inner := memory.New(memory.WithSweepInterval(0))
	defer inner.Close()

	limiter, err := windowlimit.New(
		windowlimit.WithMax(5),
		windowlimit.WithStore(metrics.WrapStore(inner, collector)),
	)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = limiter.Handle(ctx, newRequest("/"), okNext)
	}
	_, _ = limiter.Handle(ctx, newRequest("/"), func(context.Context) (*windowlimit.Response, error) {
		return nil, errors.New("boom")
	})

	assertHistogramCount(t, reg, "ratelimit_store_operation_duration_seconds", map[string]string{"op": "increment"}, 4)
	assertHistogramCount(t, reg, "ratelimit_store_operation_duration_seconds", map[string]string{"op": "decrement"}, 1)
	assertCounter(t, reg, "ratelimit_store_errors_total", map[string]string{"op": "increment"}, 0)
	assert.Equal(t, 1, inner.Len(), "expected one live record")
}

func TestWrapStore_ErrorCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	wrapped := metrics.WrapStore(&failStore{}, collector)
	ctx := context.Background()

	_, err := wrapped.Increment(ctx, "k1")
	require.ErrorIs(t, err, errBackend)
	require.ErrorIs(t, wrapped.Decrement(ctx, "k1"), errBackend)

	assertCounter(t, reg, "ratelimit_store_errors_total", map[string]string{"op": "increment"}, 1)
	assertCounter(t, reg, "ratelimit_store_errors_total", map[string]string{"op": "decrement"}, 1)
}

func TestWrapStore_ErrorSurfacesFromLimiter(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	limiter, err := windowlimit.New(windowlimit.WithStore(metrics.WrapStore(&failStore{}, collector)))
	require.NoError(t, err)
	_, err = limiter.Check(context.Background(), newRequest("/"))
	assert.ErrorIs(t, err, errBackend)
}

func TestCollectorOptions(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(
		metrics.WithRegistry(reg),
		metrics.WithNamespace("myapp"),
		metrics.WithSubsystem("api"),
		metrics.WithBuckets([]float64{.001, .01, .1}),
	)

	inner := memory.New()
	defer inner.Close()
	limiter, err := windowlimit.New(
		windowlimit.WithObserver(collector),
		windowlimit.WithStore(metrics.WrapStore(inner, collector)),
	)
	require.NoError(t, err)
	_, err = limiter.Check(context.Background(), newRequest("/"))
	require.NoError(t, err)

	assertCounter(t, reg, "myapp_api_decisions_total", map[string]string{"outcome": "allowed"}, 1)
	assertHistogramCount(t, reg, "myapp_api_store_operation_duration_seconds", map[string]string{"op": "increment"}, 1)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

var errBackend = errors.New("backend down")

type failStore struct{}

func (f *failStore) Init(store.Config) error { return nil }

func (f *failStore) Increment(context.Context, string) (store.Record, error) {
	return store.Record{}, errBackend
}

func (f *failStore) Decrement(context.Context, string) error { return errBackend }

func (f *failStore) Close() error { return nil }

func assertCounter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want float64) {
	t.Helper()
	val := gatherMetricValue(t, reg, name, labels, func(m *dto.Metric) float64 {
		return m.GetCounter().GetValue()
	})
	assert.Equal(t, want, val, "%s%v", name, labels)
}

func assertHistogramCount(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want uint64) {
	t.Helper()
	val := gatherMetricValue(t, reg, name, labels, func(m *dto.Metric) float64 {
		return float64(m.GetHistogram().GetSampleCount())
	})
	assert.Equal(t, want, uint64(val), "%s%v sample_count", name, labels)
}

func gatherMetricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, extract func(*dto.Metric) float64) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return extract(m)
			}
		}
	}
	if len(labels) > 0 {
		return 0
	}
	require.Failf(t, "metric not found", "%s", name)
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	pairs := m.GetLabel()
	if len(pairs) < len(want) {
		return false
	}
	for _, lp := range pairs {
		if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
			return false
		}
	}
	return true
}
