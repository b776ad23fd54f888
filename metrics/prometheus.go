// Package metrics provides Prometheus instrumentation for rate limiters.
//
// A Collector is a windowlimit.Observer that counts request outcomes, and
// WrapStore instruments any counter store with latency and error metrics:
//
//	collector := metrics.NewCollector()
//	limiter, _ := windowlimit.New(
//	    windowlimit.WithObserver(collector),
//	    windowlimit.WithStore(metrics.WrapStore(memory.New(), collector)),
//	)
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/krishna-kudari/windowlimit"
	"github.com/krishna-kudari/windowlimit/store"
)

// Store operation names for the op label.
const (
	OpIncrement = "increment"
	OpDecrement = "decrement"
)

// Collector holds Prometheus metric vectors for rate limiter instrumentation.
type Collector struct {
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	errors    *prometheus.CounterVec
}

type collectorConfig struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
	buckets   []float64
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the Prometheus metric subsystem.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets sets custom histogram buckets for store operation duration.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_decisions_total                  counter   (outcome)
//   - {namespace}_store_operation_duration_seconds histogram (op)
//   - {namespace}_store_errors_total               counter   (op)
//
// Default namespace is "ratelimit".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "ratelimit",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "decisions_total",
		Help:      "Requests seen by the rate limiter partitioned by outcome.",
	}, []string{"outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "store_operation_duration_seconds",
		Help:      "Latency of counter store operations in seconds.",
		Buckets:   cfg.buckets,
	}, []string{"op"})

	errors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "store_errors_total",
		Help:      "Total counter store errors.",
	}, []string{"op"})

	cfg.registry.MustRegister(decisions, duration, errors)

	return &Collector{
		decisions: decisions,
		duration:  duration,
		errors:    errors,
	}
}

// Observe implements windowlimit.Observer.
func (c *Collector) Observe(outcome windowlimit.Outcome) {
	c.decisions.WithLabelValues(string(outcome)).Inc()
}

// WrapStore returns a store.Store that records Prometheus metrics for every
// Increment and Decrement delegated to inner.
func WrapStore(inner store.Store, c *Collector) store.Store {
	return &instrumentedStore{inner: inner, collector: c}
}

type instrumentedStore struct {
	inner     store.Store
	collector *Collector
}

func (s *instrumentedStore) Init(cfg store.Config) error {
	return s.inner.Init(cfg)
}

func (s *instrumentedStore) Increment(ctx context.Context, key string) (store.Record, error) {
	start := time.Now()
	rec, err := s.inner.Increment(ctx, key)
	s.record(OpIncrement, start, err)
	return rec, err
}

func (s *instrumentedStore) Decrement(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Decrement(ctx, key)
	s.record(OpDecrement, start, err)
	return err
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}

func (s *instrumentedStore) record(op string, start time.Time, err error) {
	s.collector.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.collector.errors.WithLabelValues(op).Inc()
	}
}
