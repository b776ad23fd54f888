package windowlimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/krishna-kudari/windowlimit/store"
	"github.com/krishna-kudari/windowlimit/store/memory"
)

// Standard header names set by the limiter.
const (
	HeaderLimit      = "RateLimit-Limit"
	HeaderRemaining  = "RateLimit-Remaining"
	HeaderReset      = "RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Outcome is the fate of a single request as seen by the limiter.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeAllowed  Outcome = "allowed"
	OutcomeRejected Outcome = "rejected"
	OutcomeRefunded Outcome = "refunded"
)

// Observer is notified synchronously of every outcome.
// Implementations must be safe for concurrent use.
type Observer interface {
	Observe(outcome Outcome)
}

// Decision is the accounting result for one request.
type Decision struct {
	// Key is the derived counter key. Empty for skipped requests whose
	// predicate did not need it.
	Key string

	// Skipped is true when the skip predicate bypassed accounting.
	// Skipped decisions are also Allowed.
	Skipped bool

	// Allowed is false once the key has exceeded its quota.
	Allowed bool

	Limit     int64
	Count     int64
	Remaining int64
	ResetAt   time.Time

	// RetryAfter is the window length, set on rejected decisions.
	RetryAfter time.Duration

	// Header is the rate limit header set, nil when headers are disabled or
	// the request was skipped.
	Header http.Header

	refunded atomic.Bool
}

// Limiter is the fixed-window decision engine. It is safe for concurrent use.
type Limiter struct {
	opts      Options
	store     store.Store
	ownsStore bool
	log       *zap.Logger
}

// New creates a Limiter. Without WithStore the limiter owns a private memory
// store, so two limiters never share counters unless told to.
func New(opts ...Option) (*Limiter, error) {
	o := applyOptions(opts)
	if o.Max < 1 {
		return nil, fmt.Errorf("windowlimit: max must be at least 1, got %d", o.Max)
	}
	if o.Window <= 0 {
		return nil, fmt.Errorf("windowlimit: window must be positive, got %v", o.Window)
	}

	l := &Limiter{opts: *o, store: o.Store, log: o.Logger}
	if l.store == nil {
		l.store = memory.New(memory.WithClock(o.Clock))
		l.ownsStore = true
	}
	if err := l.store.Init(store.Config{Window: o.Window, Max: o.Max}); err != nil {
		if l.ownsStore {
			_ = l.store.Close()
		}
		return nil, fmt.Errorf("windowlimit: init store: %w", err)
	}
	return l, nil
}

// Options returns a copy of the effective configuration.
func (l *Limiter) Options() Options { return l.opts }

// Logger returns the limiter's logger for use by adapters.
func (l *Limiter) Logger() *zap.Logger { return l.log }

// Close releases the store if the limiter created it. Shared stores are left
// to their owner.
func (l *Limiter) Close() error {
	if l.ownsStore {
		return l.store.Close()
	}
	return nil
}

// Handle runs the whole pipeline for one request: skip check, accounting,
// rejection or forwarding, and the refund when next fails. A failure from
// next is returned unchanged.
func (l *Limiter) Handle(ctx context.Context, req Request, next Next) (resp *Response, err error) {
	d, err := l.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	if d.Skipped {
		return next(ctx)
	}
	if !d.Allowed {
		return l.Reject(d)
	}

	defer func() {
		if p := recover(); p != nil {
			l.refundQuietly(ctx, d)
			panic(p)
		}
	}()

	resp, err = next(ctx)
	if err != nil {
		l.refundQuietly(ctx, d)
		return nil, err
	}
	return l.Decorate(d, resp), nil
}

// Check consults the skip predicate, derives the key, increments its counter
// and runs the admission test.
//
// The counter is incremented before the comparison, so a rejected request
// still leaves its count in the store: the (Max+1)-th request in a window is
// the first one rejected.
func (l *Limiter) Check(ctx context.Context, req Request) (*Decision, error) {
	var (
		key   string
		keyed bool
	)
	if l.opts.skip.needsKey() {
		k, err := l.generateKey(ctx, req)
		if err != nil {
			return nil, err
		}
		key, keyed = k, true
	}

	if l.opts.skip.skip(ctx, req, key) {
		l.observe(OutcomeSkipped)
		return &Decision{Key: key, Skipped: true, Allowed: true, Limit: l.opts.Max}, nil
	}

	if !keyed {
		k, err := l.generateKey(ctx, req)
		if err != nil {
			return nil, err
		}
		key = k
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := l.store.Increment(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("windowlimit: increment %q: %w", key, err)
	}

	d := &Decision{
		Key:       key,
		Limit:     l.opts.Max,
		Count:     rec.Count,
		Remaining: max(l.opts.Max-rec.Count, 0),
		ResetAt:   rec.ResetAt,
		Allowed:   rec.Count < l.opts.Max+1,
	}
	resetIn := ceilSeconds(rec.ResetAt.Sub(l.opts.Clock()))

	if l.opts.Headers {
		d.Header = make(http.Header, 4)
		d.Header.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
		d.Header.Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
		d.Header.Set(HeaderReset, strconv.FormatInt(resetIn, 10))
	}

	if !d.Allowed {
		d.RetryAfter = l.opts.Window
		if d.Header != nil {
			d.Header.Set(HeaderRetryAfter, strconv.FormatInt(ceilSeconds(l.opts.Window), 10))
		}
		l.log.Info("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", d.Count),
			zap.Int64("limit", d.Limit),
			zap.Int64("reset_in", resetIn),
		)
		l.observe(OutcomeRejected)
		return d, nil
	}

	l.log.Debug("request admitted",
		zap.String("key", key),
		zap.Int64("used", d.Limit-d.Remaining),
		zap.Int64("limit", d.Limit),
		zap.Int64("reset_in", resetIn),
	)
	l.observe(OutcomeAllowed)
	return d, nil
}

// Reject produces the rejection for d according to the configured
// ErrorResponse. With ErrorSignal the configured error is returned as is.
func (l *Limiter) Reject(d *Decision) (*Response, error) {
	resp, err := l.opts.ErrorResponse.build()
	if err != nil {
		return nil, err
	}
	if d != nil && d.Header != nil {
		for k, v := range d.Header {
			resp.Header[k] = append([]string(nil), v...)
		}
	}
	return resp, nil
}

// Decorate returns a copy of resp carrying the rate limit headers of d.
// The limiter's headers replace downstream values for the same name.
// When headers are disabled resp is returned untouched.
func (l *Limiter) Decorate(d *Decision, resp *Response) *Response {
	if resp == nil || d == nil || d.Header == nil {
		return resp
	}
	return resp.WithHeader(d.Header)
}

// Refund gives back the unit of quota consumed by d after a downstream
// failure. It does nothing when failed requests are counted, for skipped or
// rejected decisions, and on every call after the first for the same
// decision.
func (l *Limiter) Refund(ctx context.Context, d *Decision) error {
	if d == nil || d.Skipped || !d.Allowed || l.opts.CountFailedRequest {
		return nil
	}
	if !d.refunded.CompareAndSwap(false, true) {
		return nil
	}

	l.log.Debug("request failed, refunding", zap.String("key", d.Key))
	if err := l.store.Decrement(context.WithoutCancel(ctx), d.Key); err != nil {
		return fmt.Errorf("windowlimit: decrement %q: %w", d.Key, err)
	}
	l.observe(OutcomeRefunded)
	return nil
}

func (l *Limiter) refundQuietly(ctx context.Context, d *Decision) {
	if err := l.Refund(ctx, d); err != nil {
		l.log.Warn("refund failed", zap.String("key", d.Key), zap.Error(err))
	}
}

func (l *Limiter) generateKey(ctx context.Context, req Request) (string, error) {
	var server any
	if l.opts.InjectServer != nil {
		server = l.opts.InjectServer()
	}
	key, err := l.opts.Generator.GenerateKey(ctx, req, server, Derived{})
	if err != nil {
		return "", fmt.Errorf("windowlimit: generate key: %w", err)
	}
	return key, nil
}

func (l *Limiter) observe(o Outcome) {
	if l.opts.Observer != nil {
		l.opts.Observer.Observe(o)
	}
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
