package windowlimit

import (
	"time"

	"go.uber.org/zap"

	"github.com/krishna-kudari/windowlimit/store"
)

// Defaults applied by New.
const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 10
)

// Options holds the limiter configuration. It is fixed once New returns.
type Options struct {
	// Window is the fixed window length. Default: 60s.
	Window time.Duration

	// Max is the number of requests admitted per key per window. Default: 10.
	Max int64

	// ErrorResponse shapes rejections. Default: 429 "Too Many Requests".
	ErrorResponse ErrorResponse

	// CountFailedRequest keeps the quota spent by requests whose downstream
	// handler failed. Default: false (failed requests are refunded).
	CountFailedRequest bool

	// Headers controls the RateLimit-* and Retry-After headers. Default: true.
	Headers bool

	// Generator derives the counter key. Default: HeaderKeyGenerator.
	Generator KeyGenerator

	// InjectServer supplies a live server handle to the generator.
	InjectServer func() any

	// Store holds the counters. Default: a private memory store.
	Store store.Store

	// Logger receives diagnostics. Default: zap.L().
	Logger *zap.Logger

	// Observer is told the outcome of every request.
	Observer Observer

	// Clock replaces time.Now when computing RateLimit-Reset.
	Clock func() time.Time

	skip skipper
}

// Option configures a Limiter.
type Option func(*Options)

// WithWindow sets the window length.
func WithWindow(d time.Duration) Option {
	return func(o *Options) { o.Window = d }
}

// WithMax sets how many requests each key may make per window.
func WithMax(n int64) Option {
	return func(o *Options) { o.Max = n }
}

// WithErrorResponse sets how rejections are shaped.
func WithErrorResponse(e ErrorResponse) Option {
	return func(o *Options) { o.ErrorResponse = e }
}

// WithErrorText rejects with a 429 text response.
func WithErrorText(text string) Option {
	return WithErrorResponse(ErrorText(text))
}

// WithErrorTemplate rejects with a copy of resp.
func WithErrorTemplate(resp *Response) Option {
	return WithErrorResponse(ErrorTemplate(resp))
}

// WithErrorSignal makes rejections fail with err.
func WithErrorSignal(err error) Option {
	return WithErrorResponse(ErrorSignal(err))
}

// WithCountFailedRequest controls whether failed downstream requests keep
// their quota.
func WithCountFailedRequest(v bool) Option {
	return func(o *Options) { o.CountFailedRequest = v }
}

// WithHeaders enables or disables rate limit headers.
func WithHeaders(v bool) Option {
	return func(o *Options) { o.Headers = v }
}

// WithGenerator sets the key generator.
func WithGenerator(g KeyGenerator) Option {
	return func(o *Options) { o.Generator = g }
}

// WithKeyFunc sets a plain request-to-key function as the generator.
func WithKeyFunc(f func(Request) string) Option {
	return WithGenerator(KeyFunc(f))
}

// WithSkip sets a predicate that only needs the request. It replaces any
// predicate set earlier.
func WithSkip(p SkipByRequest) Option {
	return func(o *Options) { o.skip = skipper{byRequest: p} }
}

// WithSkipKey sets a predicate that needs the derived key. It replaces any
// predicate set earlier.
func WithSkipKey(p SkipByRequestAndKey) Option {
	return func(o *Options) { o.skip = skipper{byKey: p} }
}

// WithInjectServer sets the accessor whose result is handed to the key
// generator on every request.
func WithInjectServer(f func() any) Option {
	return func(o *Options) { o.InjectServer = f }
}

// WithStore sets the counter store. Sharing one store between limiters makes
// them count against the same quota.
func WithStore(s store.Store) Option {
	return func(o *Options) { o.Store = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithObserver sets the outcome observer.
func WithObserver(obs Observer) Option {
	return func(o *Options) { o.Observer = obs }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Clock = now }
}

func applyOptions(opts []Option) *Options {
	o := &Options{
		Window:  DefaultWindow,
		Max:     DefaultMax,
		Headers: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	if o.Generator == nil {
		o.Generator = HeaderKeyGenerator{Logger: o.Logger}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
