package windowlimit

import (
	"time"

	"go.uber.org/zap"

	"github.com/krishna-kudari/windowlimit/store"
)

// Builder provides a fluent API for constructing a Limiter.
//
//	limiter, err := windowlimit.NewBuilder().
//	    Limit(100, time.Minute).
//	    ErrorText("slow down").
//	    SkipPaths("/healthz").
//	    Build()
type Builder struct {
	opts []Option
}

// NewBuilder returns a new Builder with default options.
func NewBuilder() *Builder {
	return &Builder{}
}

// ─── Limits ──────────────────────────────────────────────────────────────────

// Limit admits n requests per window for each key.
func (b *Builder) Limit(n int64, window time.Duration) *Builder {
	b.opts = append(b.opts, WithMax(n), WithWindow(window))
	return b
}

// CountFailedRequests keeps the quota spent by failed downstream requests.
func (b *Builder) CountFailedRequests() *Builder {
	b.opts = append(b.opts, WithCountFailedRequest(true))
	return b
}

// ─── Responses ───────────────────────────────────────────────────────────────

// ErrorText rejects with a 429 text response.
func (b *Builder) ErrorText(text string) *Builder {
	b.opts = append(b.opts, WithErrorText(text))
	return b
}

// ErrorTemplate rejects with a copy of resp.
func (b *Builder) ErrorTemplate(resp *Response) *Builder {
	b.opts = append(b.opts, WithErrorTemplate(resp))
	return b
}

// ErrorSignal makes rejections fail with err.
func (b *Builder) ErrorSignal(err error) *Builder {
	b.opts = append(b.opts, WithErrorSignal(err))
	return b
}

// NoHeaders disables the RateLimit-* and Retry-After headers.
func (b *Builder) NoHeaders() *Builder {
	b.opts = append(b.opts, WithHeaders(false))
	return b
}

// ─── Keys and skipping ───────────────────────────────────────────────────────

// Generator sets the key generator.
func (b *Builder) Generator(g KeyGenerator) *Builder {
	b.opts = append(b.opts, WithGenerator(g))
	return b
}

// KeyByHeader keys requests by the value of header.
func (b *Builder) KeyByHeader(header string) *Builder {
	return b.Generator(KeyByHeader(header))
}

// Skip sets a request-only skip predicate.
func (b *Builder) Skip(p SkipByRequest) *Builder {
	b.opts = append(b.opts, WithSkip(p))
	return b
}

// SkipKey sets a key-aware skip predicate.
func (b *Builder) SkipKey(p SkipByRequestAndKey) *Builder {
	b.opts = append(b.opts, WithSkipKey(p))
	return b
}

// SkipPaths bypasses accounting for the given exact paths.
func (b *Builder) SkipPaths(paths ...string) *Builder {
	return b.Skip(SkipPaths(paths...))
}

// InjectServer hands the accessor's result to the key generator.
func (b *Builder) InjectServer(f func() any) *Builder {
	b.opts = append(b.opts, WithInjectServer(f))
	return b
}

// ─── Plumbing ────────────────────────────────────────────────────────────────

// Store sets a custom or shared store.Store backend.
func (b *Builder) Store(s store.Store) *Builder {
	b.opts = append(b.opts, WithStore(s))
	return b
}

// Logger sets the logger.
func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.opts = append(b.opts, WithLogger(l))
	return b
}

// Observer sets the outcome observer.
func (b *Builder) Observer(o Observer) *Builder {
	b.opts = append(b.opts, WithObserver(o))
	return b
}

// ─── Build ───────────────────────────────────────────────────────────────────

// Build validates the configuration and returns the configured Limiter.
func (b *Builder) Build() (*Limiter, error) {
	return New(b.opts...)
}
