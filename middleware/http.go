// Package middleware plugs a windowlimit.Limiter into net/http handler
// chains. The result is a plain func(http.Handler) http.Handler, so it works
// with http.ServeMux, chi and anything else built on net/http.
//
// Framework adapters live in their own packages so importing this one does
// not pull in Gin, Echo, Fiber or gRPC:
//
//	ginmw   github.com/krishna-kudari/windowlimit/middleware/ginmw
//	echomw  github.com/krishna-kudari/windowlimit/middleware/echomw
//	fibermw github.com/krishna-kudari/windowlimit/middleware/fibermw
//	grpcmw  github.com/krishna-kudari/windowlimit/middleware/grpcmw
package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/krishna-kudari/windowlimit"
)

// ErrorHandler is called when the limiter cannot reach a decision, e.g. the
// key generator or the store failed.
// Default behavior: 500 Internal Server Error.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// DeniedErrorHandler is called for rejections when the limiter is configured
// with windowlimit.WithErrorSignal. Rate limit headers are already set on w.
// Default behavior: 429 with the error text as body.
type DeniedErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// FailureFunc reports whether a downstream status code counts as a failed
// request, which gives the request's quota back.
type FailureFunc func(status int) bool

// Config holds the rate limit middleware configuration.
type Config struct {
	// Limiter is the rate limiter instance (required).
	Limiter *windowlimit.Limiter

	// ErrorHandler handles limiter errors. Default: responds with 500.
	ErrorHandler ErrorHandler

	// DeniedErrorHandler renders signalled rejections. Default: 429.
	DeniedErrorHandler DeniedErrorHandler

	// IsFailure classifies downstream statuses. Default: nil, so only a
	// panic counts as a failure.
	IsFailure FailureFunc
}

// RateLimit creates HTTP middleware with default settings.
//
// Usage with net/http:
//
//	mux := http.NewServeMux()
//	mux.Handle("/api/", middleware.RateLimit(limiter)(handler))
//
// Usage with chi:
//
//	r := chi.NewRouter()
//	r.Use(middleware.RateLimit(limiter))
func RateLimit(limiter *windowlimit.Limiter) func(http.Handler) http.Handler {
	return RateLimitWithConfig(Config{Limiter: limiter})
}

// RateLimitWithConfig creates HTTP middleware with full configuration control.
func RateLimitWithConfig(cfg Config) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		panic("windowlimit/middleware: Limiter is required")
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	if cfg.DeniedErrorHandler == nil {
		cfg.DeniedErrorHandler = defaultDeniedErrorHandler
	}
	l := cfg.Limiter

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			d, err := l.Check(ctx, windowlimit.FromHTTP(r))
			if err != nil {
				cfg.ErrorHandler(w, r, err)
				return
			}
			if d.Skipped {
				next.ServeHTTP(w, r)
				return
			}

			if !d.Allowed {
				resp, err := l.Reject(d)
				if err != nil {
					copyHeader(w.Header(), d.Header)
					cfg.DeniedErrorHandler(w, r, err)
					return
				}
				if err := resp.WriteTo(w); err != nil {
					l.Logger().Debug("write rejection", zap.Error(err))
				}
				return
			}

			hw := &headerWriter{ResponseWriter: w, header: d.Header}
			defer func() {
				if p := recover(); p != nil {
					refund(l, r, d)
					panic(p)
				}
			}()

			next.ServeHTTP(hw, r)

			if !hw.wroteHeader {
				copyHeader(w.Header(), d.Header)
			}
			if cfg.IsFailure != nil && cfg.IsFailure(hw.status) {
				refund(l, r, d)
			}
		})
	}
}

// ServerErrors classifies 5xx statuses as failures.
func ServerErrors(status int) bool {
	return status >= http.StatusInternalServerError
}

// KeyByIP returns the client address from proxy headers, falling back to the
// connection's remote address.
func KeyByIP(r *http.Request) string {
	return windowlimit.KeyByIP(windowlimit.FromHTTP(r))
}

// ─── Response writer ─────────────────────────────────────────────────────────

// headerWriter applies the rate limit headers right before the status line
// goes out, so they replace anything the handler set under the same name.
type headerWriter struct {
	http.ResponseWriter
	header      http.Header
	status      int
	wroteHeader bool
}

func (w *headerWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	copyHeader(w.ResponseWriter.Header(), w.header)
	w.ResponseWriter.WriteHeader(code)
}

func (w *headerWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *headerWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *headerWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("windowlimit/middleware: hijacking not supported")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *headerWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// ─── Internals ───────────────────────────────────────────────────────────────

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
}

func refund(l *windowlimit.Limiter, r *http.Request, d *windowlimit.Decision) {
	if err := l.Refund(r.Context(), d); err != nil {
		l.Logger().Warn("refund failed", zap.String("key", d.Key), zap.Error(err))
	}
}

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, _ error) {
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func defaultDeniedErrorHandler(w http.ResponseWriter, _ *http.Request, err error) {
	http.Error(w, err.Error(), http.StatusTooManyRequests)
}
