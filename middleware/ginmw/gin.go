// Package ginmw provides Gin middleware for rate limiting.
//
// Separated from the middleware package so that importing the HTTP middleware
// does not pull in github.com/gin-gonic/gin.
//
// Usage:
//
//	limiter, _ := windowlimit.New(
//	    windowlimit.WithMax(100),
//	    windowlimit.WithKeyFunc(ginmw.KeyByClientIP),
//	)
//	r := gin.Default()
//	r.Use(ginmw.RateLimit(limiter))
package ginmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/krishna-kudari/windowlimit"
)

// ErrorHandler is called when the limiter cannot reach a decision.
type ErrorHandler func(c *gin.Context, err error)

// DeniedErrorHandler renders rejections when the limiter is configured with
// windowlimit.WithErrorSignal.
type DeniedErrorHandler func(c *gin.Context, err error)

// Config holds the rate limit middleware configuration.
type Config struct {
	// Limiter is the rate limiter instance (required).
	Limiter *windowlimit.Limiter

	// ErrorHandler is called on limiter error. Default: abort with 500.
	ErrorHandler ErrorHandler

	// DeniedErrorHandler is called on signalled rejections. Default: 429 JSON.
	DeniedErrorHandler DeniedErrorHandler

	// IsFailure classifies the final status as a failed request. Requests
	// that recorded errors in c.Errors or panicked always count as failed.
	IsFailure func(status int) bool
}

// RateLimit creates Gin middleware with default settings.
func RateLimit(limiter *windowlimit.Limiter) gin.HandlerFunc {
	return RateLimitWithConfig(Config{Limiter: limiter})
}

// RateLimitWithConfig creates Gin middleware with full configuration control.
func RateLimitWithConfig(cfg Config) gin.HandlerFunc {
	if cfg.Limiter == nil {
		panic("ginmw: Limiter is required")
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	if cfg.DeniedErrorHandler == nil {
		cfg.DeniedErrorHandler = defaultDeniedErrorHandler
	}
	l := cfg.Limiter

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		d, err := l.Check(ctx, request{Request: windowlimit.FromHTTP(c.Request), c: c})
		if err != nil {
			cfg.ErrorHandler(c, err)
			return
		}
		if d.Skipped {
			c.Next()
			return
		}

		if !d.Allowed {
			resp, err := l.Reject(d)
			if err != nil {
				copyHeader(c.Writer.Header(), d.Header)
				cfg.DeniedErrorHandler(c, err)
				return
			}
			c.Abort()
			copyHeader(c.Writer.Header(), resp.Header)
			c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
			return
		}

		hw := &headerWriter{ResponseWriter: c.Writer, header: d.Header}
		c.Writer = hw
		defer func() {
			if p := recover(); p != nil {
				refund(c, l, d)
				panic(p)
			}
		}()

		c.Next()

		hw.apply()
		if len(c.Errors) > 0 || (cfg.IsFailure != nil && cfg.IsFailure(c.Writer.Status())) {
			refund(c, l, d)
		}
	}
}

// ─── Built-in Key Generators ─────────────────────────────────────────────────

// KeyByClientIP uses Gin's ClientIP(), which respects trusted proxies.
// Use it with windowlimit.WithKeyFunc.
func KeyByClientIP(req windowlimit.Request) string {
	if c, ok := Context(req); ok {
		return c.ClientIP()
	}
	return windowlimit.KeyByIP(req)
}

// KeyByParam returns a key function that uses a URL parameter.
func KeyByParam(param string) func(windowlimit.Request) string {
	return func(req windowlimit.Request) string {
		if c, ok := Context(req); ok {
			return c.Param(param)
		}
		return ""
	}
}

// KeyByRoute combines the matched route pattern and client IP.
func KeyByRoute(req windowlimit.Request) string {
	c, ok := Context(req)
	if !ok {
		return windowlimit.KeyByPathAndIP(req)
	}
	return c.FullPath() + ":" + c.ClientIP()
}

// Context returns the Gin context behind a request seen by the limiter.
func Context(req windowlimit.Request) (*gin.Context, bool) {
	r, ok := req.(request)
	return r.c, ok
}

// ─── Internals ───────────────────────────────────────────────────────────────

type request struct {
	windowlimit.Request
	c *gin.Context
}

func (r request) RemoteAddr() string { return r.c.Request.RemoteAddr }

// headerWriter applies the rate limit headers at the moment the response
// headers are flushed. Gin defers WriteHeader until the first write, so that
// is where the limiter's values must land.
type headerWriter struct {
	gin.ResponseWriter
	header  http.Header
	applied bool
}

func (w *headerWriter) apply() {
	if w.applied {
		return
	}
	w.applied = true
	if !w.ResponseWriter.Written() {
		copyHeader(w.ResponseWriter.Header(), w.header)
	}
}

func (w *headerWriter) Write(b []byte) (int, error) {
	w.apply()
	return w.ResponseWriter.Write(b)
}

func (w *headerWriter) WriteString(s string) (int, error) {
	w.apply()
	return w.ResponseWriter.WriteString(s)
}

func (w *headerWriter) WriteHeaderNow() {
	w.apply()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *headerWriter) Flush() {
	w.apply()
	w.ResponseWriter.Flush()
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
}

func refund(c *gin.Context, l *windowlimit.Limiter, d *windowlimit.Decision) {
	if err := l.Refund(c.Request.Context(), d); err != nil {
		l.Logger().Warn("refund failed", zap.String("key", d.Key), zap.Error(err))
	}
}

func defaultErrorHandler(c *gin.Context, err error) {
	_ = c.AbortWithError(http.StatusInternalServerError, err)
}

func defaultDeniedErrorHandler(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
}
