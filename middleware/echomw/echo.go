// Package echomw provides Echo middleware for rate limiting.
//
// Separated from the middleware package so that importing the HTTP middleware
// does not pull in github.com/labstack/echo.
//
// Usage:
//
//	limiter, _ := windowlimit.New(
//	    windowlimit.WithMax(100),
//	    windowlimit.WithKeyFunc(echomw.KeyByRealIP),
//	)
//	e := echo.New()
//	e.Use(echomw.RateLimit(limiter))
package echomw

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/krishna-kudari/windowlimit"
)

// ErrorHandler is called when the limiter cannot reach a decision.
type ErrorHandler func(c echo.Context, err error) error

// DeniedErrorHandler turns a signalled rejection into the handler's result.
type DeniedErrorHandler func(c echo.Context, err error) error

// Config holds the rate limit middleware configuration.
type Config struct {
	// Limiter is the rate limiter instance (required).
	Limiter *windowlimit.Limiter

	// ErrorHandler is called on limiter error. Default: return the error to
	// Echo's HTTPErrorHandler.
	ErrorHandler ErrorHandler

	// DeniedErrorHandler is called on signalled rejections. Default: an
	// *echo.HTTPError with status 429 wrapping the signal.
	DeniedErrorHandler DeniedErrorHandler

	// IsFailure classifies the committed status as a failed request. An error
	// returned by the handler chain or a panic always counts as failed.
	IsFailure func(status int) bool
}

// RateLimit creates Echo middleware with default settings.
func RateLimit(limiter *windowlimit.Limiter) echo.MiddlewareFunc {
	return RateLimitWithConfig(Config{Limiter: limiter})
}

// RateLimitWithConfig creates Echo middleware with full configuration control.
func RateLimitWithConfig(cfg Config) echo.MiddlewareFunc {
	if cfg.Limiter == nil {
		panic("echomw: Limiter is required")
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	if cfg.DeniedErrorHandler == nil {
		cfg.DeniedErrorHandler = defaultDeniedErrorHandler
	}
	l := cfg.Limiter

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			d, err := l.Check(r.Context(), request{Request: windowlimit.FromHTTP(r), c: c})
			if err != nil {
				return cfg.ErrorHandler(c, err)
			}
			if d.Skipped {
				return next(c)
			}

			res := c.Response()
			if !d.Allowed {
				resp, err := l.Reject(d)
				if err != nil {
					copyHeader(res.Header(), d.Header)
					return cfg.DeniedErrorHandler(c, err)
				}
				copyHeader(res.Header(), resp.Header)
				return c.Blob(resp.StatusCode, resp.Header.Get(echo.HeaderContentType), resp.Body)
			}

			if d.Header != nil {
				res.Before(func() { copyHeader(res.Header(), d.Header) })
			}
			defer func() {
				if p := recover(); p != nil {
					refund(c, l, d)
					panic(p)
				}
			}()

			if err := next(c); err != nil {
				refund(c, l, d)
				return err
			}
			if !res.Committed {
				copyHeader(res.Header(), d.Header)
			}
			if cfg.IsFailure != nil && cfg.IsFailure(res.Status) {
				refund(c, l, d)
			}
			return nil
		}
	}
}

// ─── Built-in Key Generators ─────────────────────────────────────────────────

// KeyByRealIP uses Echo's RealIP(), which honours the configured IPExtractor.
// Use it with windowlimit.WithKeyFunc.
func KeyByRealIP(req windowlimit.Request) string {
	if c, ok := Context(req); ok {
		return c.RealIP()
	}
	return windowlimit.KeyByIP(req)
}

// KeyByParam returns a key function that uses a path parameter.
func KeyByParam(param string) func(windowlimit.Request) string {
	return func(req windowlimit.Request) string {
		if c, ok := Context(req); ok {
			return c.Param(param)
		}
		return ""
	}
}

// KeyByRoute combines the matched route path and real IP.
func KeyByRoute(req windowlimit.Request) string {
	c, ok := Context(req)
	if !ok {
		return windowlimit.KeyByPathAndIP(req)
	}
	return c.Path() + ":" + c.RealIP()
}

// Context returns the Echo context behind a request seen by the limiter.
func Context(req windowlimit.Request) (echo.Context, bool) {
	r, ok := req.(request)
	return r.c, ok
}

// ─── Internals ───────────────────────────────────────────────────────────────

type request struct {
	windowlimit.Request
	c echo.Context
}

func (r request) RemoteAddr() string { return r.c.Request().RemoteAddr }

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
}

func refund(c echo.Context, l *windowlimit.Limiter, d *windowlimit.Decision) {
	if err := l.Refund(c.Request().Context(), d); err != nil {
		l.Logger().Warn("refund failed", zap.String("key", d.Key), zap.Error(err))
	}
}

func defaultErrorHandler(_ echo.Context, err error) error {
	return err
}

func defaultDeniedErrorHandler(_ echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return err
	}
	return echo.NewHTTPError(http.StatusTooManyRequests, err.Error()).SetInternal(err)
}
