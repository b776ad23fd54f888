// Package fibermw provides Fiber middleware for rate limiting.
//
// Separated from the middleware package so that importing the HTTP middleware
// does not pull in github.com/gofiber/fiber.
//
// Usage:
//
//	limiter, _ := windowlimit.New(
//	    windowlimit.WithMax(100),
//	    windowlimit.WithKeyFunc(fibermw.KeyByIP),
//	)
//	app := fiber.New()
//	app.Use(fibermw.RateLimit(limiter))
package fibermw

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/krishna-kudari/windowlimit"
)

// ErrorHandler is called when the limiter cannot reach a decision.
type ErrorHandler func(c *fiber.Ctx, err error) error

// DeniedErrorHandler turns a signalled rejection into the handler's result.
type DeniedErrorHandler func(c *fiber.Ctx, err error) error

// Config holds the rate limit middleware configuration.
type Config struct {
	// Limiter is the rate limiter instance (required).
	Limiter *windowlimit.Limiter

	// ErrorHandler is called on limiter error. Default: return the error to
	// the app's ErrorHandler.
	ErrorHandler ErrorHandler

	// DeniedErrorHandler is called on signalled rejections. Default: a
	// *fiber.Error with status 429.
	DeniedErrorHandler DeniedErrorHandler

	// IsFailure classifies the final status as a failed request. An error
	// returned by c.Next or a panic always counts as failed.
	IsFailure func(status int) bool
}

// RateLimit creates Fiber middleware with default settings.
func RateLimit(limiter *windowlimit.Limiter) fiber.Handler {
	return RateLimitWithConfig(Config{Limiter: limiter})
}

// RateLimitWithConfig creates Fiber middleware with full configuration control.
func RateLimitWithConfig(cfg Config) fiber.Handler {
	if cfg.Limiter == nil {
		panic("fibermw: Limiter is required")
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	if cfg.DeniedErrorHandler == nil {
		cfg.DeniedErrorHandler = defaultDeniedErrorHandler
	}
	l := cfg.Limiter

	return func(c *fiber.Ctx) error {
		d, err := l.Check(c.UserContext(), request{c: c})
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}
		if d.Skipped {
			return c.Next()
		}

		if !d.Allowed {
			resp, err := l.Reject(d)
			if err != nil {
				setHeaders(c, d.Header)
				return cfg.DeniedErrorHandler(c, err)
			}
			setHeaders(c, resp.Header)
			return c.Status(resp.StatusCode).Send(resp.Body)
		}

		defer func() {
			if p := recover(); p != nil {
				refund(c, l, d)
				panic(p)
			}
		}()

		// fasthttp buffers the whole response, so headers set after the
		// handler ran still go out and replace the handler's values.
		if err := c.Next(); err != nil {
			refund(c, l, d)
			setHeaders(c, d.Header)
			return err
		}
		setHeaders(c, d.Header)
		if cfg.IsFailure != nil && cfg.IsFailure(c.Response().StatusCode()) {
			refund(c, l, d)
		}
		return nil
	}
}

// ─── Built-in Key Generators ─────────────────────────────────────────────────

// KeyByIP uses Fiber's IP(), which respects the app's ProxyHeader setting.
// Use it with windowlimit.WithKeyFunc.
func KeyByIP(req windowlimit.Request) string {
	if c, ok := Context(req); ok {
		return strings.Clone(c.IP())
	}
	return windowlimit.KeyByIP(req)
}

// KeyByParam returns a key function that uses a route parameter.
func KeyByParam(param string) func(windowlimit.Request) string {
	return func(req windowlimit.Request) string {
		if c, ok := Context(req); ok {
			return strings.Clone(c.Params(param))
		}
		return ""
	}
}

// KeyByRoute combines the matched route path and client IP.
func KeyByRoute(req windowlimit.Request) string {
	c, ok := Context(req)
	if !ok {
		return windowlimit.KeyByPathAndIP(req)
	}
	return c.Route().Path + ":" + strings.Clone(c.IP())
}

// Context returns the Fiber context behind a request seen by the limiter.
func Context(req windowlimit.Request) (*fiber.Ctx, bool) {
	r, ok := req.(request)
	return r.c, ok
}

// ─── Internals ───────────────────────────────────────────────────────────────

// request is a windowlimit.Request over a fiber.Ctx. Fiber strings point into
// pooled fasthttp buffers and keys outlive the request inside the store, so
// every value is copied.
type request struct {
	c *fiber.Ctx
}

func (r request) Method() string { return strings.Clone(r.c.Method()) }

func (r request) Path() string { return strings.Clone(r.c.Path()) }

// Header joins every value of a repeated header with ", ", matching
// http.Header semantics. string() copies out of the fasthttp buffer.
func (r request) Header(name string) string {
	values := r.c.Request().Header.PeekAll(name)
	switch len(values) {
	case 0:
		return ""
	case 1:
		return string(values[0])
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

func (r request) RemoteAddr() string { return r.c.Context().RemoteAddr().String() }

func setHeaders(c *fiber.Ctx, h http.Header) {
	for k, v := range h {
		if len(v) > 0 {
			c.Set(k, v[0])
		}
	}
}

func refund(c *fiber.Ctx, l *windowlimit.Limiter, d *windowlimit.Decision) {
	if err := l.Refund(c.UserContext(), d); err != nil {
		l.Logger().Warn("refund failed", zap.String("key", d.Key), zap.Error(err))
	}
}

func defaultErrorHandler(_ *fiber.Ctx, err error) error {
	return err
}

func defaultDeniedErrorHandler(_ *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return err
	}
	return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
}
