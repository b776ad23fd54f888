// Package grpcmw provides gRPC server interceptors for rate limiting.
//
// Separated from the middleware package so that importing the HTTP middleware
// does not pull in google.golang.org/grpc.
//
// The limiter sees each RPC as a windowlimit.Request whose Path is the full
// method name ("/pkg.Service/Method") and whose headers are the incoming
// metadata, so windowlimit.SkipPaths and windowlimit.KeyByHeader work
// unchanged.
//
// Usage:
//
//	limiter, _ := windowlimit.New(
//	    windowlimit.WithMax(100),
//	    windowlimit.WithKeyFunc(grpcmw.KeyByPeer),
//	)
//	server := grpc.NewServer(
//	    grpc.ChainUnaryInterceptor(grpcmw.UnaryServerInterceptor(limiter)),
//	    grpc.ChainStreamInterceptor(grpcmw.StreamServerInterceptor(limiter)),
//	)
package grpcmw

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/krishna-kudari/windowlimit"
)

// ErrorHandler produces the gRPC error returned when the limiter cannot
// reach a decision. Default: codes.Internal.
type ErrorHandler func(ctx context.Context, err error) error

// DeniedErrorHandler produces the gRPC error returned for signalled
// rejections. Default: codes.ResourceExhausted unless err already carries a
// gRPC status.
type DeniedErrorHandler func(ctx context.Context, err error) error

// Config holds full configuration for gRPC rate limit interceptors.
type Config struct {
	// Limiter is the rate limiter instance (required).
	Limiter *windowlimit.Limiter

	// ErrorHandler maps limiter errors to gRPC errors.
	ErrorHandler ErrorHandler

	// DeniedErrorHandler maps signalled rejections to gRPC errors.
	DeniedErrorHandler DeniedErrorHandler
}

// ─── Unary Interceptors ──────────────────────────────────────────────────────

// UnaryServerInterceptor creates a unary server interceptor with default settings.
func UnaryServerInterceptor(limiter *windowlimit.Limiter) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorWithConfig(Config{Limiter: limiter})
}

// UnaryServerInterceptorWithConfig creates a unary server interceptor with full
// configuration control.
func UnaryServerInterceptorWithConfig(cfg Config) grpc.UnaryServerInterceptor {
	cfg = cfg.withDefaults()
	l := cfg.Limiter

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		d, err := l.Check(ctx, newRequest(ctx, info.FullMethod))
		if err != nil {
			return nil, cfg.ErrorHandler(ctx, err)
		}
		if d.Skipped {
			return handler(ctx, req)
		}

		if md := toMetadata(d.Header); md != nil {
			_ = grpc.SetHeader(ctx, md)
		}
		if !d.Allowed {
			return nil, cfg.reject(ctx, d)
		}

		defer refundOnPanic(ctx, l, d)
		resp, err := handler(ctx, req)
		if err != nil {
			refund(ctx, l, d)
			return nil, err
		}
		return resp, nil
	}
}

// ─── Stream Interceptors ─────────────────────────────────────────────────────

// StreamServerInterceptor creates a stream server interceptor with default settings.
func StreamServerInterceptor(limiter *windowlimit.Limiter) grpc.StreamServerInterceptor {
	return StreamServerInterceptorWithConfig(Config{Limiter: limiter})
}

// StreamServerInterceptorWithConfig creates a stream server interceptor with full
// configuration control. A stream is one request: it is counted when it opens
// and refunded if the handler returns an error.
func StreamServerInterceptorWithConfig(cfg Config) grpc.StreamServerInterceptor {
	cfg = cfg.withDefaults()
	l := cfg.Limiter

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		d, err := l.Check(ctx, newRequest(ctx, info.FullMethod))
		if err != nil {
			return cfg.ErrorHandler(ctx, err)
		}
		if d.Skipped {
			return handler(srv, ss)
		}

		if md := toMetadata(d.Header); md != nil {
			_ = ss.SetHeader(md)
		}
		if !d.Allowed {
			return cfg.reject(ctx, d)
		}

		defer refundOnPanic(ctx, l, d)
		if err := handler(srv, ss); err != nil {
			refund(ctx, l, d)
			return err
		}
		return nil
	}
}

// ─── Built-in Key Generators ─────────────────────────────────────────────────

// KeyByPeer uses the host of the remote peer address.
// Use it with windowlimit.WithKeyFunc.
func KeyByPeer(req windowlimit.Request) string {
	if req == nil {
		return ""
	}
	return windowlimit.PeerHost(req)
}

// KeyByMetadata returns a key function that uses a value from incoming
// metadata, e.g. "x-api-key".
func KeyByMetadata(key string) func(windowlimit.Request) string {
	return func(req windowlimit.Request) string {
		if req == nil {
			return ""
		}
		return req.Header(key)
	}
}

// KeyByMethod uses "method:peer" as the key, enabling per-method limits.
func KeyByMethod(req windowlimit.Request) string {
	if req == nil {
		return ""
	}
	return req.Path() + ":" + windowlimit.PeerHost(req)
}

// ─── Internals ───────────────────────────────────────────────────────────────

type request struct {
	method string
	md     metadata.MD
	peer   string
}

func newRequest(ctx context.Context, fullMethod string) request {
	r := request{method: fullMethod}
	r.md, _ = metadata.FromIncomingContext(ctx)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		r.peer = p.Addr.String()
	}
	return r
}

// Method is always POST, the HTTP/2 method every RPC travels on.
func (r request) Method() string { return http.MethodPost }

func (r request) Path() string { return r.method }

func (r request) Header(name string) string {
	return strings.Join(r.md.Get(name), ", ")
}

func (r request) RemoteAddr() string { return r.peer }

func (cfg Config) withDefaults() Config {
	if cfg.Limiter == nil {
		panic("grpcmw: Limiter is required")
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}
	if cfg.DeniedErrorHandler == nil {
		cfg.DeniedErrorHandler = defaultDeniedErrorHandler
	}
	return cfg
}

func (cfg Config) reject(ctx context.Context, d *windowlimit.Decision) error {
	resp, err := cfg.Limiter.Reject(d)
	if err != nil {
		return cfg.DeniedErrorHandler(ctx, err)
	}
	st := status.New(codeFor(resp.StatusCode), string(resp.Body))
	if d.RetryAfter > 0 {
		if withRetry, err := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(d.RetryAfter)}); err == nil {
			st = withRetry
		}
	}
	return st.Err()
}

// codeFor maps the status of a rejection response to the closest gRPC code.
func codeFor(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	default:
		return codes.ResourceExhausted
	}
}

// toMetadata lowercases header names as gRPC requires.
func toMetadata(h http.Header) metadata.MD {
	if h == nil {
		return nil
	}
	md := make(metadata.MD, len(h))
	for k, v := range h {
		md.Append(strings.ToLower(k), v...)
	}
	return md
}

func refund(ctx context.Context, l *windowlimit.Limiter, d *windowlimit.Decision) {
	if err := l.Refund(ctx, d); err != nil {
		l.Logger().Warn("refund failed", zap.String("key", d.Key), zap.Error(err))
	}
}

func refundOnPanic(ctx context.Context, l *windowlimit.Limiter, d *windowlimit.Decision) {
	if p := recover(); p != nil {
		refund(ctx, l, d)
		panic(p)
	}
}

func defaultErrorHandler(_ context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

func defaultDeniedErrorHandler(_ context.Context, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.ResourceExhausted, err.Error())
}
