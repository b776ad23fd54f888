package windowlimit

import (
	"context"
	"net"
	"strings"

	"go.uber.org/zap"
)

// Derived carries values derived earlier in the request pipeline. The limiter
// passes an empty map; wrappers may pre-populate it.
type Derived map[string]any

// KeyGenerator derives the counter key for a request. server is the handle
// returned by the InjectServer accessor, or nil.
type KeyGenerator interface {
	GenerateKey(ctx context.Context, req Request, server any, derived Derived) (string, error)
}

// GeneratorFunc adapts a function to KeyGenerator.
type GeneratorFunc func(ctx context.Context, req Request, server any, derived Derived) (string, error)

func (f GeneratorFunc) GenerateKey(ctx context.Context, req Request, server any, derived Derived) (string, error) {
	return f(ctx, req, server, derived)
}

// KeyFunc adapts a plain request-to-key function to KeyGenerator.
type KeyFunc func(req Request) string

func (f KeyFunc) GenerateKey(_ context.Context, req Request, _ any, _ Derived) (string, error) {
	return f(req), nil
}

// Headers consulted by HeaderKeyGenerator, in priority order.
const (
	HeaderRealIP         = "X-Real-IP"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderCFConnectingIP = "CF-Connecting-IP"
	HeaderClientIP       = "X-Client-IP"
)

// UserAgentKeyPrefix marks keys derived from the User-Agent fallback so they
// never collide with an address.
const UserAgentKeyPrefix = "ua:"

// HeaderKeyGenerator is the default KeyGenerator. It identifies the client
// from proxy headers: X-Real-IP, the first X-Forwarded-For entry,
// CF-Connecting-IP, then X-Client-IP. When none is present it falls back to
// "ua:" plus the User-Agent and logs a warning. A nil request yields the
// empty key, which is still a valid bucket.
type HeaderKeyGenerator struct {
	// Logger receives degradation warnings. Nil means zap.L().
	Logger *zap.Logger
}

func (g HeaderKeyGenerator) GenerateKey(_ context.Context, req Request, _ any, _ Derived) (string, error) {
	log := g.Logger
	if log == nil {
		log = zap.L()
	}

	if req == nil {
		log.Warn("failed to determine client address", zap.String("reason", "request is nil"))
		return "", nil
	}

	if addr := ClientAddress(req); addr != "" {
		log.Debug("client address resolved", zap.String("client_address", addr))
		return addr, nil
	}

	log.Warn("failed to determine client address from headers, falling back to user agent",
		zap.String("method", req.Method()),
		zap.String("path", req.Path()),
	)
	ua := req.Header("User-Agent")
	if ua == "" {
		ua = "unknown"
	}
	return UserAgentKeyPrefix + ua, nil
}

// ClientAddress returns the client address carried by proxy headers, or ""
// when none is present.
func ClientAddress(req Request) string {
	if v := strings.TrimSpace(req.Header(HeaderRealIP)); v != "" {
		return v
	}
	if xff := req.Header(HeaderForwardedFor); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if v := strings.TrimSpace(req.Header(HeaderCFConnectingIP)); v != "" {
		return v
	}
	if v := strings.TrimSpace(req.Header(HeaderClientIP)); v != "" {
		return v
	}
	return ""
}

// PeerHost returns the host part of the connection's peer address when req
// implements RemoteAddresser, or "" otherwise.
func PeerHost(req Request) string {
	ra, ok := req.(RemoteAddresser)
	if !ok {
		return ""
	}
	addr := ra.RemoteAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// KeyByIP keys requests by ClientAddress, falling back to the connection's
// peer host. Unlike HeaderKeyGenerator it never uses the User-Agent.
func KeyByIP(req Request) string {
	if req == nil {
		return ""
	}
	if addr := ClientAddress(req); addr != "" {
		return addr
	}
	return PeerHost(req)
}

// KeyByHeader returns a KeyGenerator that uses the value of the given header,
// e.g. an API key or an authenticated principal set by an upstream proxy.
func KeyByHeader(header string) KeyGenerator {
	return KeyFunc(func(req Request) string {
		if req == nil {
			return ""
		}
		return req.Header(header)
	})
}

// KeyByPathAndIP combines the request path with the client address for
// per-endpoint limits. Requests without proxy headers share "path:".
func KeyByPathAndIP(req Request) string {
	if req == nil {
		return ""
	}
	return req.Path() + ":" + ClientAddress(req)
}
