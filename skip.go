package windowlimit

import "context"

// SkipByRequest decides from the request alone whether to bypass accounting.
// The key is only derived after the predicate declines, so skipped requests
// never pay for key generation.
type SkipByRequest interface {
	Skip(ctx context.Context, req Request) bool
}

// SkipByRequestAndKey decides with the derived key at hand. The key is
// generated before the predicate runs.
type SkipByRequestAndKey interface {
	SkipKey(ctx context.Context, req Request, key string) bool
}

// SkipFunc adapts a function to SkipByRequest.
type SkipFunc func(ctx context.Context, req Request) bool

func (f SkipFunc) Skip(ctx context.Context, req Request) bool { return f(ctx, req) }

// SkipKeyFunc adapts a function to SkipByRequestAndKey.
type SkipKeyFunc func(ctx context.Context, req Request, key string) bool

func (f SkipKeyFunc) SkipKey(ctx context.Context, req Request, key string) bool {
	return f(ctx, req, key)
}

// SkipPaths skips requests whose path matches one of paths exactly.
func SkipPaths(paths ...string) SkipFunc {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(_ context.Context, req Request) bool {
		if req == nil {
			return false
		}
		_, ok := set[req.Path()]
		return ok
	}
}

// SkipKeys skips the given keys, e.g. an allow-list of internal clients.
func SkipKeys(keys ...string) SkipKeyFunc {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return func(_ context.Context, _ Request, key string) bool {
		_, ok := set[key]
		return ok
	}
}

// skipper holds whichever predicate shape was configured.
type skipper struct {
	byRequest SkipByRequest
	byKey     SkipByRequestAndKey
}

func (s skipper) needsKey() bool { return s.byKey != nil }

func (s skipper) skip(ctx context.Context, req Request, key string) bool {
	switch {
	case s.byKey != nil:
		return s.byKey.SkipKey(ctx, req, key)
	case s.byRequest != nil:
		return s.byRequest.Skip(ctx, req)
	default:
		return false
	}
}
