// Package windowlimit provides fixed-window request rate limiting as
// middleware for net/http, Gin, Echo, Fiber and gRPC.
//
// Every request is mapped to a key (by default the client address found in
// proxy headers). Each key may make Max requests per Window; the (Max+1)-th
// request in a window is rejected. Admitted and rejected responses carry the
// standard RateLimit-Limit, RateLimit-Remaining and RateLimit-Reset headers,
// and rejections add Retry-After.
//
// # Quick Start
//
//	limiter, err := windowlimit.New(
//	    windowlimit.WithMax(100),
//	    windowlimit.WithWindow(time.Minute),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer limiter.Close()
//
//	http.ListenAndServe(":8080", middleware.RateLimit(limiter)(mux))
//
// # Failed requests
//
// When the downstream handler fails, the request's unit of quota is refunded
// unless WithCountFailedRequest(true) is set. The failure itself always
// reaches the caller unchanged.
//
// # Skipping
//
// A SkipByRequest predicate runs before the key is derived; a
// SkipByRequestAndKey predicate receives the derived key. Skipped requests
// are forwarded untouched: no counting, no headers.
//
// # Scoping
//
// Each Limiter owns a private store. Pass the same store.Store to several
// limiters with WithStore to make them share one quota.
//
// # Framework-agnostic use
//
// [Limiter.Handle] takes a [Request] and a [Next] continuation and returns a
// buffered [Response], so the engine can sit in front of any handler chain.
package windowlimit
