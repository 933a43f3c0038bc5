package harnessports

import "context"

// RateLimiter coordinates throughput of inference calls across sessions.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
