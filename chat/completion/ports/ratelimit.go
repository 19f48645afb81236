package completionports

import "context"

// RateLimiter bounds how often turns may start.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
