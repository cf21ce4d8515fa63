package middleware

import (
	"context"

	"mpack-rpc/message"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimitMiddleware runs at most max handlers at once. Requests
// beyond that wait for a free slot; a request whose context ends while
// waiting is answered with an error.
func ConcurrencyLimitMiddleware(max int) Middleware {
	if max < 1 {
		panic("middleware: concurrency limit must be at least 1")
	}
	sem := semaphore.NewWeighted(int64(max))
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if err := sem.Acquire(ctx, 1); err != nil {
				return message.ErrorResponse(req.ID, "server busy: "+err.Error())
			}
			defer sem.Release(1)
			return next(ctx, req)
		}
	}
}
