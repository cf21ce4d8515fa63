// Package middleware wraps request handlers.
//
// A HandlerFunc serves one inbound request or notification. For a
// notification the returned response is discarded.
package middleware

import (
	"context"

	"mpack-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
