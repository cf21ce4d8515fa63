package middleware

import (
	"context"
	"time"

	"mpack-rpc/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Bool("notification", req.Notification),
				zap.Duration("duration", time.Since(start)),
			}
			if !req.Notification {
				fields = append(fields, zap.Uint32("id", req.ID))
			}
			if err := resp.Err(); err != nil {
				logger.Warn("rpc request failed", append(fields, zap.Error(err))...)
				return resp
			}
			logger.Info("rpc request", fields...)
			return resp
		}
	}
}
