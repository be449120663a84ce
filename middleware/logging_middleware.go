package middleware

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"wire-rpc/message"
	"wire-rpc/stream"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in io.Reader, sctx stream.Context) (*message.Netbuf, error) {
			start := time.Now()
			nb, err := next(ctx, in, sctx)
			h := sctx.Header()
			fields := []zap.Field{
				zap.Uint32("method", uint32(h.MethodID())),
				zap.Uint32("correlation_id", h.CorrelationID),
				zap.Uint32("payload_size", h.PayloadSize),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("handler failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("handler done", fields...)
			}
			return nb, err
		}
	}
}
