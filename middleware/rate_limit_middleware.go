package middleware

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"wire-rpc/message"
	"wire-rpc/stream"
)

// ThrottleMiddleware limits handler starts with a token bucket. Requests over the
// rate wait for a token instead of failing, so the limit turns into backpressure on
// the connection. A request whose context ends first fails.
func ThrottleMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in io.Reader, sctx stream.Context) (*message.Netbuf, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, in, sctx)
		}
	}
}
