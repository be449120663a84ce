package middleware

import (
	"context"
	"errors"
	"io"
	"time"

	"wire-rpc/message"
	"wire-rpc/stream"
)

// ErrHandlerTimeout is returned when a handler does not finish within its budget.
// The dispatcher answers it with status request_timeout.
var ErrHandlerTimeout = errors.New("middleware: handler timed out")

type result struct {
	nb  *message.Netbuf
	err error
}

// TimeOutMiddleware bounds handler execution. The handler keeps running after the
// deadline; it is expected to honour ctx.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in io.Reader, sctx stream.Context) (*message.Netbuf, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				nb, err := next(ctx, in, sctx)
				done <- result{nb, err}
			}()

			select {
			case r := <-done:
				return r.nb, r.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}
