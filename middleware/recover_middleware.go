package middleware

import (
	"context"
	"fmt"
	"io"

	"wire-rpc/message"
	"wire-rpc/stream"
)

// RecoverMiddleware turns a handler panic into an error, and so into a
// server_error response, instead of killing the process.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in io.Reader, sctx stream.Context) (nb *message.Netbuf, err error) {
			defer func() {
				if r := recover(); r != nil {
					nb, err = nil, fmt.Errorf("middleware: handler panic: %v", r)
				}
			}()
			return next(ctx, in, sctx)
		}
	}
}
