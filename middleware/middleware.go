// Package middleware defines the method handler signature and the onion-style
// chain wrapped around every registered handler.
package middleware

import (
	"context"
	"io"

	"wire-rpc/message"
	"wire-rpc/stream"
)

// HandlerFunc serves one request. in holds the verified, decompressed payload.
// The returned netbuf is the response body; its correlation id is overwritten by
// the dispatcher. A nil netbuf with a nil error is an empty success response.
type HandlerFunc func(ctx context.Context, in io.Reader, sctx stream.Context) (*message.Netbuf, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
