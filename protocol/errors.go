package protocol

import "errors"

// Framing errors. Any of these is fatal to the connection that produced it.
var (
	ErrShortHeader            = errors.New("protocol: short header")
	ErrHeaderChecksum         = errors.New("protocol: header checksum mismatch")
	ErrPayloadChecksum        = errors.New("protocol: payload checksum mismatch")
	ErrUnsupportedVersion     = errors.New("protocol: unsupported header version")
	ErrUnsupportedCompression = errors.New("protocol: unsupported compression type")
	ErrPayloadTooLarge        = errors.New("protocol: payload too large")
)

// Negotiation errors.
var (
	ErrShortNegotiation = errors.New("protocol: short negotiation frame")
	ErrVersionMismatch  = errors.New("protocol: negotiation version mismatch")
)

// Response status errors, surfaced to callers of a call.
var (
	ErrMethodNotFound = errors.New("rpc: method not found")
	ErrRequestTimeout = errors.New("rpc: request timeout")
	ErrServerError    = errors.New("rpc: server error")
	ErrUnknownStatus  = errors.New("rpc: unknown status")
)

// IsFraming reports whether err is a framing corruption that must close the connection.
func IsFraming(err error) bool {
	return errors.Is(err, ErrShortHeader) ||
		errors.Is(err, ErrHeaderChecksum) ||
		errors.Is(err, ErrPayloadChecksum) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrUnsupportedCompression) ||
		errors.Is(err, ErrPayloadTooLarge)
}
