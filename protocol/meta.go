package protocol

import "fmt"

// Status is the response code carried in Meta. Values follow well-known HTTP codes.
type Status uint32

const (
	StatusSuccess        Status = 200
	StatusMethodNotFound Status = 404
	StatusRequestTimeout Status = 408
	StatusServerError    Status = 500
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusMethodNotFound:
		return "method_not_found"
	case StatusRequestTimeout:
		return "request_timeout"
	case StatusServerError:
		return "server_error"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// Err maps a non-success status to its sentinel error. Success maps to nil.
func (s Status) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusMethodNotFound:
		return ErrMethodNotFound
	case StatusRequestTimeout:
		return ErrRequestTimeout
	case StatusServerError:
		return ErrServerError
	default:
		return fmt.Errorf("%w: %d", ErrUnknownStatus, uint32(s))
	}
}

// MethodID identifies a method in the server's dispatch table.
type MethodID uint32

// Meta is the value stored in the header's meta slot. It is either a MethodID
// (requests) or a Status (responses); both encode to the same 4 bytes.
type Meta interface {
	Wire() uint32
	isMeta()
}

func (m MethodID) Wire() uint32 { return uint32(m) }
func (MethodID) isMeta()        {}

func (s Status) Wire() uint32 { return uint32(s) }
func (Status) isMeta()        {}

// Direction tells a reader which Meta variant a header carries.
type Direction int

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

// DecodeMeta interprets a raw meta value according to the message direction.
func DecodeMeta(dir Direction, raw uint32) Meta {
	if dir == DirectionResponse {
		return Status(raw)
	}
	return MethodID(raw)
}
