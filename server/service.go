package server

import (
	"errors"
	"fmt"
	"sort"

	"wire-rpc/metrics"
	"wire-rpc/middleware"
)

var (
	ErrServerStarted   = errors.New("server: methods cannot be registered after Serve")
	ErrDuplicateMethod = errors.New("server: method id already registered")
	ErrNilHandler      = errors.New("server: nil handler")
)

// Method is one entry of the dispatch table: the handler for a method id and its
// latency histogram.
type Method struct {
	ID     uint32
	Handle middleware.HandlerFunc
	Probes *metrics.MethodProbes
}

// Service is a group of methods registered together, the shape of a generated
// service stub.
type Service interface {
	Methods() map[uint32]middleware.HandlerFunc
}

// ServiceFunc adapts a plain map to Service.
type ServiceFunc map[uint32]middleware.HandlerFunc

func (s ServiceFunc) Methods() map[uint32]middleware.HandlerFunc { return s }

// Register adds one method to the dispatch table.
func (svr *Server) Register(id uint32, h middleware.HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("%w: method %d", ErrNilHandler, id)
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.started {
		return ErrServerStarted
	}
	if _, ok := svr.methods[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateMethod, id)
	}
	svr.methods[id] = &Method{ID: id, Handle: h, Probes: metrics.NewMethodProbes()}
	return nil
}

// RegisterService registers every method of svc. Nothing is registered if any id
// is already taken.
func (svr *Server) RegisterService(svc Service) error {
	methods := svc.Methods()
	ids := make([]uint32, 0, len(methods))
	for id := range methods {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	svr.mu.Lock()
	if svr.started {
		svr.mu.Unlock()
		return ErrServerStarted
	}
	for _, id := range ids {
		if _, ok := svr.methods[id]; ok {
			svr.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrDuplicateMethod, id)
		}
		if methods[id] == nil {
			svr.mu.Unlock()
			return fmt.Errorf("%w: method %d", ErrNilHandler, id)
		}
	}
	for _, id := range ids {
		svr.methods[id] = &Method{ID: id, Handle: methods[id], Probes: metrics.NewMethodProbes()}
	}
	svr.mu.Unlock()
	return nil
}

// Method returns the dispatch record for id.
func (svr *Server) Method(id uint32) (*Method, bool) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	m, ok := svr.methods[id]
	return m, ok
}
