// Package resource implements the shared memory budget that backs inbound buffering
// and outbound queueing.
//
// A Pool hands out Units. Reserve blocks while the budget is exhausted, which is how a
// slow consumer pushes back on a fast producer. Units must be released exactly once;
// a second Release is a no-op.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrExceedsCapacity = errors.New("resource: reservation exceeds pool capacity")

// Pool is a weighted budget shared by every connection of one shard.
type Pool struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64
}

func NewPool(name string, capacity int64) *Pool {
	return &Pool{
		name:     name,
		capacity: capacity,
		sem:      semaphore.NewWeighted(capacity),
	}
}

// Reserve blocks until n units are available or ctx is done.
// A request larger than the whole pool can never be granted and fails immediately.
// A nil pool grants every request without accounting.
func (p *Pool) Reserve(ctx context.Context, n int64) (*Units, error) {
	if p == nil {
		return &Units{n: n}, nil
	}
	if n > p.capacity {
		return nil, fmt.Errorf("%w: %s wants %d of %d", ErrExceedsCapacity, p.name, n, p.capacity)
	}
	if err := p.sem.Acquire(ctx, n); err != nil {
		return nil, err
	}
	p.inUse.Add(n)
	return &Units{pool: p, n: n}, nil
}

func (p *Pool) Capacity() int64 { return p.capacity }

// InUse is the number of units currently held.
func (p *Pool) InUse() int64 { return p.inUse.Load() }

// Available is the number of units not currently held.
func (p *Pool) Available() int64 { return p.capacity - p.inUse.Load() }

func (p *Pool) Name() string { return p.name }

// Units is a granted reservation.
type Units struct {
	pool     *Pool
	n        int64
	released atomic.Bool
}

// Count is the size of the reservation.
func (u *Units) Count() int64 {
	if u == nil {
		return 0
	}
	return u.n
}

// Release returns the units to their pool. Safe to call on nil and more than once.
func (u *Units) Release() {
	if u == nil || !u.released.CompareAndSwap(false, true) {
		return
	}
	if u.pool != nil {
		u.pool.inUse.Add(-u.n)
		u.pool.sem.Release(u.n)
	}
}

// Set holds several reservations that are released together.
type Set struct {
	mu    sync.Mutex
	units []*Units
}

func NewSet(units ...*Units) *Set {
	s := &Set{}
	for _, u := range units {
		s.Add(u)
	}
	return s
}

// Add takes ownership of u.
func (s *Set) Add(u *Units) {
	if u == nil {
		return
	}
	s.mu.Lock()
	s.units = append(s.units, u)
	s.mu.Unlock()
}

// Count is the total size of all held reservations.
func (s *Set) Count() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, u := range s.units {
		total += u.n
	}
	return total
}

// Release releases every held reservation. Safe to call on nil and more than once.
func (s *Set) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	units := s.units
	s.units = nil
	s.mu.Unlock()
	for _, u := range units {
		u.Release()
	}
}
