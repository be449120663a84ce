// Package metrics holds the per-method latency probes and the optional Prometheus
// export hook.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	minTrackable = int64(time.Microsecond)
	maxTrackable = int64(120 * time.Second)
)

// MethodProbes records the latency of one method. Durations are stored in
// microseconds and clamped to 120s.
type MethodProbes struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func NewMethodProbes() *MethodProbes {
	return &MethodProbes{
		hist: hdrhistogram.New(minTrackable/int64(time.Microsecond), maxTrackable/int64(time.Microsecond), 3),
	}
}

func (p *MethodProbes) Record(d time.Duration) {
	v := int64(d / time.Microsecond)
	if v < 1 {
		v = 1
	}
	if max := maxTrackable / int64(time.Microsecond); v > max {
		v = max
	}
	p.mu.Lock()
	// v is clamped into range, so RecordValue cannot fail.
	_ = p.hist.RecordValue(v)
	p.mu.Unlock()
}

func (p *MethodProbes) Count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hist.TotalCount()
}

// ValueAtQuantile returns the latency at q, with q in [0, 100].
func (p *MethodProbes) ValueAtQuantile(q float64) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.hist.ValueAtQuantile(q)) * time.Microsecond
}

// Snapshot returns an exportable copy of the histogram.
func (p *MethodProbes) Snapshot() *hdrhistogram.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hist.Export()
}
