package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMethodProbes(t *testing.T) {
	p := NewMethodProbes()
	p.Record(2 * time.Millisecond)
	p.Record(4 * time.Millisecond)
	// Out-of-range samples are clamped, not dropped.
	p.Record(0)
	p.Record(10 * time.Minute)

	if p.Count() != 4 {
		t.Fatalf("expect 4 samples, got %d", p.Count())
	}
	if max := p.ValueAtQuantile(100); max < 119*time.Second || max > 121*time.Second {
		t.Fatalf("expect max clamped near 120s, got %v", max)
	}
	if p.Snapshot().HighestTrackableValue != int64(120*time.Second/time.Microsecond) {
		t.Errorf("unexpected highest trackable value")
	}
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("wirerpc", "test")
	if err := c.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := c.Register(reg); err != nil {
		t.Fatalf("second Register should be tolerated: %v", err)
	}

	c.Begin()
	c.Observe(MethodLabel(7, true), 200, time.Millisecond)
	c.Begin()
	c.Observe(MethodLabel(7, true), 500, time.Millisecond)

	if got := testutil.ToFloat64(c.Requests().WithLabelValues("7", "200")); got != 1 {
		t.Fatalf("expect 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(c.inflight); got != 0 {
		t.Fatalf("expect 0 inflight, got %v", got)
	}
}

func TestCollectorUnknownMethodsShareOneSeries(t *testing.T) {
	c := NewCollector("wirerpc", "test")
	for id := uint32(1000); id < 1100; id++ {
		c.Begin()
		c.Observe(MethodLabel(id, false), 404, time.Microsecond)
	}
	if n := testutil.CollectAndCount(c.Requests()); n != 1 {
		t.Fatalf("expect one series for unregistered ids, got %d", n)
	}
	if got := testutil.ToFloat64(c.Requests().WithLabelValues(UnknownMethod, "404")); got != 100 {
		t.Fatalf("expect 100 requests under %q, got %v", UnknownMethod, got)
	}
}
