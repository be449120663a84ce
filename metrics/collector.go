package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports dispatch outcomes to Prometheus. It is optional; the server
// works without one.
type Collector struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight prometheus.Gauge
}

func NewCollector(namespace, server string) *Collector {
	labels := prometheus.Labels{"server": server}
	return &Collector{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "rpc",
				Name:        "requests_total",
				Help:        "Dispatched requests by method and status.",
				ConstLabels: labels,
			},
			[]string{"method", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "rpc",
				Name:        "request_duration_seconds",
				Help:        "Handler latency in seconds.",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "inflight_requests",
			Help:        "Requests currently being handled.",
			ConstLabels: labels,
		}),
	}
}

// Register adds the collectors to reg. Already-registered collectors are not an error.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.requests, c.latency, c.inflight} {
		if err := reg.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Collector) Begin() { c.inflight.Inc() }

// UnknownMethod labels every id with no registered handler.
const UnknownMethod = "unknown"

// MethodLabel returns the method label for id.
func MethodLabel(id uint32, registered bool) string {
	if !registered {
		return UnknownMethod
	}
	return strconv.FormatUint(uint64(id), 10)
}

// Observe records one finished request under the method label from MethodLabel.
func (c *Collector) Observe(method string, status uint32, d time.Duration) {
	c.inflight.Dec()
	c.requests.WithLabelValues(method, strconv.FormatUint(uint64(status), 10)).Inc()
	c.latency.WithLabelValues(method).Observe(d.Seconds())
}

// Requests exposes the request counter, mainly for tests.
func (c *Collector) Requests() *prometheus.CounterVec { return c.requests }
