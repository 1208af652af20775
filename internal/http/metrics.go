package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	latencyBuckets = []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 10, 60, 300, 1800}
	archiveBuckets = prometheus.ExponentialBuckets(64<<10, 4, 8)
)

// apiMetrics are the collectors owned by the router. Routers built in the
// same process share the registered instances.
type apiMetrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	limited      *prometheus.CounterVec
	streams      *prometheus.GaugeVec
	archiveBytes prometheus.Histogram
}

func newAPIMetrics() *apiMetrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "launchpad",
			Subsystem: "api",
			Name:      name,
			Help:      help,
		}, labels)
	}
	return &apiMetrics{
		requests: register(counter("http_requests_total", "Processed HTTP requests by route and status", "method", "route", "status")),
		latency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "launchpad",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Handler latency including synchronous deploys",
			Buckets:   latencyBuckets,
		}, []string{"method", "route"})),
		limited: register(counter("rate_limited_total", "Requests rejected by the rate limiter", "route", "key_kind")),
		streams: register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "launchpad",
			Subsystem: "api",
			Name:      "open_streams",
			Help:      "Log and runtime streams currently attached",
		}, []string{"transport"})),
		archiveBytes: register(prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "launchpad",
			Subsystem: "api",
			Name:      "archive_upload_bytes",
			Help:      "Size of uploaded source archives",
			Buckets:   archiveBuckets,
		})),
	}
}

// register adds c to the default registry, or returns the collector that an
// earlier router already registered under the same descriptor.
func register[T prometheus.Collector](c T) T {
	err := prometheus.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	return c
}

func (m *apiMetrics) observeRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(took.Seconds())
}

func (m *apiMetrics) rateLimited(route, key string) {
	if m == nil {
		return
	}
	m.limited.WithLabelValues(route, rateMetricKey(key)).Inc()
}

// streamOpened increments the gauge and returns the matching decrement.
func (m *apiMetrics) streamOpened(transport string) func() {
	if m == nil {
		return func() {}
	}
	g := m.streams.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

func (m *apiMetrics) archiveUploaded(size int) {
	if m == nil {
		return
	}
	m.archiveBytes.Observe(float64(size))
}
