// Package metrics is the Metrics & Admin component (spec.md §4.8, C8):
// total/per-service request and error counters, a bounded per-service
// latency ring, and the derived error-rate/avg-latency/p95/p99 reads the
// admin endpoints expose, grounded on the Prometheus
// promauto.NewCounterVec/NewHistogramVec pattern in
// services/api-gateway/internal/middleware.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxRetainedSamples is the N=1000 cap spec.md §3's invariant names.
const maxRetainedSamples = 1000

type serviceStats struct {
	mu         sync.Mutex
	requests   int64
	errors     int64
	latencies  []float64 // milliseconds, oldest-first, capped at maxRetainedSamples
}

func (s *serviceStats) record(latencyMS float64, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if isError {
		s.errors++
	}
	s.latencies = append(s.latencies, latencyMS)
	if len(s.latencies) > maxRetainedSamples {
		s.latencies = s.latencies[len(s.latencies)-maxRetainedSamples:]
	}
}

// Snapshot is a point-in-time read of one service's derived metrics.
type Snapshot struct {
	Requests      int64
	Errors        int64
	ErrorRate     float64
	AvgLatencyMS  float64
	P95LatencyMS  float64
	P99LatencyMS  float64
	CircuitState  string
	InstanceCount int
}

func (s *serviceStats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Requests: s.requests, Errors: s.errors}
	if s.requests > 0 {
		snap.ErrorRate = float64(s.errors) / float64(s.requests)
	}
	if len(s.latencies) == 0 {
		return snap
	}

	sorted := make([]float64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	snap.AvgLatencyMS = sum / float64(len(sorted))
	snap.P95LatencyMS = nearestRank(sorted, 0.95)
	snap.P99LatencyMS = nearestRank(sorted, 0.99)
	return snap
}

// nearestRank implements the nearest-rank percentile method spec.md §4.8
// calls for, over an already-sorted ascending slice.
func nearestRank(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Collector aggregates request/error counters and latency samples,
// total and per-service, and exports them both as Prometheus metrics
// (for real scraping) and as the normative admin JSON snapshot.
type Collector struct {
	promRequests *prometheus.CounterVec
	promErrors   *prometheus.CounterVec
	promLatency  *prometheus.HistogramVec

	registry *prometheus.Registry

	mu       sync.RWMutex
	total    serviceStats
	services map[string]*serviceStats
}

// NewCollector builds a Collector backed by its own Prometheus registry
// (rather than the global DefaultRegisterer, so tests can build multiple
// independent collectors without collector-already-registered panics).
func NewCollector(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		promRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_mesh_requests_total",
			Help: "Total upstream requests forwarded by the gateway.",
		}, []string{"service", "status_class"}),
		promErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_mesh_errors_total",
			Help: "Total upstream requests that resulted in an error.",
		}, []string{"service"}),
		promLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "gateway_mesh_upstream_latency_seconds",
			Help: "Upstream call latency in seconds.",
		}, []string{"service"}),
		services: make(map[string]*serviceStats),
	}
}

func (c *Collector) serviceStatsFor(serviceName string) *serviceStats {
	c.mu.RLock()
	s, ok := c.services[serviceName]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.services[serviceName]; ok {
		return s
	}
	s = &serviceStats{}
	c.services[serviceName] = s
	return s
}

// RecordUpstream records the outcome of one forwarded call. Implements
// proxy.MetricsSink.
func (c *Collector) RecordUpstream(serviceName string, statusCode int, latency time.Duration, transportErr bool) {
	isError := transportErr || statusCode >= 400
	latencyMS := float64(latency.Microseconds()) / 1000.0

	c.total.record(latencyMS, isError)
	c.serviceStatsFor(serviceName).record(latencyMS, isError)

	statusClass := "2xx"
	switch {
	case transportErr:
		statusClass = "transport_error"
	case statusCode >= 500:
		statusClass = "5xx"
	case statusCode >= 400:
		statusClass = "4xx"
	case statusCode >= 300:
		statusClass = "3xx"
	}
	c.promRequests.WithLabelValues(serviceName, statusClass).Inc()
	if isError {
		c.promErrors.WithLabelValues(serviceName).Inc()
	}
	c.promLatency.WithLabelValues(serviceName).Observe(latency.Seconds())
}

// TotalSnapshot returns the gateway-wide aggregate.
func (c *Collector) TotalSnapshot() Snapshot {
	return c.total.snapshot()
}

// ServiceSnapshot returns serviceName's aggregate, or a zero Snapshot if
// it has never recorded a call.
func (c *Collector) ServiceSnapshot(serviceName string) Snapshot {
	c.mu.RLock()
	s, ok := c.services[serviceName]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}
	}
	return s.snapshot()
}

// ServiceNames lists every service with at least one recorded call.
func (c *Collector) ServiceNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
