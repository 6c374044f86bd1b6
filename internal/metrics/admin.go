package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
)

// ServiceLister is the narrow slice of registry.Registry the admin
// endpoints read from.
type ServiceLister interface {
	ListServices() []gatewaytypes.Service
	ListInstances(serviceName string) ([]gatewaytypes.Instance, error)
}

// Admin exposes the GET /health, GET /metrics, GET /services endpoints
// (spec.md §4.8). Handler behavior is normative; route paths are
// illustrative and chosen to match spec.md exactly.
type Admin struct {
	collector             *Collector
	services              ServiceLister
	breakerState          func(serviceName string) string
	errorRateThreshold    float64
	avgLatencyThresholdMS float64
	startedAt             time.Time
}

// NewAdmin builds the admin handler set. breakerState resolves a
// service's current circuit-breaker state label; pass
// breakerStore.State(name).State's string form.
func NewAdmin(collector *Collector, services ServiceLister, breakerState func(string) string, errorRateThreshold, avgLatencyThresholdMS float64) *Admin {
	return &Admin{
		collector:             collector,
		services:              services,
		breakerState:          breakerState,
		errorRateThreshold:    errorRateThreshold,
		avgLatencyThresholdMS: avgLatencyThresholdMS,
		startedAt:             time.Now(),
	}
}

// healthResponse mirrors spec.md §4.8's normative /health body.
type healthResponse struct {
	Status       string  `json:"status"`
	ErrorRate    float64 `json:"errorRate"`
	AvgLatencyMS float64 `json:"avgLatencyMs"`
	UptimeSec    float64 `json:"uptimeSeconds"`
}

// Health implements GET /health: 200 "healthy" if the gateway-wide error
// rate is under the configured threshold AND average latency is under
// the configured threshold, else 503 "degraded".
func (a *Admin) Health(c *gin.Context) {
	snap := a.collector.TotalSnapshot()
	status := "healthy"
	httpStatus := http.StatusOK
	if snap.ErrorRate >= a.errorRateThreshold || snap.AvgLatencyMS >= a.avgLatencyThresholdMS {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, healthResponse{
		Status:       status,
		ErrorRate:    snap.ErrorRate,
		AvgLatencyMS: snap.AvgLatencyMS,
		UptimeSec:    time.Since(a.startedAt).Seconds(),
	})
}

type serviceMetrics struct {
	Name          string  `json:"name"`
	Requests      int64   `json:"requests"`
	Errors        int64   `json:"errors"`
	ErrorRate     float64 `json:"errorRate"`
	AvgLatencyMS  float64 `json:"avgLatencyMs"`
	P95LatencyMS  float64 `json:"p95LatencyMs"`
	P99LatencyMS  float64 `json:"p99LatencyMs"`
	CircuitState  string  `json:"circuitState"`
	InstanceCount int     `json:"instanceCount"`
}

type metricsResponse struct {
	Total    serviceMetrics   `json:"total"`
	Services []serviceMetrics `json:"services"`
}

// Metrics implements GET /metrics: a structured JSON snapshot of every
// counter and derived value, distinct from a Prometheus text exposition
// (that is served separately; see Admin.Prometheus).
func (a *Admin) Metrics(c *gin.Context) {
	total := a.collector.TotalSnapshot()
	resp := metricsResponse{
		Total: serviceMetrics{
			Name: "__total__", Requests: total.Requests, Errors: total.Errors,
			ErrorRate: total.ErrorRate, AvgLatencyMS: total.AvgLatencyMS,
			P95LatencyMS: total.P95LatencyMS, P99LatencyMS: total.P99LatencyMS,
		},
	}

	for _, svc := range a.services.ListServices() {
		snap := a.collector.ServiceSnapshot(svc.Name)
		instances, _ := a.services.ListInstances(svc.Name)
		resp.Services = append(resp.Services, serviceMetrics{
			Name: svc.Name, Requests: snap.Requests, Errors: snap.Errors,
			ErrorRate: snap.ErrorRate, AvgLatencyMS: snap.AvgLatencyMS,
			P95LatencyMS: snap.P95LatencyMS, P99LatencyMS: snap.P99LatencyMS,
			CircuitState:  a.breakerState(svc.Name),
			InstanceCount: len(instances),
		})
	}

	c.JSON(http.StatusOK, resp)
}

type serviceListEntry struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// Prometheus serves the raw Prometheus text exposition of the
// collector's counters and histograms, mounted at a separate
// operator-facing path (e.g. /admin/prometheus) distinct from this
// spec's normative GET /metrics JSON snapshot.
func (a *Admin) Prometheus() http.Handler {
	return promhttp.HandlerFor(a.collector.registry, promhttp.HandlerOpts{})
}

// Services implements GET /services: the registered service list with
// current endpoints.
func (a *Admin) Services(c *gin.Context) {
	var entries []serviceListEntry
	for _, svc := range a.services.ListServices() {
		instances, _ := a.services.ListInstances(svc.Name)
		endpoints := make([]string, 0, len(instances))
		for _, inst := range instances {
			endpoints = append(endpoints, inst.Addr())
		}
		entries = append(entries, serviceListEntry{Name: svc.Name, Version: svc.Config.Version, Endpoints: endpoints})
	}
	c.JSON(http.StatusOK, gin.H{"services": entries})
}
