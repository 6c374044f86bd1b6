package orchestrator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mir00r/gateway-mesh/internal/config"
	"github.com/Mir00r/gateway-mesh/internal/gatewayerr"
	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/obslog"
	"github.com/Mir00r/gateway-mesh/internal/pipeline"
)

func testConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	host, port := splitHostPort(t, upstream)
	return &config.Config{
		ListenPort: 0,
		Name:       "gateway-mesh",
		Version:    "test",
		Services: []config.ServiceSpec{
			{
				Name:    "billing",
				Version: "v1",
				Instances: []config.InstanceSpec{
					{Host: host, Port: port, Weight: 1, HealthPath: "/health"},
				},
				Circuit: config.CircuitSpec{FailureThreshold: 5, OpenTimeoutMS: 60_000, HalfOpenSuccessesRequired: 3},
				RateLimit: config.RateLimitSpec{
					Algorithm: "fixed", WindowMS: 60_000, Max: 100, KeyStrategy: "ip",
				},
			},
		},
		Policies: config.Policies{
			Bypass:       []string{"/health"},
			MaxBodyBytes: 10 << 20,
			RateLimit: config.RateLimitDefault{
				Algorithm: "fixed", WindowMS: 60_000, Max: 100, KeyStrategy: "ip", Backend: "memory",
			},
		},
		Timeouts: config.Timeouts{
			UpstreamMS: 2_000, ProbeMS: 1_000, ProbeIntervalMS: 50, ShutdownGraceMS: 1_000,
		},
		Health: config.HealthConfig{ErrorRateThreshold: 0.5, AvgLatencyThresholdMS: 5000},
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestStartRegistersConfiguredServicesAndInstances(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	o, err := New(cfg, obslog.New(false))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, o.Start(ctx))
	assert.Equal(t, StateRunning, o.State())

	instances, err := o.Registry.ListInstances("billing")
	require.NoError(t, err)
	require.Len(t, instances, 1)

	o.Shutdown(time.Second)
	assert.Equal(t, StateStopped, o.State())
}

func TestResolveRejectsUnknownService(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	o, err := New(cfg, obslog.New(false))
	require.NoError(t, err)

	_, _, gerr := o.Resolve(pipeline.Input{Method: "GET", Path: "/x", RemoteIP: "10.0.0.1"}, "unknown-service")
	require.NotNil(t, gerr)
	assert.Equal(t, gatewayerr.NotFound, gerr.Kind)
}

func TestResolveTracksActiveConnectionsUntilRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	o, err := New(cfg, obslog.New(false))
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	defer o.Shutdown(time.Second)

	// Only healthy instances are selectable; mark the one instance healthy
	// instead of waiting for the first probe tick.
	registered, err := o.Registry.ListInstances("billing")
	require.NoError(t, err)
	require.Len(t, registered, 1)
	require.NoError(t, o.Registry.SetHealth("billing", registered[0].ID, gatewaytypes.HealthHealthy, time.Now()))

	_, instance, gerr := o.Resolve(pipeline.Input{Method: "GET", Path: "/v1/billing/x", RemoteIP: "10.0.0.1"}, "billing")
	require.Nil(t, gerr)

	instances, err := o.Registry.ListInstances("billing")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.EqualValues(t, 1, instances[0].ActiveConns)

	o.Release("billing", instance)

	instances, err = o.Registry.ListInstances("billing")
	require.NoError(t, err)
	assert.EqualValues(t, 0, instances[0].ActiveConns)
}
