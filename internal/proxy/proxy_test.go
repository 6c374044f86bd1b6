package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mir00r/gateway-mesh/internal/gatewayerr"
	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/obslog"
)

type fakeBreaker struct {
	successes, failures int
}

func (f *fakeBreaker) ReportSuccess(string) { f.successes++ }
func (f *fakeBreaker) ReportFailure(string) { f.failures++ }

type fakeMetrics struct {
	calls int
}

func (f *fakeMetrics) RecordUpstream(string, int, time.Duration, bool) { f.calls++ }

func instanceFor(t *testing.T, rawURL string) gatewaytypes.Instance {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return gatewaytypes.Instance{ServiceName: "billing", Host: host, Port: port}
}

func TestForwardSuccessReportsBreakerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	breaker := &fakeBreaker{}
	metrics := &fakeMetrics{}
	p := New(2*time.Second, breaker, metrics, obslog.New(false), "gateway-mesh", "1.0.0")

	resp, err := p.Forward(context.Background(), http.MethodGet, "/accounts", "req-1", "v1", instanceFor(t, srv.URL), http.Header{}, nil)
	require.Nil(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "billing", resp.Header.Get("X-Service-Name"))
	assert.Equal(t, 1, breaker.successes)
	assert.Equal(t, 1, metrics.calls)
}

func TestForwardUpstream5xxCountsAsBreakerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := &fakeBreaker{}
	metrics := &fakeMetrics{}
	p := New(2*time.Second, breaker, metrics, obslog.New(false), "gateway-mesh", "1.0.0")

	resp, err := p.Forward(context.Background(), http.MethodGet, "/x", "req-1", "v1", instanceFor(t, srv.URL), http.Header{}, nil)
	require.Nil(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 1, breaker.failures)
}

func TestForwardTimeoutMapsToGatewayTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	breaker := &fakeBreaker{}
	metrics := &fakeMetrics{}
	p := New(5*time.Millisecond, breaker, metrics, obslog.New(false), "gateway-mesh", "1.0.0")

	_, err := p.Forward(context.Background(), http.MethodGet, "/x", "req-1", "v1", instanceFor(t, srv.URL), http.Header{}, nil)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.GatewayTimeout, err.Kind)
	assert.Equal(t, 1, breaker.failures)
}

func TestForwardTransportErrorMapsToBadGateway(t *testing.T) {
	breaker := &fakeBreaker{}
	metrics := &fakeMetrics{}
	p := New(2*time.Second, breaker, metrics, obslog.New(false), "gateway-mesh", "1.0.0")

	inst := gatewaytypes.Instance{ServiceName: "billing", Host: "127.0.0.1", Port: 1}
	_, err := p.Forward(context.Background(), http.MethodGet, "/x", "req-1", "v1", inst, http.Header{}, nil)
	require.NotNil(t, err)
	assert.Equal(t, gatewayerr.BadGateway, err.Kind)
	assert.Equal(t, 1, breaker.failures)
}

func TestForwardClientDisconnectBeforeDialDoesNotCountAsBreakerFailure(t *testing.T) {
	breaker := &fakeBreaker{}
	metrics := &fakeMetrics{}
	p := New(2*time.Second, breaker, metrics, obslog.New(false), "gateway-mesh", "1.0.0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inst := gatewaytypes.Instance{ServiceName: "billing", Host: "127.0.0.1", Port: 1}
	_, err := p.Forward(ctx, http.MethodGet, "/x", "req-1", "v1", inst, http.Header{}, nil)
	require.NotNil(t, err)
	assert.Equal(t, 0, breaker.failures)
}

func TestStripServicePrefix(t *testing.T) {
	assert.Equal(t, "/accounts/42", StripServicePrefix("/v1/billing/accounts/42", "v1", "billing"))
	assert.Equal(t, "/", StripServicePrefix("/v1/billing", "v1", "billing"))
}

func TestStripServicePrefixNoMatch(t *testing.T) {
	assert.True(t, strings.HasPrefix(StripServicePrefix("/v1/other/x", "v1", "billing"), "/v1/other"))
}
