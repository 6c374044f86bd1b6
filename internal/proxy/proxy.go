// Package proxy is the Reverse Proxy (spec.md §4.7, C7): path rewrite,
// header injection, per-request timeout, and upstream error mapping,
// grounded on the teacher's enhanced-architecture/api-gateway
// internal/handler.Handler (httputil.ReverseProxy Director/ErrorHandler
// pattern), rebuilt around a plain *http.Client so upstream failures
// resolve to this gateway's error taxonomy instead of being written
// straight to the ResponseWriter.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/Mir00r/gateway-mesh/internal/gatewayerr"
	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/obslog"
)

// BreakerReporter is the narrow slice of breaker.Store the proxy needs.
type BreakerReporter interface {
	ReportSuccess(serviceName string)
	ReportFailure(serviceName string)
}

// MetricsSink is the narrow slice of the metrics collector the proxy
// reports outcomes to.
type MetricsSink interface {
	RecordUpstream(serviceName string, statusCode int, latency time.Duration, transportErr bool)
}

// Proxy forwards admitted requests to a resolved upstream instance. It
// never retries (spec.md §4.7): the mesh-call/retry layer is out of this
// core's scope.
type Proxy struct {
	client          *http.Client
	breaker         BreakerReporter
	metrics         MetricsSink
	log             obslog.Sink
	gatewayName     string
	gatewayVersion  string
}

// New builds a Proxy. upstreamTimeout bounds each forwarded call
// end-to-end (spec.md §4.7 default 30s).
func New(upstreamTimeout time.Duration, breaker BreakerReporter, metrics MetricsSink, log obslog.Sink, gatewayName, gatewayVersion string) *Proxy {
	return &Proxy{
		client: &http.Client{
			Timeout: upstreamTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
		breaker:        breaker,
		metrics:        metrics,
		log:            log,
		gatewayName:    gatewayName,
		gatewayVersion: gatewayVersion,
	}
}

// StripServicePrefix removes the "/<version>/<service>" routing prefix
// from an inbound path before forwarding, per spec.md §4.7.
func StripServicePrefix(path, version, serviceName string) string {
	prefix := "/" + version + "/" + serviceName
	trimmed := strings.TrimPrefix(path, prefix)
	if trimmed == "" {
		return "/"
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "/" + trimmed
	}
	return trimmed
}

// Response is the forwarded upstream response, already buffered so the
// HTTP handler can copy it onto the caller's ResponseWriter.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forward sends one request to instance and maps the outcome (spec.md
// §4.7): transport/DNS failure -> BadGateway, timeout -> GatewayTimeout,
// upstream 5xx passes through but still counts as a circuit-breaker
// failure. Every outcome is reported to the breaker and metrics sink.
func (p *Proxy) Forward(ctx context.Context, method, path, requestID, apiVersion string, instance gatewaytypes.Instance, header http.Header, body []byte) (*Response, *gatewayerr.Error) {
	url := "http://" + instance.Addr() + path

	var dialed bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { dialed = true },
	})

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Internal, "failed to build upstream request", err).WithRequestID(requestID)
	}
	req.Header = header.Clone()
	req.Header.Set("X-Gateway-Request-ID", requestID)
	req.Header.Set("X-Service-Name", instance.ServiceName)
	req.Header.Set("X-API-Version", apiVersion)

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		p.metrics.RecordUpstream(instance.ServiceName, 0, latency, true)

		// A client disconnect surfaces here as the request context being
		// canceled. If that happened before the upstream was ever dialed,
		// the upstream's health is uninvolved and the breaker must not be
		// penalized; once dialed, any outcome (including a cancellation
		// that arrives mid-flight) reflects on the upstream and still
		// counts (spec.md §5).
		clientGoneBeforeDial := !dialed && errors.Is(err, context.Canceled)
		if !clientGoneBeforeDial {
			p.breaker.ReportFailure(instance.ServiceName)
		}

		if isTimeout(err) {
			return nil, gatewayerr.Wrap(gatewayerr.GatewayTimeout, "upstream request timed out", err).WithRequestID(requestID)
		}
		return nil, gatewayerr.Wrap(gatewayerr.BadGateway, "upstream request failed", err).WithRequestID(requestID)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.breaker.ReportFailure(instance.ServiceName)
		p.metrics.RecordUpstream(instance.ServiceName, resp.StatusCode, latency, true)
		return nil, gatewayerr.Wrap(gatewayerr.BadGateway, "failed to read upstream response", err).WithRequestID(requestID)
	}

	success := resp.StatusCode < 500
	if success {
		p.breaker.ReportSuccess(instance.ServiceName)
	} else {
		p.breaker.ReportFailure(instance.ServiceName)
	}
	p.metrics.RecordUpstream(instance.ServiceName, resp.StatusCode, latency, false)

	respHeader := resp.Header.Clone()
	respHeader.Set("X-Service-Name", instance.ServiceName)
	respHeader.Set("X-API-Version", apiVersion)
	respHeader.Set("X-Proxied-By", p.gatewayName+"/"+p.gatewayVersion)

	return &Response{StatusCode: resp.StatusCode, Header: respHeader, Body: respBody}, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
