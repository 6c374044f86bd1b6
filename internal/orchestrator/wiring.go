package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/Mir00r/gateway-mesh/internal/obslog"
	"github.com/Mir00r/gateway-mesh/internal/ratelimit"
)

// metricsRegistry builds the Collector's own Prometheus registry rather
// than handing it prometheus.DefaultRegisterer, so a process that builds
// more than one Orchestrator (as the test suite does) never hits a
// collector-already-registered panic.
func metricsRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// newRedisLimiter builds the Redis-backed rate limiter store against
// addr. Connection errors surface lazily on first Allow call rather than
// here, matching go-redis's own lazy-dial client.
func newRedisLimiter(addr string, log obslog.Sink) (ratelimit.Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return ratelimit.NewRedisStore(client, log), nil
}
