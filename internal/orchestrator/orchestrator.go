// Package orchestrator wires components C1-C8 (registry, balancer,
// breaker, health prober, pipeline, proxy, metrics) plus the
// observability, config, and audit collaborators into one running
// gateway (spec.md §4.9, C9), grounded on the startup/shutdown sequence
// in services/api-gateway/cmd/server/main.go generalized into its own
// package so main.go itself stays a thin wiring shim.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Mir00r/gateway-mesh/internal/audit"
	"github.com/Mir00r/gateway-mesh/internal/auth"
	"github.com/Mir00r/gateway-mesh/internal/authz"
	"github.com/Mir00r/gateway-mesh/internal/balancer"
	"github.com/Mir00r/gateway-mesh/internal/breaker"
	"github.com/Mir00r/gateway-mesh/internal/clock"
	"github.com/Mir00r/gateway-mesh/internal/config"
	"github.com/Mir00r/gateway-mesh/internal/gatewayerr"
	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/health"
	"github.com/Mir00r/gateway-mesh/internal/idgen"
	"github.com/Mir00r/gateway-mesh/internal/metrics"
	"github.com/Mir00r/gateway-mesh/internal/obslog"
	"github.com/Mir00r/gateway-mesh/internal/pipeline"
	"github.com/Mir00r/gateway-mesh/internal/proxy"
	"github.com/Mir00r/gateway-mesh/internal/ratelimit"
	"github.com/Mir00r/gateway-mesh/internal/registry"
)

// State is one node of the orchestrator's lifecycle state machine
// (spec.md §4.9): initializing -> initialized -> running -> stopping ->
// stopped. StateFailed is declared, but Start has no failing step and
// never enters it; an error from New is returned without an Orchestrator.
type State string

const (
	StateInitializing State = "initializing"
	StateInitialized  State = "initialized"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// Orchestrator owns every component root and the background jobs that
// run against them. It never mutates registry/breaker/rate-limiter
// state directly, only through their own operations (spec.md §4
// ownership rule).
type Orchestrator struct {
	cfg *config.Config
	log obslog.Sink

	Registry  *registry.Registry
	Balancer  *balancer.Balancer
	Breakers  *breaker.Store
	Limiter   ratelimit.Store
	Prober    *health.Prober
	Pipeline  *pipeline.Pipeline
	Proxy     *proxy.Proxy
	Collector *metrics.Collector
	Admin     *metrics.Admin
	Auditor   *audit.Publisher

	mu         sync.RWMutex
	state      State
	failureErr error

	cancelBackground context.CancelFunc
	wg               sync.WaitGroup
}

// New assembles every component from cfg but does not start background
// jobs or register services; call Start for that. Building the object
// graph separately from starting it lets tests inspect an Orchestrator
// before anything is running. Every component uses the real clock.
func New(cfg *config.Config, log obslog.Sink) (*Orchestrator, error) {
	c := clock.New()
	ids := idgen.New()

	reg := registry.New(c, ids)
	bal := balancer.New(ids)
	brk := breaker.NewStore(c, breaker.Config{
		FailureThreshold:          5,
		OpenTimeout:               60 * time.Second,
		HalfOpenSuccessesRequired: 3,
	})

	limiter, err := buildLimiter(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build rate limiter: %w", err)
	}

	authStore := auth.NewStore(auth.JWTConfig{
		Secret:   cfg.Policies.Auth.JWT.SecretRef,
		Issuer:   cfg.Policies.Auth.JWT.Issuer,
		Audience: cfg.Policies.Auth.JWT.Audience,
	}, cfg.Policies.Auth.APIKeys)

	var auditor *audit.Publisher
	if cfg.Audit.Topic != "" || len(cfg.Audit.KafkaBrokers) > 0 {
		auditor, err = audit.New(cfg.Audit.KafkaBrokers, cfg.Audit.Topic, log)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: build audit publisher: %w", err)
		}
	}

	pipelineCfg := pipeline.Config{
		Bypass: cfg.Policies.Bypass,
		MTLS: pipeline.MTLSConfig{
			Enabled: cfg.Policies.MTLS.Enabled,
			Header:  cfg.Policies.MTLS.Header,
			Value:   cfg.Policies.MTLS.Value,
		},
		AuthEnabled:  cfg.Policies.Auth.Enabled,
		Authz:        authz.NewPolicy(cfg.Policies.Authz.RolePermissions),
		MaxBodyBytes: cfg.Policies.MaxBodyBytes,
		DefaultRateLimit: ratelimit.Config{
			Algorithm: cfg.Policies.RateLimit.Algorithm,
			Window:    time.Duration(cfg.Policies.RateLimit.WindowMS) * time.Millisecond,
			Max:       cfg.Policies.RateLimit.Max,
		},
		DefaultRateLimitKeyStrategy: cfg.Policies.RateLimit.KeyStrategy,
	}

	var pipelineAuditor pipeline.Auditor
	if auditor != nil {
		pipelineAuditor = auditor
	}
	pl := pipeline.New(pipelineCfg, authStore, limiter, ids, log, pipelineAuditor)

	collector := metrics.NewCollector(metricsRegistry())
	prx := proxy.New(
		time.Duration(cfg.Timeouts.UpstreamMS)*time.Millisecond,
		brk,
		collector,
		log,
		cfg.Name,
		cfg.Version,
	)

	prober := health.New(reg, log, probeInterval(cfg), probeTimeout(cfg))

	admin := metrics.NewAdmin(collector, reg, func(name string) string {
		return string(brk.State(name).State)
	}, cfg.Health.ErrorRateThreshold, float64(cfg.Health.AvgLatencyThresholdMS))

	return &Orchestrator{
		cfg:       cfg,
		log:       log,
		Registry:  reg,
		Balancer:  bal,
		Breakers:  brk,
		Limiter:   limiter,
		Prober:    prober,
		Pipeline:  pl,
		Proxy:     prx,
		Collector: collector,
		Admin:     admin,
		Auditor:   auditor,
		state:     StateInitializing,
	}, nil
}

func probeInterval(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Timeouts.ProbeIntervalMS) * time.Millisecond
}

func probeTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Timeouts.ProbeMS) * time.Millisecond
}

func buildLimiter(cfg *config.Config, log obslog.Sink) (ratelimit.Store, error) {
	if cfg.Policies.RateLimit.Backend == "redis" && cfg.Policies.RateLimit.RedisAddr != "" {
		return newRedisLimiter(cfg.Policies.RateLimit.RedisAddr, log)
	}
	return ratelimit.NewMemoryStore(clock.New()), nil
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Start registers every configured service and instance, then starts the
// Prober and the idle-bucket-eviction tick. Failure registering a single
// service/instance is logged and skipped (spec.md §4.9); only a port
// bind failure (performed by the HTTP layer, not here) is fatal.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.setState(StateInitializing)

	for _, svc := range o.cfg.Services {
		if err := o.registerService(svc); err != nil {
			o.log.Event(logrus.WarnLevel, "", logrus.Fields{
				"service": svc.Name,
				"error":   err.Error(),
			}, "failed to register configured service, skipping")
			continue
		}
	}

	o.setState(StateInitialized)

	bgCtx, cancel := context.WithCancel(ctx)
	o.cancelBackground = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Prober.Run(bgCtx)
	}()

	o.wg.Add(1)
	go o.runEvictionTick(bgCtx)

	o.setState(StateRunning)
	return nil
}

func (o *Orchestrator) registerService(svc config.ServiceSpec) error {
	cfg := gatewaytypes.ServiceConfig{
		Name:              svc.Name,
		Version:           svc.Version,
		RequiredRoles:     svc.Auth.Roles,
		LoadBalancePolicy: svc.LoadBalancePolicy,
		Circuit: gatewaytypes.CircuitConfig{
			FailureThreshold:          svc.Circuit.FailureThreshold,
			OpenTimeout:               time.Duration(svc.Circuit.OpenTimeoutMS) * time.Millisecond,
			HalfOpenSuccessesRequired: svc.Circuit.HalfOpenSuccessesRequired,
		},
		RateLimit: gatewaytypes.RateLimitConfig{
			Algorithm:   svc.RateLimit.Algorithm,
			Window:      time.Duration(svc.RateLimit.WindowMS) * time.Millisecond,
			Max:         svc.RateLimit.Max,
			KeyStrategy: svc.RateLimit.KeyStrategy,
		},
	}
	if svc.Auth.Schema != nil {
		cfg.Schema = &gatewaytypes.Schema{
			Required:             svc.Auth.Schema.Required,
			AdditionalProperties: svc.Auth.Schema.AdditionalProperties,
		}
	}

	if err := o.Registry.RegisterService(svc.Name, cfg, false); err != nil {
		return err
	}
	o.Breakers.Register(svc.Name, breaker.Config{
		FailureThreshold:          svc.Circuit.FailureThreshold,
		OpenTimeout:               time.Duration(svc.Circuit.OpenTimeoutMS) * time.Millisecond,
		HalfOpenSuccessesRequired: svc.Circuit.HalfOpenSuccessesRequired,
	})

	for _, inst := range svc.Instances {
		if _, err := o.Registry.RegisterInstance(svc.Name, inst.Host, inst.Port, inst.Weight, inst.HealthPath); err != nil {
			o.log.Event(logrus.WarnLevel, "", logrus.Fields{
				"service": svc.Name,
				"host":    inst.Host,
				"port":    inst.Port,
				"error":   err.Error(),
			}, "failed to register configured instance, skipping")
		}
	}
	return nil
}

func (o *Orchestrator) runEvictionTick(ctx context.Context) {
	defer o.wg.Done()
	ms, ok := o.Limiter.(*ratelimit.MemoryStore)
	if !ok {
		return
	}

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms.EvictIdle()
		}
	}
}

// Shutdown stops background jobs and waits up to grace for them to exit,
// then closes the audit publisher (spec.md §4.9: drain, then close).
func (o *Orchestrator) Shutdown(grace time.Duration) {
	o.setState(StateStopping)

	if o.cancelBackground != nil {
		o.cancelBackground()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		o.log.Event(logrus.WarnLevel, "", nil, "shutdown grace period elapsed before background jobs exited")
	}

	if o.Auditor != nil {
		o.Auditor.Close()
	}

	o.setState(StateStopped)
}

// Resolve runs the policy pipeline and load-balancer selection for one
// inbound request against a registered service, the one call the HTTP
// adapter needs per request before invoking Proxy.Forward.
func (o *Orchestrator) Resolve(in pipeline.Input, serviceName string) (pipeline.Result, gatewaytypes.Instance, *gatewayerr.Error) {
	svc, err := o.Registry.Service(serviceName)
	if err != nil {
		return pipeline.Result{}, gatewaytypes.Instance{}, gatewayerr.New(gatewayerr.NotFound, "unknown service: "+serviceName)
	}

	target := pipeline.ServiceTarget{
		Name:          svc.Name,
		RequiredRoles: svc.Config.RequiredRoles,
		Schema:        svc.Config.Schema,
		RateLimit:     svc.Config.RateLimit,
	}

	result, pipelineErr := o.Pipeline.Run(in, target)
	if pipelineErr != nil {
		return pipeline.Result{}, gatewaytypes.Instance{}, pipelineErr
	}

	if result.Bypassed {
		return result, gatewaytypes.Instance{}, nil
	}

	if err := o.Breakers.Allow(serviceName); err != nil {
		if gerr, ok := err.(*gatewayerr.Error); ok {
			return result, gatewaytypes.Instance{}, gerr.WithRequestID(result.Context.RequestID)
		}
		return result, gatewaytypes.Instance{}, gatewayerr.Wrap(gatewayerr.Internal, "breaker check failed", err).WithRequestID(result.Context.RequestID)
	}

	healthy, err := o.Registry.HealthyInstances(serviceName)
	if err != nil {
		return result, gatewaytypes.Instance{}, gatewayerr.Wrap(gatewayerr.Internal, "failed to list instances", err).WithRequestID(result.Context.RequestID)
	}

	instance, err := o.Balancer.Pick(serviceName, svc.Config.LoadBalancePolicy, healthy)
	if err != nil {
		if gerr, ok := err.(*gatewayerr.Error); ok {
			return result, gatewaytypes.Instance{}, gerr.WithRequestID(result.Context.RequestID)
		}
		return result, gatewaytypes.Instance{}, gatewayerr.Wrap(gatewayerr.Internal, "load balancer selection failed", err).WithRequestID(result.Context.RequestID)
	}

	o.Registry.AdjustConns(serviceName, instance.ID, 1)

	return result, instance, nil
}

// Release drops the active-connection gauge an earlier Resolve call bumped
// for instance. The caller must call this exactly once per Resolve that
// returned a non-bypassed instance, regardless of whether Forward
// succeeded, so least-connections tracks in-flight load correctly
// (spec.md §4.3, §3's "monotonically counted active-connection gauge").
func (o *Orchestrator) Release(serviceName string, instance gatewaytypes.Instance) {
	o.Registry.AdjustConns(serviceName, instance.ID, -1)
}
