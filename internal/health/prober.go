// Package health is the Health Prober (spec.md §4.2, C2): a periodic
// ticker that probes every registered instance's health path and flips
// its state in the registry, adapted from the teacher-pack pattern of
// ticker-driven instance health checks (see tunedev-warpgate's
// roundRobin.StartHealthChecks) generalized to spec.md's exact outcome
// rules and "best-effort, dropped not queued" tick semantics.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/obslog"
	"github.com/sirupsen/logrus"
)

// Registry is the subset of the Service Registry the prober needs.
type Registry interface {
	ListServices() []gatewaytypes.Service
	ListInstances(name string) ([]gatewaytypes.Instance, error)
	SetHealth(name, instanceID string, health gatewaytypes.Health, observedAt time.Time) error
}

// Transition is a "status changed" observation (spec.md §4.2).
type Transition struct {
	ServiceName string
	InstanceID  string
	Old         gatewaytypes.Health
	New         gatewaytypes.Health
	At          time.Time
}

// Observer receives health transitions; implementations must not block.
type Observer func(Transition)

// Prober runs the periodic health-check task.
type Prober struct {
	registry Registry
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	log      obslog.Sink

	mu        sync.Mutex
	observers []Observer

	tickErrors int64
}

// New builds a Prober. interval defaults to 30s and timeout to 5s when
// zero, matching spec.md §4.2's defaults.
func New(registry Registry, log obslog.Sink, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// OnTransition registers an observer called for every health state
// change. Must be called before Run starts.
func (p *Prober) OnTransition(obs Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

// Run blocks, ticking every p.interval until ctx is cancelled. A tick
// that is still running when the next one is due is skipped rather than
// queued (spec.md §4.2 "missed ticks ... are dropped").
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var running sync.Mutex
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !running.TryLock() {
				continue
			}
			go func() {
				defer running.Unlock()
				p.tick(ctx)
			}()
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	for _, svc := range p.registry.ListServices() {
		instances, err := p.registry.ListInstances(svc.Name)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			p.probeOne(ctx, svc.Name, inst)
		}
	}
}

func (p *Prober) probeOne(ctx context.Context, serviceName string, inst gatewaytypes.Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	path := inst.HealthPath
	if path == "" {
		path = "/health"
	}
	url := "http://" + inst.Addr() + path

	newHealth := gatewaytypes.HealthUnhealthy
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err == nil {
		resp, doErr := p.client.Do(req)
		if doErr == nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				newHealth = gatewaytypes.HealthHealthy
			}
			resp.Body.Close()
		} else {
			p.tickErrors++
			p.log.Event(logrus.DebugLevel, "", logrus.Fields{
				"component": "health_prober",
				"service":   serviceName,
				"instance":  inst.ID,
				"error":     doErr.Error(),
			}, "probe transport error")
		}
	}

	now := time.Now()
	old := inst.Health
	if err := p.registry.SetHealth(serviceName, inst.ID, newHealth, now); err != nil {
		return
	}

	if old != newHealth {
		p.notify(Transition{
			ServiceName: serviceName,
			InstanceID:  inst.ID,
			Old:         old,
			New:         newHealth,
			At:          now,
		})
	}
}

func (p *Prober) notify(t Transition) {
	p.mu.Lock()
	observers := append([]Observer(nil), p.observers...)
	p.mu.Unlock()

	for _, obs := range observers {
		obs(t)
	}
}

// TickErrors returns the count of transport/timeout probe failures since
// startup. Prober errors are local and counted, never surfaced to
// clients directly (spec.md §7). The /health admin handler does not read
// this count; its status depends only on request error rate and latency.
func (p *Prober) TickErrors() int64 {
	return p.tickErrors
}
