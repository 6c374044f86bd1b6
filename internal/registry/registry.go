// Package registry is the Service Registry (spec.md §4.1, C1). It owns
// Service and Instance records and hands discovery callers immutable
// snapshots so the hot path never blocks on a writer, the way spec.md §5
// requires and the way services/api-gateway's internal/proxy.ProxyManager
// separates read traffic from its config-driven service table.
package registry

import (
	"sync"
	"time"

	"github.com/Mir00r/gateway-mesh/internal/clock"
	"github.com/Mir00r/gateway-mesh/internal/gatewayerr"
	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/idgen"
)

// Registry stores every registered service and its instances.
type Registry struct {
	clock clock.Clock
	ids   idgen.Generator

	mu       sync.RWMutex
	services map[string]*serviceEntry
}

type serviceEntry struct {
	service   gatewaytypes.Service
	instances []*gatewaytypes.Instance // insertion order is observable
	nextSeq   int
}

// New creates an empty registry.
func New(c clock.Clock, ids idgen.Generator) *Registry {
	return &Registry{
		clock:    c,
		ids:      ids,
		services: make(map[string]*serviceEntry),
	}
}

// RegisterService creates or replaces the named service's configuration.
// With strictCreate, an existing name is an error of kind BadRequest;
// the error taxonomy has no separate Conflict kind.
func (r *Registry) RegisterService(name string, cfg gatewaytypes.ServiceConfig, strictCreate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.services[name]
	if ok && strictCreate {
		return gatewayerr.New(gatewayerr.BadRequest, "service already registered: "+name)
	}

	if ok {
		existing.service.Config = cfg
		return nil
	}

	r.services[name] = &serviceEntry{
		service: gatewaytypes.Service{
			Name:    name,
			Config:  cfg,
			Created: r.clock.Now(),
		},
	}
	return nil
}

// DeregisterService removes a service and every instance it owns.
func (r *Registry) DeregisterService(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[name]; !ok {
		return gatewayerr.New(gatewayerr.NotFound, "unknown service: "+name)
	}
	delete(r.services, name)
	return nil
}

// RegisterInstance appends an instance to service name. Re-registering an
// address under a fresh call always allocates a new id: callers that want
// idempotent registration (spec.md §8) must pass the same instanceID via
// RegisterInstanceWithID.
func (r *Registry) RegisterInstance(name, host string, port, weight int, healthPath string) (string, error) {
	return r.RegisterInstanceWithID(name, r.ids.InstanceID(), host, port, weight, healthPath)
}

// RegisterInstanceWithID is RegisterInstance with a caller-supplied id.
// Registering the same (service, id) pair twice leaves exactly one
// record (spec.md §8 "idempotent registration"); the second call
// refreshes address/weight/health-path in place.
func (r *Registry) RegisterInstanceWithID(name, instanceID, host string, port, weight int, healthPath string) (string, error) {
	if weight < 1 {
		weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.services[name]
	if !ok {
		return "", gatewayerr.New(gatewayerr.NotFound, "unknown service: "+name)
	}

	for _, inst := range entry.instances {
		if inst.ID == instanceID {
			inst.Host = host
			inst.Port = port
			inst.Weight = weight
			inst.HealthPath = healthPath
			return inst.ID, nil
		}
	}

	inst := &gatewaytypes.Instance{
		ID:          instanceID,
		ServiceName: name,
		Host:        host,
		Port:        port,
		Weight:      weight,
		Health:      gatewaytypes.HealthUnknown,
		HealthPath:  healthPath,
		Seq:         entry.nextSeq,
	}
	entry.nextSeq++
	entry.instances = append(entry.instances, inst)
	return inst.ID, nil
}

// DeregisterInstance removes instanceID from service name.
func (r *Registry) DeregisterInstance(name, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.services[name]
	if !ok {
		return gatewayerr.New(gatewayerr.NotFound, "unknown service: "+name)
	}

	for i, inst := range entry.instances {
		if inst.ID == instanceID {
			entry.instances = append(entry.instances[:i], entry.instances[i+1:]...)
			return nil
		}
	}
	return gatewayerr.New(gatewayerr.NotFound, "unknown instance: "+instanceID)
}

// ListInstances returns an immutable snapshot (copy) of name's instances,
// safe to range over without holding the registry lock.
func (r *Registry) ListInstances(name string) ([]gatewaytypes.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[name]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.NotFound, "unknown service: "+name)
	}

	snapshot := make([]gatewaytypes.Instance, len(entry.instances))
	for i, inst := range entry.instances {
		snapshot[i] = *inst
	}
	return snapshot, nil
}

// HealthyInstances is ListInstances filtered to Health == healthy.
func (r *Registry) HealthyInstances(name string) ([]gatewaytypes.Instance, error) {
	all, err := r.ListInstances(name)
	if err != nil {
		return nil, err
	}
	healthy := make([]gatewaytypes.Instance, 0, len(all))
	for _, inst := range all {
		if inst.Health == gatewaytypes.HealthHealthy {
			healthy = append(healthy, inst)
		}
	}
	return healthy, nil
}

// SetHealth records an observation from the Health Prober. It is the only
// registry write the Prober performs and is a pointer-swap-sized
// critical section, never blocking a discovery reader for longer than
// that.
func (r *Registry) SetHealth(name, instanceID string, health gatewaytypes.Health, observedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.services[name]
	if !ok {
		return gatewayerr.New(gatewayerr.NotFound, "unknown service: "+name)
	}
	for _, inst := range entry.instances {
		if inst.ID == instanceID {
			inst.Health = health
			inst.LastProbe = observedAt
			return nil
		}
	}
	return gatewayerr.New(gatewayerr.NotFound, "unknown instance: "+instanceID)
}

// AdjustConns atomically bumps instanceID's active-connection gauge by
// delta (+1 when the orchestrator's Resolve selects it, -1 on Release),
// used by the least-connections
// load-balancer policy.
func (r *Registry) AdjustConns(name, instanceID string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.services[name]
	if !ok {
		return
	}
	for _, inst := range entry.instances {
		if inst.ID == instanceID {
			inst.ActiveConns += delta
			return
		}
	}
}

// Service returns a copy of name's configuration, or NotFound.
func (r *Registry) Service(name string) (gatewaytypes.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[name]
	if !ok {
		return gatewaytypes.Service{}, gatewayerr.New(gatewayerr.NotFound, "unknown service: "+name)
	}
	return entry.service, nil
}

// ListServices returns a snapshot of every registered service.
func (r *Registry) ListServices() []gatewaytypes.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]gatewaytypes.Service, 0, len(r.services))
	for _, entry := range r.services {
		out = append(out, entry.service)
	}
	return out
}
