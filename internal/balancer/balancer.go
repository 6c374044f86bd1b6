// Package balancer is the Load Balancer (spec.md §4.3, C3): round-robin,
// weighted, and least-connections selection over a non-empty healthy
// snapshot, grounded on the cursor/selection pattern in
// tunedev-warpgate's roundRobin.PickEndpoint, generalized to the three
// named policies and their tie-break rules.
package balancer

import (
	"sync"

	"github.com/Mir00r/gateway-mesh/internal/gatewayerr"
	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/idgen"
)

// Policy names, matching spec.md §4.3 and the `load_balance_policy`
// service config field.
const (
	RoundRobin       = "round_robin"
	Weighted         = "weighted"
	LeastConnections = "least_connections"
)

// Balancer selects an instance from a healthy snapshot under a named
// per-service policy. Round-robin state (the cursor) is per-service, so
// one Balancer instance is shared across every service it load-balances.
type Balancer struct {
	ids idgen.Generator

	mu      sync.Mutex
	cursors map[string]int
}

// New creates a Balancer.
func New(ids idgen.Generator) *Balancer {
	return &Balancer{ids: ids, cursors: make(map[string]int)}
}

// Pick selects one instance from healthy (must be the already-filtered
// healthy snapshot; spec.md §4.1's HealthyInstances) under policy for
// serviceName. An empty snapshot fails with NoHealthyInstance
// (spec.md §4.3's edge case); a one-element snapshot always returns that
// element regardless of policy.
func (b *Balancer) Pick(serviceName, policy string, healthy []gatewaytypes.Instance) (gatewaytypes.Instance, error) {
	if len(healthy) == 0 {
		return gatewaytypes.Instance{}, gatewayerr.New(gatewayerr.NoHealthyInstance, "no healthy instance for "+serviceName)
	}
	if len(healthy) == 1 {
		return healthy[0], nil
	}

	switch policy {
	case Weighted:
		return b.pickWeighted(healthy), nil
	case LeastConnections:
		return b.pickLeastConnections(healthy), nil
	default:
		return b.pickRoundRobin(serviceName, healthy), nil
	}
}

// pickRoundRobin advances a per-service cursor modulo the snapshot
// length. Because the snapshot is a point-in-time copy, the cursor is
// simply taken modulo its current size: instances are iterated in
// insertion order for stability across resizes.
func (b *Balancer) pickRoundRobin(serviceName string, healthy []gatewaytypes.Instance) gatewaytypes.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()

	cursor := b.cursors[serviceName]
	idx := cursor % len(healthy)
	b.cursors[serviceName] = cursor + 1
	return healthy[idx]
}

// pickWeighted draws i with probability weight_i / sum(weight), ties
// (a zero-width draw landing exactly on a boundary) broken by the
// insertion-ordered scan below always resolving to the first instance
// whose cumulative weight covers the draw.
func (b *Balancer) pickWeighted(healthy []gatewaytypes.Instance) gatewaytypes.Instance {
	total := 0
	for _, inst := range healthy {
		w := inst.Weight
		if w < 1 {
			w = 1
		}
		total += w
	}

	target := b.ids.Float64() * float64(total)
	cumulative := 0.0
	for _, inst := range healthy {
		w := inst.Weight
		if w < 1 {
			w = 1
		}
		cumulative += float64(w)
		if target < cumulative {
			return inst
		}
	}
	// Floating point rounding can leave target >= cumulative by an
	// epsilon; fall back to the last (highest insertion order) instance.
	return healthy[len(healthy)-1]
}

// pickLeastConnections picks the minimum active-connection count, ties
// broken by weight (higher wins), then by insertion order (lower wins).
func (b *Balancer) pickLeastConnections(healthy []gatewaytypes.Instance) gatewaytypes.Instance {
	best := healthy[0]
	for _, inst := range healthy[1:] {
		if inst.ActiveConns < best.ActiveConns {
			best = inst
			continue
		}
		if inst.ActiveConns == best.ActiveConns {
			if inst.Weight > best.Weight {
				best = inst
				continue
			}
			if inst.Weight == best.Weight && inst.Seq < best.Seq {
				best = inst
			}
		}
	}
	return best
}
