// Package breaker is the Circuit Breaker (spec.md §4.4, C4): a per-
// service three-state guard, one record created on first registration and
// never destroyed while the service exists, protected by a small lock
// around its state transitions the way spec.md §5 requires ("per-service
// atomic counters + a small lock guarding state transitions"). The
// half-open tie-break implements spec.md's prescribed variant: "all
// admitted until first failure reopens" (see spec.md §4.4 and §9 Open
// Question — the single-trial variant was considered and rejected
// because this spec names the all-admitted variant explicitly).
package breaker

import (
	"sync"
	"time"

	"github.com/Mir00r/gateway-mesh/internal/clock"
	"github.com/Mir00r/gateway-mesh/internal/gatewayerr"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config carries the per-service breaker parameters (spec.md §4.4
// defaults: 5 / 60s / 3).
type Config struct {
	FailureThreshold          int
	OpenTimeout               time.Duration
	HalfOpenSuccessesRequired int
}

// DefaultConfig returns spec.md §4.4's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:          5,
		OpenTimeout:               60 * time.Second,
		HalfOpenSuccessesRequired: 3,
	}
}

type record struct {
	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	lastFailure    time.Time
	openedAt       time.Time
	cfg            Config
}

// Store owns one breaker record per registered service.
type Store struct {
	clock clock.Clock

	mu       sync.RWMutex
	records  map[string]*record
	defaults Config
}

// NewStore builds a breaker store. defaults apply to services registered
// without an explicit per-service Config.
func NewStore(c clock.Clock, defaults Config) *Store {
	return &Store{clock: c, records: make(map[string]*record), defaults: defaults}
}

// Register creates a record for serviceName with cfg if one doesn't
// already exist. Safe to call repeatedly (e.g. on RegisterService
// replace): an existing record's state is preserved, only its
// thresholds are updated.
func (s *Store) Register(serviceName string, cfg Config) {
	if cfg.FailureThreshold <= 0 {
		cfg = s.defaults
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[serviceName]
	if !ok {
		s.records[serviceName] = &record{state: Closed, cfg: cfg}
		return
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (s *Store) get(serviceName string) *record {
	s.mu.RLock()
	r, ok := s.records[serviceName]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[serviceName]; ok {
		return r
	}
	r = &record{state: Closed, cfg: s.defaults}
	s.records[serviceName] = r
	return r
}

// Allow reports whether a call to serviceName may proceed. If the
// breaker is open but its timeout has elapsed, the call that observes
// this is admitted and the breaker moves to half-open; every subsequent
// concurrent caller during half-open is also admitted, per this spec's
// "all admitted until first failure reopens" rule.
func (s *Store) Allow(serviceName string) error {
	r := s.get(serviceName)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case Closed, HalfOpen:
		return nil
	case Open:
		if s.clock.Now().Sub(r.openedAt) >= r.cfg.OpenTimeout {
			r.state = HalfOpen
			r.successCount = 0
			return nil
		}
		return gatewayerr.New(gatewayerr.CircuitOpen, "circuit open for "+serviceName)
	default:
		return nil
	}
}

// ReportSuccess records a successful call.
func (s *Store) ReportSuccess(serviceName string) {
	r := s.get(serviceName)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case Closed:
		r.failureCount = 0
	case HalfOpen:
		r.successCount++
		if r.successCount >= r.cfg.HalfOpenSuccessesRequired {
			r.state = Closed
			r.failureCount = 0
			r.successCount = 0
		}
	}
}

// ReportFailure records a failed call.
func (s *Store) ReportFailure(serviceName string) {
	r := s.get(serviceName)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastFailure = s.clock.Now()

	switch r.state {
	case Closed:
		r.failureCount++
		if r.failureCount >= r.cfg.FailureThreshold {
			r.state = Open
			r.openedAt = r.lastFailure
		}
	case HalfOpen:
		r.state = Open
		r.openedAt = r.lastFailure
		r.successCount = 0
	}
}

// Snapshot is a read-only view of one service's breaker record, used by
// the Metrics & Admin component.
type Snapshot struct {
	State        State
	FailureCount int
	SuccessCount int
	LastFailure  time.Time
}

// State returns a snapshot of serviceName's breaker record.
func (s *Store) State(serviceName string) Snapshot {
	r := s.get(serviceName)
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		State:        r.state,
		FailureCount: r.failureCount,
		SuccessCount: r.successCount,
		LastFailure:  r.lastFailure,
	}
}
