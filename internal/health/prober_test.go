package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/obslog"
)

type fakeRegistry struct {
	mu        sync.Mutex
	services  []gatewaytypes.Service
	instances map[string][]gatewaytypes.Instance
	setCalls  []gatewaytypes.Health
}

func (f *fakeRegistry) ListServices() []gatewaytypes.Service { return f.services }

func (f *fakeRegistry) ListInstances(name string) ([]gatewaytypes.Instance, error) {
	return f.instances[name], nil
}

func (f *fakeRegistry) SetHealth(name, instanceID string, health gatewaytypes.Health, observedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, health)
	insts := f.instances[name]
	for i := range insts {
		if insts[i].ID == instanceID {
			insts[i].Health = health
			insts[i].LastProbe = observedAt
		}
	}
	f.instances[name] = insts
	return nil
}

func TestProbeOneHealthyOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)

	fr := &fakeRegistry{instances: map[string][]gatewaytypes.Instance{
		"signer": {{ID: "i1", ServiceName: "signer", Host: host, Port: port, HealthPath: "/health", Health: gatewaytypes.HealthUnknown}},
	}}

	p := New(fr, obslog.New(false), time.Minute, time.Second)

	var transitions []Transition
	p.OnTransition(func(tr Transition) { transitions = append(transitions, tr) })

	p.probeOne(context.Background(), "signer", fr.instances["signer"][0])

	require.Len(t, transitions, 1)
	assert.Equal(t, gatewaytypes.HealthUnknown, transitions[0].Old)
	assert.Equal(t, gatewaytypes.HealthHealthy, transitions[0].New)
}

func TestProbeOneUnhealthyOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)

	fr := &fakeRegistry{instances: map[string][]gatewaytypes.Instance{
		"signer": {{ID: "i1", ServiceName: "signer", Host: host, Port: port, HealthPath: "/health", Health: gatewaytypes.HealthHealthy}},
	}}

	p := New(fr, obslog.New(false), time.Minute, time.Second)
	var transitions []Transition
	p.OnTransition(func(tr Transition) { transitions = append(transitions, tr) })

	p.probeOne(context.Background(), "signer", fr.instances["signer"][0])

	require.Len(t, transitions, 1)
	assert.Equal(t, gatewaytypes.HealthUnhealthy, transitions[0].New)
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	rawURL = strings.TrimPrefix(rawURL, "http://")
	parts := strings.SplitN(rawURL, ":", 2)
	require.Len(t, parts, 2)
	port := 0
	for _, c := range parts[1] {
		port = port*10 + int(c-'0')
	}
	return parts[0], port
}
