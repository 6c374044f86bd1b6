package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mir00r/gateway-mesh/internal/clock"
	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/idgen"
)

func newTestRegistry() *Registry {
	return New(clock.NewFake(time.Unix(0, 0)), idgen.New())
}

func TestRegisterServiceStrictCreateConflict(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterService("signer", gatewaytypes.ServiceConfig{Name: "signer"}, true))

	err := r.RegisterService("signer", gatewaytypes.ServiceConfig{Name: "signer"}, true)
	require.Error(t, err)
}

func TestRegisterInstanceUnknownService(t *testing.T) {
	r := newTestRegistry()
	_, err := r.RegisterInstance("missing", "127.0.0.1", 8080, 1, "/health")
	require.Error(t, err)
}

func TestIdempotentInstanceRegistration(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterService("signer", gatewaytypes.ServiceConfig{Name: "signer"}, true))

	id, err := r.RegisterInstanceWithID("signer", "fixed-id", "127.0.0.1", 4601, 1, "/health")
	require.NoError(t, err)

	id2, err := r.RegisterInstanceWithID("signer", "fixed-id", "127.0.0.1", 4602, 2, "/health")
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	instances, err := r.ListInstances("signer")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, 4602, instances[0].Port)
	assert.Equal(t, 2, instances[0].Weight)

	_, err = r.RegisterInstanceWithID("signer", "other-id", "127.0.0.1", 4603, 1, "/health")
	require.NoError(t, err)

	instances, err = r.ListInstances("signer")
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestDeregisterInstanceNotFound(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterService("signer", gatewaytypes.ServiceConfig{Name: "signer"}, true))

	err := r.DeregisterInstance("signer", "nope")
	require.Error(t, err)
}

func TestHealthyInstancesFiltersUnhealthy(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterService("signer", gatewaytypes.ServiceConfig{Name: "signer"}, true))

	id1, _ := r.RegisterInstance("signer", "h1", 1, 1, "/health")
	id2, _ := r.RegisterInstance("signer", "h2", 1, 1, "/health")

	require.NoError(t, r.SetHealth("signer", id1, gatewaytypes.HealthHealthy, time.Now()))
	require.NoError(t, r.SetHealth("signer", id2, gatewaytypes.HealthUnhealthy, time.Now()))

	healthy, err := r.HealthyInstances("signer")
	require.NoError(t, err)
	require.Len(t, healthy, 1)
	assert.Equal(t, id1, healthy[0].ID)
}

func TestListInstancesSnapshotIsIndependent(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.RegisterService("signer", gatewaytypes.ServiceConfig{Name: "signer"}, true))
	id, _ := r.RegisterInstance("signer", "h1", 1, 1, "/health")

	snap, err := r.ListInstances("signer")
	require.NoError(t, err)

	require.NoError(t, r.SetHealth("signer", id, gatewaytypes.HealthHealthy, time.Now()))

	assert.Equal(t, gatewaytypes.HealthUnknown, snap[0].Health, "snapshot must not observe later mutation")
}
