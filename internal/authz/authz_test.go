package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedNoRequiredRoles(t *testing.T) {
	assert.True(t, Allowed(nil, "anything"))
}

func TestAllowedMatchingRole(t *testing.T) {
	assert.True(t, Allowed([]string{"admin", "operator"}, "operator"))
}

func TestAllowedRejectsOtherRole(t *testing.T) {
	assert.False(t, Allowed([]string{"admin"}, "guest"))
}

func TestPermitsExactMatch(t *testing.T) {
	p := NewPolicy(map[string][]string{"admin": {"billing:refund"}})
	assert.True(t, p.Permits("admin", "billing", "refund"))
}

func TestPermitsServiceWildcard(t *testing.T) {
	p := NewPolicy(map[string][]string{"admin": {"billing:*"}})
	assert.True(t, p.Permits("admin", "billing", "refund"))
	assert.True(t, p.Permits("admin", "billing", "charge"))
	assert.False(t, p.Permits("admin", "inventory", "refund"))
}

func TestPermitsGlobalWildcard(t *testing.T) {
	p := NewPolicy(map[string][]string{"superadmin": {"*:*"}})
	assert.True(t, p.Permits("superadmin", "any-service", "any-action"))
}

func TestPermitsRejectsUnknownRole(t *testing.T) {
	p := NewPolicy(map[string][]string{"admin": {"billing:*"}})
	assert.False(t, p.Permits("guest", "billing", "refund"))
}
