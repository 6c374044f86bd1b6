// Package authz is the Authorization stage (spec.md §4.5 stage 5): does
// the authenticated principal's role satisfy a target service's required
// roles, honoring a role -> permission-pattern map with "service:*"
// wildcards, adapted from the teacher's role-based middleware checks.
package authz

import "strings"

// Policy is the role -> permission-pattern map from configuration
// (policies.authz.role_permissions). A permission pattern is either an
// exact "service:action" string or a wildcard "service:*".
type Policy struct {
	RolePermissions map[string][]string
}

// NewPolicy builds an authorization policy from a role permission map.
func NewPolicy(rolePermissions map[string][]string) Policy {
	if rolePermissions == nil {
		rolePermissions = map[string][]string{}
	}
	return Policy{RolePermissions: rolePermissions}
}

// Allowed reports whether role is one of requiredRoles. An empty
// requiredRoles means the service has no role restriction and every role
// passes. The permission map is not consulted here; see Policy.Permits.
func Allowed(requiredRoles []string, role string) bool {
	if len(requiredRoles) == 0 {
		return true
	}
	for _, r := range requiredRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Permits reports whether role carries a permission matching
// "serviceName:action" under p, with "serviceName:*" granting every
// action on that service.
func (p Policy) Permits(role, serviceName, action string) bool {
	perms, ok := p.RolePermissions[role]
	if !ok {
		return false
	}
	wildcard := serviceName + ":*"
	exact := serviceName + ":" + action
	for _, perm := range perms {
		if perm == "*:*" || perm == wildcard || perm == exact {
			return true
		}
		if strings.HasSuffix(perm, ":*") && strings.TrimSuffix(perm, ":*") == serviceName {
			return true
		}
	}
	return false
}
