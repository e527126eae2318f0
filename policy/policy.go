// Package policy resolves the permission and throttle references
// carried on flow-type descriptors into policy objects. References are
// opaque strings bound to constructors at process start; a reference
// that fails to resolve falls back fail-secure for permissions and
// fail-open for throttles, never into an error the caller sees.
package policy

import "context"

// Principal is the caller identity a policy decides over.
type Principal struct {
	ID            string
	Authenticated bool
	Roles         []string
}

// HasRole reports whether the principal carries the role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PermissionPolicy decides whether a principal may perform an
// operation on a flow.
type PermissionPolicy interface {
	Allow(ctx context.Context, p Principal) bool
	Name() string
}

// ThrottlePolicy decides whether a principal is within its rate. A
// denial is a transient reject, not an authorization failure.
type ThrottlePolicy interface {
	Allow(ctx context.Context, p Principal) bool
	Name() string
}
