// Package rbac decides whether a role may perform an action on an entity in a
// given state. Roles are static per user; there are no per-resource ACLs.
package rbac

import (
	"fmt"
	"strings"

	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Grant allows Roles to perform an action. OwnerOnly further requires the
// subject to be the resource owner. States, when non-empty, restricts the
// grant to resources currently in one of those states.
type Grant struct {
	Roles     []shared.Role
	OwnerOnly bool
	States    []string
}

// Policy maps a permission name to the grants that satisfy it.
type Policy map[string][]Grant

// Subject is the actor requesting a capability.
type Subject struct {
	ID   string
	Role shared.Role
}

// Resource describes the entity an action targets.
type Resource struct {
	OwnerID string
	State   string
}

// Gate evaluates permissions against merged policies.
type Gate struct {
	policy Policy
}

// NewGate merges the provided policies. Grants for the same permission accumulate.
func NewGate(policies ...Policy) *Gate {
	merged := make(Policy)
	for _, p := range policies {
		for perm, grants := range p {
			key := normalize(perm)
			merged[key] = append(merged[key], grants...)
		}
	}
	return &Gate{policy: merged}
}

// SubjectOf converts an actor into a gate subject.
func SubjectOf(actor shared.Actor) Subject {
	return Subject{ID: actor.ID, Role: actor.Role}
}

// Allowed reports whether subject may perform perm on res.
func (g *Gate) Allowed(sub Subject, perm string, res Resource) bool {
	if g == nil {
		return false
	}
	for _, grant := range g.policy[normalize(perm)] {
		if !hasRole(grant.Roles, sub.Role) {
			continue
		}
		if grant.OwnerOnly && (sub.ID == "" || sub.ID != res.OwnerID) {
			continue
		}
		if len(grant.States) > 0 && !contains(grant.States, res.State) {
			continue
		}
		return true
	}
	return false
}

// Authorize returns ErrPermissionDenied when Allowed is false.
func (g *Gate) Authorize(sub Subject, perm string, res Resource) error {
	if g.Allowed(sub, perm, res) {
		return nil
	}
	return fmt.Errorf("%w: role %q cannot %s", shared.ErrPermissionDenied, sub.Role, perm)
}

// RoleMayEver reports whether any grant for perm names role, ignoring owner
// and state conditions. Used for coarse route-level checks.
func (g *Gate) RoleMayEver(role shared.Role, perm string) bool {
	if g == nil {
		return false
	}
	for _, grant := range g.policy[normalize(perm)] {
		if hasRole(grant.Roles, role) {
			return true
		}
	}
	return false
}

func hasRole(roles []shared.Role, role shared.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func normalize(perm string) string {
	return strings.TrimSpace(strings.ToLower(perm))
}
