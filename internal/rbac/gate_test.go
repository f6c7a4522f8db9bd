package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pharmaquote/pharmaquote/internal/shared"
)

func testPolicy() Policy {
	return Policy{
		"doc.edit": {
			{Roles: []shared.Role{shared.RoleAdmin}},
			{Roles: []shared.Role{shared.RoleManager}, States: []string{"draft"}},
			{Roles: []shared.Role{shared.RoleSalesExecutive}, OwnerOnly: true, States: []string{"draft"}},
		},
	}
}

func TestGateAllowed(t *testing.T) {
	gate := NewGate(testPolicy())
	draftOwned := Resource{OwnerID: "u1", State: "draft"}
	locked := Resource{OwnerID: "u1", State: "locked"}

	cases := []struct {
		name string
		sub  Subject
		res  Resource
		want bool
	}{
		{"admin any state", Subject{ID: "a", Role: shared.RoleAdmin}, locked, true},
		{"manager in draft", Subject{ID: "m", Role: shared.RoleManager}, draftOwned, true},
		{"manager outside state", Subject{ID: "m", Role: shared.RoleManager}, locked, false},
		{"owner sales in draft", Subject{ID: "u1", Role: shared.RoleSalesExecutive}, draftOwned, true},
		{"other sales", Subject{ID: "u2", Role: shared.RoleSalesExecutive}, draftOwned, false},
		{"designer never", Subject{ID: "d", Role: shared.RoleDesigner}, draftOwned, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, gate.Allowed(tc.sub, "doc.edit", tc.res))
		})
	}
}

func TestGateAuthorizeWrapsPermissionDenied(t *testing.T) {
	gate := NewGate(testPolicy())
	err := gate.Authorize(Subject{ID: "d", Role: shared.RoleDesigner}, "DOC.EDIT", Resource{State: "draft"})
	require.True(t, errors.Is(err, shared.ErrPermissionDenied))
	require.NoError(t, gate.Authorize(Subject{ID: "a", Role: shared.RoleAdmin}, "doc.edit", Resource{}))
}

func TestGateMergesPolicies(t *testing.T) {
	gate := NewGate(testPolicy(), Policy{"doc.edit": {{Roles: []shared.Role{shared.RoleDesigner}}}})
	require.True(t, gate.RoleMayEver(shared.RoleDesigner, "doc.edit"))
	require.False(t, gate.RoleMayEver(shared.RoleAccountant, "doc.edit"))
	require.False(t, gate.Allowed(Subject{Role: shared.RoleAdmin}, "unknown", Resource{}))
}
