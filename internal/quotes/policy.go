package quotes

import (
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

var (
	editable    = states(StatusDraft, StatusManagerRejected, StatusQuoteRejected)
	rejected    = states(StatusManagerRejected, StatusQuoteRejected)
	designStage = states(StatusPendingDesigner)
)

// Policy is the quote permission table. Sales executives act on their own
// quotes; managers and admins on any. Admin edits are not state-restricted.
var Policy = rbac.Policy{
	shared.PermQuoteView: {
		{Roles: []shared.Role{shared.RoleSalesExecutive}, OwnerOnly: true},
		{Roles: []shared.Role{shared.RoleManager, shared.RoleAdmin, shared.RoleAccountant, shared.RoleDesigner}},
	},
	shared.PermQuoteCreate: {
		{Roles: []shared.Role{shared.RoleSalesExecutive, shared.RoleManager, shared.RoleAdmin}},
	},
	shared.PermQuoteEdit: {
		{Roles: []shared.Role{shared.RoleSalesExecutive}, OwnerOnly: true, States: editable},
		{Roles: []shared.Role{shared.RoleManager}, States: editable},
		{Roles: []shared.Role{shared.RoleAdmin}},
	},
	shared.PermQuoteSubmit: {
		{Roles: []shared.Role{shared.RoleSalesExecutive}, OwnerOnly: true, States: editable},
		{Roles: []shared.Role{shared.RoleManager, shared.RoleAdmin}, States: editable},
	},
	shared.PermQuoteApprove: {
		{Roles: []shared.Role{shared.RoleManager, shared.RoleAdmin}, States: states(StatusPendingManagerApproval)},
	},
	shared.PermQuoteReject: {
		{Roles: []shared.Role{shared.RoleManager, shared.RoleAdmin}, States: states(StatusPendingManagerApproval)},
	},
	shared.PermQuoteClientApprove: {
		{Roles: []shared.Role{shared.RoleSalesExecutive, shared.RoleAdmin}, States: states(StatusManagerApproved)},
	},
	shared.PermQuoteClientReject: {
		{Roles: []shared.Role{shared.RoleSalesExecutive, shared.RoleAdmin}, States: states(StatusManagerApproved)},
	},
	shared.PermQuoteReopen: {
		{Roles: []shared.Role{shared.RoleSalesExecutive}, OwnerOnly: true, States: rejected},
		{Roles: []shared.Role{shared.RoleManager, shared.RoleAdmin}, States: rejected},
	},
	shared.PermQuoteVerifyPayment: {
		{Roles: []shared.Role{shared.RoleAccountant, shared.RoleManager, shared.RoleAdmin}, States: states(StatusPendingAccountant)},
	},
	shared.PermQuoteDesignStart: {
		{Roles: []shared.Role{shared.RoleDesigner, shared.RoleManager, shared.RoleAdmin}, States: designStage},
	},
	shared.PermQuoteDesignClientApprove: {
		{Roles: []shared.Role{shared.RoleDesigner, shared.RoleManager, shared.RoleAdmin}, States: designStage},
	},
	shared.PermQuoteDesignManufacturerApprove: {
		{Roles: []shared.Role{shared.RoleDesigner, shared.RoleManager, shared.RoleAdmin}, States: designStage},
	},
}

func states(ss ...Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
