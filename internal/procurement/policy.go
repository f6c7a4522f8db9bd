package procurement

import (
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

var managers = []shared.Role{shared.RoleManager, shared.RoleAdmin}

// Policy is the purchase order and manufacturer permission table.
var Policy = rbac.Policy{
	shared.PermPOView:    {{Roles: []shared.Role{shared.RoleManager, shared.RoleAdmin, shared.RoleAccountant}}},
	shared.PermPOCreate:  {{Roles: managers}},
	shared.PermPOEdit:    {{Roles: managers}},
	shared.PermPOAdvance: {{Roles: managers}},
	shared.PermPOCancel:  {{Roles: managers, States: []string{string(StatusDraft), string(StatusSent), string(StatusAcknowledged)}}},
	shared.PermPOVerifyPayment: {
		{Roles: []shared.Role{shared.RoleAdmin, shared.RoleAccountant}},
	},
	shared.PermManufacturerView:   {{Roles: []shared.Role{shared.RoleManager, shared.RoleAdmin, shared.RoleAccountant}}},
	shared.PermManufacturerManage: {{Roles: managers}},
}
