package ordersheet

import (
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Policy grants access to the order sheet. Creating orders from it is
// governed by the purchase order policy.
var Policy = rbac.Policy{
	shared.PermOrderSheetView: {{Roles: []shared.Role{shared.RoleManager, shared.RoleAdmin, shared.RoleAccountant}}},
}
