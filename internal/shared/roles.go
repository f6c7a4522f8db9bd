package shared

import "strings"

// Role is the static role assigned to a user.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleManager        Role = "manager"
	RoleSalesExecutive Role = "sales_executive"
	RoleDesigner       Role = "designer"
	RoleAccountant     Role = "accountant"
)

// AllRoles lists every known role.
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleManager, RoleSalesExecutive, RoleDesigner, RoleAccountant}
}

// ParseRole normalises raw input and reports whether it names a known role.
func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllRoles() {
		if r == known {
			return r, true
		}
	}
	return "", false
}
