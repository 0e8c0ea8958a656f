// Package auth provides the authentication and authorisation gate: user
// store with bcrypt password hashes and brute-force lockout, HMAC-signed
// bearer tokens, the fixed role → permission matrix, and the audit trail
// wrapping every mutating operation.
package auth

// Role is one of the four fixed operator roles. Every user carries exactly
// one role.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleEngineer Role = "engineer"
	RoleAdmin    Role = "admin"
)

// Permission names one guarded operation.
type Permission string

const (
	PermReadGrid       Permission = "grid.read"
	PermReadNodes      Permission = "nodes.read"
	PermReadAlarms     Permission = "alarms.read"
	PermReadHistory    Permission = "history.read"
	PermAckAlarm       Permission = "alarms.acknowledge"
	PermControlBreaker Permission = "control.breaker"
	PermIsolateNode    Permission = "control.isolate"
	PermViewSecurity   Permission = "security.view"
	PermManageUsers    Permission = "admin.users"
	PermBlockIP        Permission = "admin.security"
	PermViewAudit      Permission = "admin.audit"
)

var viewerPerms = []Permission{
	PermReadGrid, PermReadNodes, PermReadAlarms, PermReadHistory,
}

var operatorPerms = append(append([]Permission{}, viewerPerms...),
	PermAckAlarm, PermControlBreaker,
)

var engineerPerms = append(append([]Permission{}, operatorPerms...),
	PermIsolateNode, PermViewSecurity,
)

var adminPerms = append(append([]Permission{}, engineerPerms...),
	PermManageUsers, PermBlockIP, PermViewAudit,
)

// rolePermissions is the fixed matrix; roles are strictly cumulative.
var rolePermissions = map[Role][]Permission{
	RoleViewer:   viewerPerms,
	RoleOperator: operatorPerms,
	RoleEngineer: engineerPerms,
	RoleAdmin:    adminPerms,
}

// HasPermission reports whether the role grants the permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// ValidRole reports whether the string names a known role.
func ValidRole(r string) bool {
	switch Role(r) {
	case RoleViewer, RoleOperator, RoleEngineer, RoleAdmin:
		return true
	}
	return false
}
