package auth

// Permission names an allowed operation class.
type Permission string

const (
	PermRead        Permission = "read:data"
	PermWrite       Permission = "write:data"
	PermDelete      Permission = "delete:data"
	PermExecute     Permission = "execute:query"
	PermAdminUsers  Permission = "admin:users"
	PermAdminSystem Permission = "admin:system"
	PermViewAudit   Permission = "view:audit"
	PermExport      Permission = "export:data"
)

// Role is a named permission bundle.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleAnalyst   Role = "analyst"
	RoleViewer    Role = "viewer"
	RoleAuditor   Role = "auditor"
)

// rolePermissions is the fixed role to permission table.
var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermRead, PermWrite, PermDelete, PermExecute,
		PermAdminUsers, PermAdminSystem, PermViewAudit, PermExport,
	},
	RoleDeveloper: {PermRead, PermWrite, PermExecute, PermViewAudit, PermExport},
	RoleAnalyst:   {PermRead, PermExecute, PermExport},
	RoleViewer:    {PermRead},
	RoleAuditor:   {PermRead, PermViewAudit},
}

// PermissionsForRoles returns the union of permissions for the given roles,
// ignoring unknown role names.
func PermissionsForRoles(roles []string) []Permission {
	seen := map[Permission]struct{}{}
	var out []Permission
	for _, r := range roles {
		for _, p := range rolePermissions[Role(r)] {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// HasPermission reports whether perms contains p.
func HasPermission(perms []Permission, p Permission) bool {
	for _, have := range perms {
		if have == p {
			return true
		}
	}
	return false
}

// HasRole reports whether roles contains r.
func HasRole(roles []string, r Role) bool {
	for _, have := range roles {
		if Role(have) == r {
			return true
		}
	}
	return false
}
