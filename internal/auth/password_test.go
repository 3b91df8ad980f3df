package auth

import (
	"errors"
	"testing"
)

func TestPasswordPolicy(t *testing.T) {
	tests := []struct {
		name     string
		password string
		ok       bool
	}{
		{"valid", "Str0ng!Passw0rd", true},
		{"too short", "Ab1!xyz", false},
		{"no upper", "weak!passw0rdxx", false},
		{"no lower", "WEAK!PASSW0RDXX", false},
		{"no digit", "Weak!Passwordxx", false},
		{"no special", "Weak1Passwordxx", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPasswordPolicy(tt.password)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok {
				if !errors.Is(err, ErrWeakPassword) {
					t.Errorf("err = %v, want ErrWeakPassword", err)
				}
			}
		})
	}
}

func TestHashVerifyRoundTrip(t *testing.T) {
	hash, err := HashPassword("Str0ng!Passw0rd", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword(hash, "Str0ng!Passw0rd") {
		t.Error("correct password rejected")
	}
	if VerifyPassword(hash, "Str0ng!Passw0re") {
		t.Error("wrong password accepted")
	}
}

func TestRolePermissionTable(t *testing.T) {
	tests := []struct {
		role Role
		want int
	}{
		{RoleAdmin, 8},
		{RoleDeveloper, 5},
		{RoleAnalyst, 3},
		{RoleViewer, 1},
		{RoleAuditor, 2},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			perms := PermissionsForRoles([]string{string(tt.role)})
			if len(perms) != tt.want {
				t.Errorf("%s has %d permissions, want %d", tt.role, len(perms), tt.want)
			}
		})
	}

	if HasPermission(PermissionsForRoles([]string{"viewer"}), PermExecute) {
		t.Error("viewer must not hold execute")
	}
	if !HasPermission(PermissionsForRoles([]string{"auditor"}), PermViewAudit) {
		t.Error("auditor must hold view:audit")
	}

	// Union across roles, no duplicates.
	both := PermissionsForRoles([]string{"viewer", "auditor"})
	if len(both) != 2 {
		t.Errorf("viewer+auditor union = %d permissions, want 2", len(both))
	}
}
