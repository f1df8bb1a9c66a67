package auth

import (
	"fmt"
	"strings"
)

// Role is a coarse-grained actor role carried in the access token.
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleClinician         Role = "clinician"
	RoleService           Role = "service"
)

// Permission is a capability checked before a handler runs.
type Permission string

const (
	PermAuditRead       Permission = "audit:read"
	PermAuditVerify     Permission = "audit:verify"
	PermAuditIntegrity  Permission = "audit:integrity"
	PermStreamSubscribe Permission = "stream:subscribe"
	PermKeysRead        Permission = "keys:read"
	PermKeysRotate      Permission = "keys:rotate"
	PermRateLimitAdmin  Permission = "ratelimit:admin"
	PermReportsRead     Permission = "reports:read"
)

// rolePermissions is the capability table. Full-chain integrity reports
// are reserved for administrators.
var rolePermissions = map[Role]map[Permission]bool{
	RoleAdmin: {
		PermAuditRead:       true,
		PermAuditVerify:     true,
		PermAuditIntegrity:  true,
		PermStreamSubscribe: true,
		PermKeysRead:        true,
		PermKeysRotate:      true,
		PermRateLimitAdmin:  true,
		PermReportsRead:     true,
	},
	RoleComplianceOfficer: {
		PermAuditRead:       true,
		PermAuditVerify:     true,
		PermStreamSubscribe: true,
		PermKeysRead:        true,
		PermReportsRead:     true,
	},
	RoleClinician: {},
	RoleService: {
		PermStreamSubscribe: true,
	},
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := rolePermissions[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// HasPermission reports whether role grants perm. Unknown roles have none.
func HasPermission(role Role, perm Permission) bool {
	return rolePermissions[role][perm]
}

// Permissions lists the capabilities granted to role.
func Permissions(role Role) []Permission {
	var out []Permission
	for _, p := range []Permission{
		PermAuditRead, PermAuditVerify, PermAuditIntegrity, PermStreamSubscribe,
		PermKeysRead, PermKeysRotate, PermRateLimitAdmin, PermReportsRead,
	} {
		if HasPermission(role, p) {
			out = append(out, p)
		}
	}
	return out
}
