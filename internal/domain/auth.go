package domain

import "strings"

// Role is re-read from the user store on every decision; never trust a cached copy.
type Role string

const (
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RolePrivileged Role = "PRIVILEGED"
)

// ParseRole accepts any casing and rejects unknown values.
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleUser, RoleAdmin, RolePrivileged:
		return role, true
	}
	return "", false
}

// BypassesHierarchy reports whether the role is exempt from hierarchy gating.
func (r Role) BypassesHierarchy() bool {
	return r == RoleAdmin || r == RolePrivileged
}

// Principal is the authenticated caller resolved for a request.
type Principal struct {
	UserID        string
	ReferenceCode string
	Role          Role
}
