// Package schema defines the shared data model for the Blitz control plane.
package schema

import "strings"

// Role classifies the capabilities of an authenticated caller.
type Role string

const (
	// RoleUser marks a regular bot owner.
	RoleUser Role = "user"
	// RoleAdmin marks an operator identity that bypasses admission limits.
	RoleAdmin Role = "admin"
)

// RoleFromString normalizes a stored role value, defaulting to RoleUser.
func RoleFromString(value string) Role {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RoleAdmin):
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Identity describes an authenticated caller at the admission boundary.
type Identity struct {
	UserID int64
	Email  string
	Role   Role
}

// IsAdmin reports whether the identity carries the operator capability.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
