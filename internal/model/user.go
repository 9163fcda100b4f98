package model

import (
	"errors"
	"time"
)

// User represents an authentication user. PropertyID scopes non-admin users to a
// single property; admins carry 0 and see every property.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	PropertyID   int64      `json:"propertyId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

// Roles.
const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleStaff    = "staff"
	RoleResident = "resident"
)

var roleLevels = map[string]int{
	RoleAdmin:    4,
	RoleManager:  3,
	RoleStaff:    2,
	RoleResident: 1,
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	_, ok := roleLevels[role]
	return ok
}

// RoleAtLeast checks if role meets or exceeds the minimum required role.
// Unknown roles on either side fail closed.
func RoleAtLeast(role, minimum string) bool {
	have, ok := roleLevels[role]
	if !ok {
		return false
	}
	want, ok := roleLevels[minimum]
	if !ok {
		return false
	}
	return have >= want
}

// Capability names an action on a property's tags.
type Capability string

const (
	// CapTagResolve allows resolving a scanned tag to its room.
	CapTagResolve Capability = "tag:resolve"
	// CapTagView allows listing a property's tags.
	CapTagView Capability = "tag:view"
	// CapTagManage allows issuing, reassigning, revoking tags and reading write secrets.
	CapTagManage Capability = "tag:manage"
)

var capabilityRoles = map[Capability]string{
	CapTagResolve: RoleResident,
	CapTagView:    RoleStaff,
	CapTagManage:  RoleManager,
}

// Can reports whether role grants the capability.
func Can(role string, c Capability) bool {
	minimum, ok := capabilityRoles[c]
	if !ok {
		return false
	}
	return RoleAtLeast(role, minimum)
}

// MinPasswordLength is the minimum length for user passwords.
const MinPasswordLength = 8

// ValidatePassword checks a user password against the password policy.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}
