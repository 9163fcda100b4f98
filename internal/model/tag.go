package model

import "time"

// TagStatus is the server-side lifecycle state of an issued tag.
type TagStatus string

// Tag statuses.
const (
	TagStatusPending  TagStatus = "PENDING"
	TagStatusActive   TagStatus = "ACTIVE"
	TagStatusInactive TagStatus = "INACTIVE"
	TagStatusLost     TagStatus = "LOST"
	TagStatusDamaged  TagStatus = "DAMAGED"
)

// Valid reports whether s is a known status.
func (s TagStatus) Valid() bool {
	switch s {
	case TagStatusPending, TagStatusActive, TagStatusInactive, TagStatusLost, TagStatusDamaged:
		return true
	}
	return false
}

// Retired reports whether the status takes the tag out of service for good.
// A retired tag's physical UUID no longer blocks reuse checks.
func (s TagStatus) Retired() bool {
	return s == TagStatusInactive || s == TagStatusLost || s == TagStatusDamaged
}

// Tag is a physical proximity token bound to a property and optionally a room.
// The write secret is never part of this type; it is served only by the
// privileged password endpoint.
type Tag struct {
	ID                 int64      `json:"id"`
	PhysicalUUID       string     `json:"physicalUuid"`
	Status             TagStatus  `json:"status"`
	PasswordSet        bool       `json:"passwordSet"`
	PropertyID         int64      `json:"propertyId"`
	RoomID             *int64     `json:"roomId,omitempty"`
	LastScannedAt      *time.Time `json:"lastScannedAt,omitempty"`
	LockedAt           *time.Time `json:"lockedAt,omitempty"`
	DeactivatedAt      *time.Time `json:"deactivatedAt,omitempty"`
	DeactivationReason string     `json:"deactivationReason,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// SecretAccess is one audited retrieval of a tag's write secret.
type SecretAccess struct {
	ID         int64     `json:"id"`
	TagID      int64     `json:"tagId"`
	UserID     int64     `json:"userId"`
	Username   string    `json:"username"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	AccessedAt time.Time `json:"accessedAt"`
}
