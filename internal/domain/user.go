package domain

import (
	"strings"
	"time"
)

// UserStatus represents lifecycle states for a user.
type UserStatus string

const (
	UserStatusActive    UserStatus = "ACTIVE"
	UserStatusPending   UserStatus = "PENDING"
	UserStatusSuspended UserStatus = "SUSPENDED"
)

// ParseUserStatus accepts any casing and rejects unknown values.
func ParseUserStatus(raw string) (UserStatus, bool) {
	status := UserStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case UserStatusActive, UserStatusPending, UserStatusSuspended:
		return status, true
	}
	return "", false
}

// User is a member of the referral forest.
type User struct {
	ID            string
	ReferenceCode string
	ReferrerRef   *string
	Role          Role
	Status        UserStatus
	Name          string
	Email         string
	Phone         *string
	AvatarURL     *string
	BirthDate     *time.Time
	Gender        *string
	Country       *string
	Bio           *string
	Website       *string
	PasswordHash  string
	VerifiedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// IsDeleted reports whether the user carries the soft-delete marker.
func (u *User) IsDeleted() bool {
	return u == nil || u.DeletedAt != nil
}

// IsRoot reports whether the user has no referrer.
func (u *User) IsRoot() bool {
	return u.ReferrerRef == nil || *u.ReferrerRef == ""
}
