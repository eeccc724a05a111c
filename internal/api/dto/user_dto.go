package dto

import (
	"time"

	"github.com/spec-kit/referral-service/internal/domain"
)

// UserRegisterRequest payload for new users.
type UserRegisterRequest struct {
	Name         string  `json:"name"`
	Email        string  `json:"email"`
	Password     string  `json:"password"`
	Phone        *string `json:"phone"`
	ReferralCode *string `json:"referral_code"`
}

// UserLoginRequest payload for login.
type UserLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse standard response for auth endpoints.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UpdateProfileRequest carries optional self-service changes.
type UpdateProfileRequest struct {
	Name      *string `json:"name"`
	Phone     *string `json:"phone"`
	AvatarURL *string `json:"avatar_url"`
	Country   *string `json:"country"`
	Bio       *string `json:"bio"`
	Website   *string `json:"website"`
}

// UpdatePrivacyRequest maps privacy keys to public/private.
type UpdatePrivacyRequest struct {
	Settings map[string]string `json:"settings"`
}

// ChangeRoleRequest payload for admin role changes.
type ChangeRoleRequest struct {
	Role string `json:"role"`
}

// MeResponse is the caller's own unredacted record.
type MeResponse struct {
	domain.ProfileView
	Role        domain.Role       `json:"role"`
	ReferrerRef *string           `json:"referrerRef"`
	Privacy     map[string]string `json:"privacy"`
}

// UserSummary is returned by auth endpoints.
type UserSummary struct {
	ID            string      `json:"id"`
	ReferenceCode string      `json:"referenceCode"`
	Name          string      `json:"name"`
	Email         string      `json:"email"`
	Role          domain.Role `json:"role"`
}

// NewUserSummary builds the auth response user block.
func NewUserSummary(u *domain.User) UserSummary {
	return UserSummary{ID: u.ID, ReferenceCode: u.ReferenceCode, Name: u.Name, Email: u.Email, Role: u.Role}
}
