package domain

import "time"

// Decision is the outcome of a visibility evaluation.
type Decision int

const (
	DecisionDeny Decision = iota
	DecisionAllowFull
	DecisionAllowRedacted
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowFull:
		return "allow_full"
	case DecisionAllowRedacted:
		return "allow_redacted"
	default:
		return "deny"
	}
}

// ProfileAccess is the externally visible result of a visibility check.
type ProfileAccess struct {
	Allowed  bool `json:"allowed"`
	Redacted bool `json:"redacted"`
}

// Access converts a decision into its externally visible form.
func (d Decision) Access() ProfileAccess {
	return ProfileAccess{
		Allowed:  d != DecisionDeny,
		Redacted: d == DecisionAllowRedacted,
	}
}

// ProfileView is a user projected for another user. Structural fields are
// always present; contact and personal fields are nil when redacted.
type ProfileView struct {
	ID            string     `json:"id"`
	ReferenceCode string     `json:"referenceCode"`
	Name          string     `json:"name"`
	AvatarURL     *string    `json:"avatarUrl"`
	Status        UserStatus `json:"status"`
	Email         *string    `json:"email"`
	Phone         *string    `json:"phone"`
	BirthDate     *time.Time `json:"birthDate"`
	Gender        *string    `json:"gender"`
	Country       *string    `json:"country"`
	Bio           *string    `json:"bio"`
	Website       *string    `json:"website"`
	VerifiedAt    *time.Time `json:"verifiedAt"`
	CreatedAt     time.Time  `json:"createdAt"`
	Redacted      bool       `json:"redacted"`
}

// ProjectProfile builds the view of u, nulling contact and personal fields when redacted.
func ProjectProfile(u *User, redacted bool) ProfileView {
	view := ProfileView{
		ID:            u.ID,
		ReferenceCode: u.ReferenceCode,
		Name:          u.Name,
		AvatarURL:     u.AvatarURL,
		Status:        u.Status,
		VerifiedAt:    u.VerifiedAt,
		CreatedAt:     u.CreatedAt,
		Redacted:      redacted,
	}
	if redacted {
		return view
	}
	email := u.Email
	view.Email = &email
	view.Phone = u.Phone
	view.BirthDate = u.BirthDate
	view.Gender = u.Gender
	view.Country = u.Country
	view.Bio = u.Bio
	view.Website = u.Website
	return view
}
