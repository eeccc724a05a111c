package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestProjectProfile_RedactionNullsOnlyContactFields(t *testing.T) {
	birth := time.Date(1990, 1, 2, 0, 0, 0, 0, time.UTC)
	u := &User{
		ID:            "u-1",
		ReferenceCode: "REF-AAAA",
		Name:          "Ada",
		AvatarURL:     strPtr("https://cdn/a.png"),
		Status:        UserStatusActive,
		Email:         "ada@example.com",
		Phone:         strPtr("+100"),
		BirthDate:     &birth,
		Gender:        strPtr("f"),
		Country:       strPtr("UK"),
		Bio:           strPtr("math"),
		Website:       strPtr("https://ada.dev"),
	}

	view := ProjectProfile(u, true)

	assert.Equal(t, "u-1", view.ID)
	assert.Equal(t, "REF-AAAA", view.ReferenceCode)
	assert.Equal(t, "Ada", view.Name)
	assert.Equal(t, u.AvatarURL, view.AvatarURL)
	assert.Equal(t, UserStatusActive, view.Status)
	assert.True(t, view.Redacted)
	assert.Nil(t, view.Email)
	assert.Nil(t, view.Phone)
	assert.Nil(t, view.BirthDate)
	assert.Nil(t, view.Gender)
	assert.Nil(t, view.Country)
	assert.Nil(t, view.Bio)
	assert.Nil(t, view.Website)

	full := ProjectProfile(u, false)
	assert.Equal(t, "ada@example.com", *full.Email)
	assert.Equal(t, "+100", *full.Phone)
	assert.False(t, full.Redacted)
}

func TestPrivacyConfig_DefaultsAndUnknownValues(t *testing.T) {
	cfg := DefaultPrivacyConfig("u-1")
	assert.Equal(t, VisibilityPublic, cfg.ProfileVisibility())
	assert.Equal(t, VisibilityPublic, cfg.InformationExposure())

	cfg.Settings[PrivacyKeyProfileVisibility] = "private"
	cfg.Settings[PrivacyKeyInformationExposure] = "friends-only"
	assert.Equal(t, VisibilityPrivate, cfg.ProfileVisibility())
	assert.Equal(t, VisibilityPublic, cfg.InformationExposure())

	assert.Equal(t, VisibilityPublic, PrivacyConfig{}.ProfileVisibility())
}

func TestParseReferralScope(t *testing.T) {
	scope, ok := ParseReferralScope("")
	assert.True(t, ok)
	assert.Equal(t, ScopeAll, scope)
	assert.Equal(t, []int{1, 2}, scope.Depths())

	scope, ok = ParseReferralScope("indirect")
	assert.True(t, ok)
	assert.Equal(t, []int{2}, scope.Depths())

	_, ok = ParseReferralScope("cousins")
	assert.False(t, ok)
}

func TestNewReferralPage(t *testing.T) {
	page := NewReferralPage(nil, 41, 2, 20)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasNext)
	assert.True(t, page.HasPrev)
	assert.NotNil(t, page.Data)

	empty := EmptyReferralPage(1, 20)
	assert.Equal(t, 0, empty.Total)
	assert.Equal(t, 0, empty.TotalPages)
	assert.False(t, empty.HasNext)
	assert.False(t, empty.HasPrev)
}

func TestRolesAndDecisions(t *testing.T) {
	assert.True(t, RoleAdmin.BypassesHierarchy())
	assert.True(t, RolePrivileged.BypassesHierarchy())
	assert.False(t, RoleUser.BypassesHierarchy())

	role, ok := ParseRole("admin")
	assert.True(t, ok)
	assert.Equal(t, RoleAdmin, role)

	assert.Equal(t, ProfileAccess{Allowed: false}, DecisionDeny.Access())
	assert.Equal(t, ProfileAccess{Allowed: true, Redacted: true}, DecisionAllowRedacted.Access())
	assert.Equal(t, "allow_full", DecisionAllowFull.String())
}
