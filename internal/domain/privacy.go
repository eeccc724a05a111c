package domain

// Visibility is the value space of the privacy settings the engine interprets.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

const (
	PrivacyKeyProfileVisibility   = "profile_visibility"
	PrivacyKeyInformationExposure = "information_exposure"
)

// PrivacyConfig holds a user's key/value privacy settings.
type PrivacyConfig struct {
	UserID   string
	Settings map[string]string
}

// DefaultPrivacySettings are applied on first touch.
func DefaultPrivacySettings() map[string]string {
	return map[string]string{
		PrivacyKeyProfileVisibility:   string(VisibilityPublic),
		PrivacyKeyInformationExposure: string(VisibilityPublic),
	}
}

// DefaultPrivacyConfig returns the system defaults for a user.
func DefaultPrivacyConfig(userID string) PrivacyConfig {
	return PrivacyConfig{UserID: userID, Settings: DefaultPrivacySettings()}
}

// ProfileVisibility falls back to public for missing or unknown values.
func (p PrivacyConfig) ProfileVisibility() Visibility {
	return p.visibility(PrivacyKeyProfileVisibility)
}

// InformationExposure falls back to public for missing or unknown values.
func (p PrivacyConfig) InformationExposure() Visibility {
	return p.visibility(PrivacyKeyInformationExposure)
}

func (p PrivacyConfig) visibility(key string) Visibility {
	if Visibility(p.Settings[key]) == VisibilityPrivate {
		return VisibilityPrivate
	}
	return VisibilityPublic
}

// IsPrivacyKey reports whether key is a setting the engine understands.
func IsPrivacyKey(key string) bool {
	return key == PrivacyKeyProfileVisibility || key == PrivacyKeyInformationExposure
}

// IsVisibility reports whether value is public or private.
func IsVisibility(value string) bool {
	return value == string(VisibilityPublic) || value == string(VisibilityPrivate)
}
