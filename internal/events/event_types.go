package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/referral-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventReferralCreated  EventType = "referral.created"
	EventUserUpdated      EventType = "user.updated"
	EventUserDeleted      EventType = "user.deleted"
	EventUserRoleChanged  EventType = "user.role_changed"
	EventPrivacyUpdated   EventType = "privacy.updated"
	EventVisibilityBypass EventType = "visibility.admin_bypass"
)

// Actor identifies who caused an event. UserID is nil for system actions.
type Actor struct {
	UserID *string     `json:"user_id,omitempty"`
	Role   domain.Role `json:"role,omitempty"`
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	UserID    string      `json:"user_id"`
	Actor     Actor       `json:"actor"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(eventType EventType, userID string, actor Actor, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// ReferralCreatedPayload payload.
type ReferralCreatedPayload struct {
	ReferenceCode string `json:"reference_code"`
	ReferrerRef   string `json:"referrer_ref"`
	ClosureRows   int    `json:"closure_rows"`
}

// UserRoleChangedPayload payload.
type UserRoleChangedPayload struct {
	OldRole domain.Role `json:"old_role"`
	NewRole domain.Role `json:"new_role"`
}

// PrivacyUpdatedPayload payload.
type PrivacyUpdatedPayload struct {
	Settings map[string]string `json:"settings"`
}

// VisibilityBypassPayload records a hierarchy bypass by an elevated role.
type VisibilityBypassPayload struct {
	ViewerID  string `json:"viewer_id"`
	Operation string `json:"operation"`
}
