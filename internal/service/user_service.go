package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/events"
	"github.com/spec-kit/referral-service/internal/repository"
	apperrors "github.com/spec-kit/referral-service/pkg/util/errorutil"
)

// UserService handles account self-service and admin mutations.
type UserService struct {
	users      repository.UserRepository
	privacy    repository.PrivacyRepository
	referrals  *ReferralService
	dispatcher events.Dispatcher
	logger     *zap.Logger
}

// UserDependencies bundles collaborators.
type UserDependencies struct {
	UserRepo    repository.UserRepository
	PrivacyRepo repository.PrivacyRepository
	Referrals   *ReferralService
	Dispatcher  events.Dispatcher
	Logger      *zap.Logger
}

// ProfileUpdate holds optional self-service field changes.
type ProfileUpdate struct {
	Name      *string
	Phone     *string
	AvatarURL *string
	Country   *string
	Bio       *string
	Website   *string
}

// NewUserService builds the service.
func NewUserService(deps UserDependencies) *UserService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{
		users:      deps.UserRepo,
		privacy:    deps.PrivacyRepo,
		referrals:  deps.Referrals,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}
}

// Me returns the caller and its privacy settings, creating defaults on first access.
func (s *UserService) Me(ctx context.Context, userID string) (*domain.User, domain.PrivacyConfig, error) {
	user, err := loadLiveUser(ctx, s.users, userID)
	if err != nil {
		return nil, domain.PrivacyConfig{}, err
	}
	cfg, err := s.privacy.GetOrCreate(ctx, user.ID, domain.DefaultPrivacySettings())
	if err != nil {
		return nil, domain.PrivacyConfig{}, err
	}
	return user, cfg, nil
}

// UpdateProfile applies the non-nil fields of update.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*domain.User, error) {
	user, err := loadLiveUser(ctx, s.users, userID)
	if err != nil {
		return nil, err
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, apperrors.NewValidationError("name cannot be empty", nil)
		}
		user.Name = name
	}
	if update.Phone != nil {
		user.Phone = update.Phone
	}
	if update.AvatarURL != nil {
		user.AvatarURL = update.AvatarURL
	}
	if update.Country != nil {
		user.Country = update.Country
	}
	if update.Bio != nil {
		user.Bio = update.Bio
	}
	if update.Website != nil {
		user.Website = update.Website
	}
	if err := s.users.Update(ctx, user); err != nil {
		return nil, apperrors.MapError(err)
	}
	s.referrals.InvalidateFor(ctx, user)
	s.publish(ctx, events.NewEvent(events.EventUserUpdated, user.ID, events.Actor{UserID: &user.ID, Role: user.Role}, nil))
	return user, nil
}

// UpdatePrivacy validates and stores settings for the caller.
func (s *UserService) UpdatePrivacy(ctx context.Context, userID string, settings map[string]string) (domain.PrivacyConfig, error) {
	if len(settings) == 0 {
		return domain.PrivacyConfig{}, apperrors.NewValidationError("no settings provided", nil)
	}
	for key, value := range settings {
		if !domain.IsPrivacyKey(key) {
			return domain.PrivacyConfig{}, apperrors.NewValidationError("unknown privacy setting", map[string]any{"key": key})
		}
		if !domain.IsVisibility(value) {
			return domain.PrivacyConfig{}, apperrors.NewValidationError("privacy value must be public or private", map[string]any{"key": key})
		}
	}

	user, err := loadLiveUser(ctx, s.users, userID)
	if err != nil {
		return domain.PrivacyConfig{}, err
	}
	if _, err := s.privacy.GetOrCreate(ctx, user.ID, domain.DefaultPrivacySettings()); err != nil {
		return domain.PrivacyConfig{}, err
	}
	if err := s.privacy.Upsert(ctx, user.ID, settings); err != nil {
		return domain.PrivacyConfig{}, err
	}
	cfg, _, err := s.privacy.Get(ctx, user.ID)
	if err != nil {
		return domain.PrivacyConfig{}, err
	}

	s.referrals.InvalidateFor(ctx, user)
	s.publish(ctx, events.NewEvent(events.EventPrivacyUpdated, user.ID, events.Actor{UserID: &user.ID, Role: user.Role},
		events.PrivacyUpdatedPayload{Settings: cfg.Settings}))
	return cfg, nil
}

// SoftDelete marks the user deleted. Closure rows stay; listings filter the user out.
func (s *UserService) SoftDelete(ctx context.Context, actor domain.Principal, userID string) error {
	user, err := loadLiveUser(ctx, s.users, userID)
	if err != nil {
		return err
	}
	if err := s.users.SoftDelete(ctx, user.ID); err != nil {
		return apperrors.MapError(err)
	}
	s.referrals.InvalidateFor(ctx, user)
	s.publish(ctx, events.NewEvent(events.EventUserDeleted, user.ID, actorOf(actor), nil))
	return nil
}

// ChangeRole sets a new role. It takes effect on the target's next request.
func (s *UserService) ChangeRole(ctx context.Context, actor domain.Principal, userID, rawRole string) (*domain.User, error) {
	role, ok := domain.ParseRole(rawRole)
	if !ok {
		return nil, apperrors.NewValidationError("invalid role", map[string]any{"role": rawRole})
	}
	user, err := loadLiveUser(ctx, s.users, userID)
	if err != nil {
		return nil, err
	}
	oldRole := user.Role
	if oldRole == role {
		return user, nil
	}
	if err := s.users.UpdateRole(ctx, user.ID, role); err != nil {
		return nil, apperrors.MapError(err)
	}
	user.Role = role

	s.logger.Info("role changed",
		zap.String("actor_id", actor.UserID),
		zap.String("user_id", user.ID),
		zap.String("old_role", string(oldRole)),
		zap.String("new_role", string(role)),
	)
	s.publish(ctx, events.NewEvent(events.EventUserRoleChanged, user.ID, actorOf(actor),
		events.UserRoleChangedPayload{OldRole: oldRole, NewRole: role}))
	return user, nil
}

func (s *UserService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event dropped", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func actorOf(p domain.Principal) events.Actor {
	id := p.UserID
	return events.Actor{UserID: &id, Role: p.Role}
}
