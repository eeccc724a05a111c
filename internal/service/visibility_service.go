package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/events"
	"github.com/spec-kit/referral-service/internal/observability"
	"github.com/spec-kit/referral-service/internal/repository"
	apperrors "github.com/spec-kit/referral-service/pkg/util/errorutil"
)

// VisibilityService decides how much of a target profile a viewer may see.
type VisibilityService struct {
	users      repository.UserRepository
	privacy    repository.PrivacyRepository
	hierarchy  *HierarchyService
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// VisibilityDependencies bundles collaborators for the evaluator.
type VisibilityDependencies struct {
	UserRepo    repository.UserRepository
	PrivacyRepo repository.PrivacyRepository
	Hierarchy   *HierarchyService
	Dispatcher  events.Dispatcher
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

// NewVisibilityService builds the evaluator.
func NewVisibilityService(deps VisibilityDependencies) *VisibilityService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VisibilityService{
		users:      deps.UserRepo,
		privacy:    deps.PrivacyRepo,
		hierarchy:  deps.Hierarchy,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     logger,
	}
}

// Decide applies the privacy rules to an already loaded viewer and target.
// inHierarchy means the viewer is an ancestor of the target within the cap.
func Decide(viewer, target *domain.User, cfg domain.PrivacyConfig, inHierarchy bool) domain.Decision {
	if viewer.Role.BypassesHierarchy() {
		return domain.DecisionAllowFull
	}
	if viewer.ID == target.ID {
		return domain.DecisionAllowFull
	}
	if cfg.ProfileVisibility() == domain.VisibilityPrivate && !inHierarchy {
		return domain.DecisionDeny
	}
	if cfg.InformationExposure() == domain.VisibilityPrivate && !inHierarchy {
		return domain.DecisionAllowRedacted
	}
	return domain.DecisionAllowFull
}

// Evaluate returns the decision and, unless denied, the loaded target.
// An absent or deleted target is a deny, indistinguishable from a privacy deny.
func (s *VisibilityService) Evaluate(ctx context.Context, viewerID, targetID string) (domain.Decision, *domain.User, error) {
	viewer, err := loadViewer(ctx, s.users, viewerID)
	if err != nil {
		return domain.DecisionDeny, nil, err
	}

	target, err := loadLiveUser(ctx, s.users, targetID)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		s.record(domain.DecisionDeny)
		return domain.DecisionDeny, nil, nil
	}
	if err != nil {
		return domain.DecisionDeny, nil, err
	}

	if viewer.Role.BypassesHierarchy() {
		s.auditBypass(ctx, viewer, target, "view_profile")
		s.record(domain.DecisionAllowFull)
		return domain.DecisionAllowFull, target, nil
	}
	if viewer.ID == target.ID {
		s.record(domain.DecisionAllowFull)
		return domain.DecisionAllowFull, target, nil
	}

	cfg, err := s.privacy.GetOrCreate(ctx, target.ID, domain.DefaultPrivacySettings())
	if err != nil {
		return domain.DecisionDeny, nil, err
	}
	_, inHierarchy, err := s.hierarchy.IsAncestorWithinCap(ctx, viewer.ReferenceCode, target.ReferenceCode)
	if err != nil {
		return domain.DecisionDeny, nil, err
	}

	decision := Decide(viewer, target, cfg, inHierarchy)
	s.record(decision)
	if decision == domain.DecisionDeny {
		return decision, nil, nil
	}
	return decision, target, nil
}

// CanViewProfile never reports why access was refused.
func (s *VisibilityService) CanViewProfile(ctx context.Context, viewerID, targetID string) (domain.ProfileAccess, error) {
	decision, _, err := s.Evaluate(ctx, viewerID, targetID)
	if err != nil {
		return domain.ProfileAccess{}, err
	}
	return decision.Access(), nil
}

// ViewProfile projects the target for the viewer; a deny is a NotFound.
func (s *VisibilityService) ViewProfile(ctx context.Context, viewerID, targetID string) (domain.ProfileView, error) {
	decision, target, err := s.Evaluate(ctx, viewerID, targetID)
	if err != nil {
		return domain.ProfileView{}, err
	}
	if decision == domain.DecisionDeny {
		return domain.ProfileView{}, apperrors.NewNotFound("user")
	}
	return domain.ProjectProfile(target, decision == domain.DecisionAllowRedacted), nil
}

func (s *VisibilityService) auditBypass(ctx context.Context, viewer, target *domain.User, operation string) {
	s.logger.Info("hierarchy bypass",
		zap.String("viewer_id", viewer.ID),
		zap.String("viewer_role", string(viewer.Role)),
		zap.String("target_id", target.ID),
		zap.String("operation", operation),
	)
	if s.dispatcher == nil {
		return
	}
	viewerID := viewer.ID
	event := events.NewEvent(events.EventVisibilityBypass, target.ID,
		events.Actor{UserID: &viewerID, Role: viewer.Role},
		events.VisibilityBypassPayload{ViewerID: viewer.ID, Operation: operation},
	)
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("audit event dropped", zap.String("event_id", event.ID), zap.Error(err))
	}
}

func (s *VisibilityService) record(decision domain.Decision) {
	s.metrics.RecordDecision(decision.String())
}
