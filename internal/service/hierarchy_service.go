package service

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/referral-service/internal/config"
	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/repository"
	apperrors "github.com/spec-kit/referral-service/pkg/util/errorutil"
)

// HierarchyService answers bounded membership questions from the closure index.
// Every call is a point lookup or a range scan; the tree is never walked.
type HierarchyService struct {
	users   repository.UserRepository
	closure repository.ClosureRepository
	cap     int
}

// NewHierarchyService clamps the configured cap to the hard maximum.
func NewHierarchyService(cfg config.HierarchyConfig, users repository.UserRepository, closure repository.ClosureRepository) *HierarchyService {
	limit := cfg.Cap
	if limit <= 0 || limit > config.MaxHierarchyDepth {
		limit = config.MaxHierarchyDepth
	}
	return &HierarchyService{users: users, closure: closure, cap: limit}
}

// Cap returns the effective hierarchy depth limit.
func (s *HierarchyService) Cap() int {
	return s.cap
}

// IsAncestorWithinCap returns the distance from ancestorRef down to descendantRef.
// A user is never its own ancestor.
func (s *HierarchyService) IsAncestorWithinCap(ctx context.Context, ancestorRef, descendantRef string) (int, bool, error) {
	if ancestorRef == "" || descendantRef == "" || ancestorRef == descendantRef {
		return 0, false, nil
	}
	return s.closure.Lookup(ctx, ancestorRef, descendantRef, s.cap)
}

// DescendantsWithinCap lists (descendant, depth) pairs below ancestorRef, maxDepth clamped to the cap.
func (s *HierarchyService) DescendantsWithinCap(ctx context.Context, ancestorRef string, maxDepth int) ([]domain.ClosureRow, error) {
	if maxDepth <= 0 || maxDepth > s.cap {
		maxDepth = s.cap
	}
	return s.closure.Descendants(ctx, ancestorRef, maxDepth)
}

// AncestorsWithinCap lists the ancestors of descendantRef up to the cap.
func (s *HierarchyService) AncestorsWithinCap(ctx context.Context, descendantRef string) ([]domain.ClosureRow, error) {
	return s.closure.Ancestors(ctx, descendantRef, s.cap)
}

// ComputeMaxVisibleDepth bounds how many levels of the target's own subtree the viewer may traverse.
func (s *HierarchyService) ComputeMaxVisibleDepth(ctx context.Context, viewerRef, targetID string) (int, error) {
	membership, err := s.Membership(ctx, viewerRef, targetID)
	if err != nil {
		return 0, err
	}
	return membership.MaxVisibleDepth, nil
}

// Membership reports the viewer's position relative to the target.
func (s *HierarchyService) Membership(ctx context.Context, viewerRef, targetID string) (domain.Membership, error) {
	target, err := s.loadTarget(ctx, targetID)
	if err != nil {
		return domain.Membership{}, err
	}
	if target.ReferenceCode == viewerRef {
		return domain.Membership{InHierarchy: true, Depth: 0, MaxVisibleDepth: s.cap}, nil
	}

	depth, ok, err := s.IsAncestorWithinCap(ctx, viewerRef, target.ReferenceCode)
	if err != nil {
		return domain.Membership{}, err
	}
	if !ok {
		return domain.Membership{}, nil
	}
	return domain.Membership{InHierarchy: true, Depth: depth, MaxVisibleDepth: max(0, s.cap-depth)}, nil
}

// MembershipFor answers Membership for an authenticated caller. For callers
// bound by the hierarchy an unrelated target reports NotFound, exactly like
// an absent one.
func (s *HierarchyService) MembershipFor(ctx context.Context, viewerID, targetID string) (domain.Membership, error) {
	viewer, err := loadViewer(ctx, s.users, viewerID)
	if err != nil {
		return domain.Membership{}, err
	}
	membership, err := s.Membership(ctx, viewer.ReferenceCode, targetID)
	if err != nil {
		return domain.Membership{}, err
	}
	if !membership.InHierarchy && !viewer.Role.BypassesHierarchy() {
		return domain.Membership{}, apperrors.NewNotFound("user")
	}
	return membership, nil
}

func (s *HierarchyService) loadTarget(ctx context.Context, id string) (*domain.User, error) {
	return loadLiveUser(ctx, s.users, id)
}

// loadLiveUser maps absent and soft-deleted users to the same NotFound.
func loadLiveUser(ctx context.Context, users repository.UserRepository, id string) (*domain.User, error) {
	user, err := users.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("user")
	}
	if err != nil {
		return nil, err
	}
	if user.IsDeleted() {
		return nil, apperrors.NewNotFound("user")
	}
	return user, nil
}

// loadViewer resolves the caller from the store so its role is current.
func loadViewer(ctx context.Context, users repository.UserRepository, id string) (*domain.User, error) {
	user, err := users.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewUnauthorized("viewer not found")
	}
	if err != nil {
		return nil, err
	}
	if user.IsDeleted() {
		return nil, apperrors.NewUnauthorized("viewer not found")
	}
	return user, nil
}
