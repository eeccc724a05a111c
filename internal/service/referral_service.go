package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/referral-service/internal/cache"
	"github.com/spec-kit/referral-service/internal/config"
	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/repository"
	apperrors "github.com/spec-kit/referral-service/pkg/util/errorutil"
)

// ListQuery carries the raw listing parameters of a request.
type ListQuery struct {
	Scope    string
	Page     int
	PageSize int
	Search   string
	Status   string
}

// ReferralService serves paginated referral listings.
type ReferralService struct {
	users      repository.UserRepository
	privacy    repository.PrivacyRepository
	hierarchy  *HierarchyService
	visibility *VisibilityService
	cache      *cache.ResultCache
	listing    config.ListingConfig
	logger     *zap.Logger
}

// ReferralDependencies bundles collaborators for listings.
type ReferralDependencies struct {
	UserRepo    repository.UserRepository
	PrivacyRepo repository.PrivacyRepository
	Hierarchy   *HierarchyService
	Visibility  *VisibilityService
	Cache       *cache.ResultCache
	Logger      *zap.Logger
}

// NewReferralService builds the listing service.
func NewReferralService(cfg config.ListingConfig, deps ReferralDependencies) *ReferralService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferralService{
		users:      deps.UserRepo,
		privacy:    deps.PrivacyRepo,
		hierarchy:  deps.Hierarchy,
		visibility: deps.Visibility,
		cache:      deps.Cache,
		listing:    cfg,
		logger:     logger,
	}
}

// List returns the target's referrals as the viewer may see them. A viewer
// outside the target's hierarchy gets an empty page, never an error.
func (s *ReferralService) List(ctx context.Context, targetID, viewerID string, q ListQuery) (domain.ReferralPage, error) {
	return s.list(ctx, targetID, viewerID, q, s.listing.DefaultPageSize)
}

// ListNested previews childID's direct referrals. childID must be a direct
// referral of parentID. A viewer outside parentID's hierarchy gets an empty
// page whether or not the pair is related.
func (s *ReferralService) ListNested(ctx context.Context, parentID, childID, viewerID string, q ListQuery) (domain.ReferralPage, error) {
	q.Scope = string(domain.ScopeDirect)
	parent, err := loadLiveUser(ctx, s.users, parentID)
	if err != nil {
		return domain.ReferralPage{}, err
	}
	viewer, err := loadViewer(ctx, s.users, viewerID)
	if err != nil {
		return domain.ReferralPage{}, err
	}
	allowed, err := s.allowedFor(ctx, viewer)
	if err != nil {
		return domain.ReferralPage{}, err
	}
	if allowed != nil {
		if _, ok := allowed[parent.ReferenceCode]; !ok {
			page, limit := s.normalizePage(q.Page, q.PageSize, s.listing.NestedPageSize)
			return domain.EmptyReferralPage(page, limit), nil
		}
	}

	child, err := loadLiveUser(ctx, s.users, childID)
	if err != nil {
		return domain.ReferralPage{}, err
	}
	if child.ReferrerRef == nil || *child.ReferrerRef != parent.ReferenceCode {
		return domain.ReferralPage{}, apperrors.NewNotFound("user")
	}
	return s.list(ctx, childID, viewerID, q, s.listing.NestedPageSize)
}

// InvalidateFor drops cached listings that can contain user: those of the
// user, its ancestors within the cap, and the referrer's ancestors whose
// rows carry the referrer's direct-referral count.
func (s *ReferralService) InvalidateFor(ctx context.Context, user *domain.User) {
	if !s.cache.Enabled() || user == nil {
		return
	}
	refs := []string{user.ReferenceCode}
	ancestors, err := s.hierarchy.AncestorsWithinCap(ctx, user.ReferenceCode)
	if err != nil {
		s.logger.Warn("cache invalidation skipped ancestors", zap.String("ref", user.ReferenceCode), zap.Error(err))
	}
	for _, row := range ancestors {
		refs = append(refs, row.AncestorRef)
	}
	if !user.IsRoot() {
		upper, err := s.hierarchy.AncestorsWithinCap(ctx, *user.ReferrerRef)
		if err != nil {
			s.logger.Warn("cache invalidation skipped referrer ancestors", zap.String("ref", *user.ReferrerRef), zap.Error(err))
		}
		for _, row := range upper {
			refs = append(refs, row.AncestorRef)
		}
	}
	_ = s.cache.InvalidateTargets(ctx, dedupe(refs))
}

func (s *ReferralService) list(ctx context.Context, targetID, viewerID string, q ListQuery, defaultSize int) (domain.ReferralPage, error) {
	scope, ok := domain.ParseReferralScope(strings.ToLower(strings.TrimSpace(q.Scope)))
	if !ok {
		return domain.ReferralPage{}, apperrors.NewValidationError("invalid scope", map[string]any{"scope": q.Scope})
	}
	var status *domain.UserStatus
	if strings.TrimSpace(q.Status) != "" {
		parsed, ok := domain.ParseUserStatus(q.Status)
		if !ok {
			return domain.ReferralPage{}, apperrors.NewValidationError("invalid status", map[string]any{"status": q.Status})
		}
		status = &parsed
	}
	page, limit := s.normalizePage(q.Page, q.PageSize, defaultSize)
	search := strings.TrimSpace(q.Search)

	target, err := loadLiveUser(ctx, s.users, targetID)
	if err != nil {
		return domain.ReferralPage{}, err
	}
	viewer, err := loadViewer(ctx, s.users, viewerID)
	if err != nil {
		return domain.ReferralPage{}, err
	}

	key := cache.ListingKey{
		TargetRef: target.ReferenceCode,
		ViewerRef: viewer.ReferenceCode,
		Role:      viewer.Role,
		Scope:     scope,
		Page:      page,
		Limit:     limit,
		Search:    search,
	}
	if status != nil {
		key.Status = string(*status)
	}
	if cached, hit := s.cache.GetPage(ctx, key); hit {
		return cached, nil
	}

	filter := repository.ReferralFilter{
		TargetRef: target.ReferenceCode,
		Depths:    scope.Depths(),
		Status:    status,
		Limit:     limit,
		Offset:    (page - 1) * limit,
	}
	if search != "" {
		filter.SearchTerm = &search
	}

	allowed, err := s.allowedFor(ctx, viewer)
	if err != nil {
		return domain.ReferralPage{}, err
	}
	if allowed == nil {
		s.visibility.auditBypass(ctx, viewer, target, "list_referrals")
	} else {
		if _, ok := allowed[target.ReferenceCode]; !ok {
			empty := domain.EmptyReferralPage(page, limit)
			s.cache.SetPage(ctx, key, empty)
			return empty, nil
		}
		filter.AllowedRefs = make([]string, 0, len(allowed))
		for ref := range allowed {
			filter.AllowedRefs = append(filter.AllowedRefs, ref)
		}
	}

	records, total, err := s.users.ListReferrals(ctx, filter)
	if err != nil {
		return domain.ReferralPage{}, err
	}

	views, err := s.redact(ctx, viewer, records, allowed)
	if err != nil {
		return domain.ReferralPage{}, err
	}
	result := domain.NewReferralPage(views, total, page, limit)
	s.cache.SetPage(ctx, key, result)
	return result, nil
}

// allowedFor maps every ref the viewer may list to its depth below the
// viewer, with the viewer itself at 0. Roles that bypass the hierarchy get nil.
func (s *ReferralService) allowedFor(ctx context.Context, viewer *domain.User) (map[string]int, error) {
	if viewer.Role.BypassesHierarchy() {
		return nil, nil
	}
	rows, err := s.hierarchy.DescendantsWithinCap(ctx, viewer.ReferenceCode, s.hierarchy.Cap())
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]int, len(rows)+1)
	allowed[viewer.ReferenceCode] = 0
	for _, row := range rows {
		allowed[row.DescendantRef] = row.Depth
	}
	return allowed, nil
}

// redact runs each record through the decision rules. Missing privacy rows
// use defaults without being created; a deny still yields a redacted row so
// page totals stay consistent.
func (s *ReferralService) redact(ctx context.Context, viewer *domain.User, records []domain.ReferralRecord, allowed map[string]int) ([]domain.ReferralView, error) {
	views := make([]domain.ReferralView, 0, len(records))
	if len(records) == 0 {
		return views, nil
	}

	var configs map[string]domain.PrivacyConfig
	if !viewer.Role.BypassesHierarchy() {
		ids := make([]string, 0, len(records))
		for _, rec := range records {
			ids = append(ids, rec.User.ID)
		}
		var err error
		if configs, err = s.privacy.GetMany(ctx, ids); err != nil {
			return nil, err
		}
	}

	for i := range records {
		rec := &records[i]
		cfg, ok := configs[rec.User.ID]
		if !ok {
			cfg = domain.DefaultPrivacyConfig(rec.User.ID)
		}
		depth, found := allowed[rec.User.ReferenceCode]
		inHierarchy := found && depth > 0
		decision := Decide(viewer, &rec.User, cfg, inHierarchy)
		s.visibility.record(decision)

		views = append(views, domain.ReferralView{
			ProfileView:     domain.ProjectProfile(&rec.User, decision != domain.DecisionAllowFull),
			Depth:           rec.Depth,
			DirectReferrals: rec.DirectReferrals,
		})
	}
	return views, nil
}

func (s *ReferralService) normalizePage(page, size, defaultSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultSize
	}
	if size <= 0 {
		size = 20
	}
	if s.listing.MaxPageSize > 0 && size > s.listing.MaxPageSize {
		size = s.listing.MaxPageSize
	}
	return page, size
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
