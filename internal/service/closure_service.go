package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/repository"
	apperrors "github.com/spec-kit/referral-service/pkg/util/errorutil"
)

// ClosureService maintains the referral closure index.
type ClosureService struct {
	users     repository.UserRepository
	closure   repository.ClosureRepository
	hierarchy *HierarchyService
	logger    *zap.Logger
}

// NewClosureService builds the maintainer.
func NewClosureService(users repository.UserRepository, closure repository.ClosureRepository, hierarchy *HierarchyService, logger *zap.Logger) *ClosureService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClosureService{users: users, closure: closure, hierarchy: hierarchy, logger: logger}
}

// AddEdge records childRef as referred by referrerRef and fans the edge out
// to every ancestor pair within the cap. Callers run it inside the transaction
// that creates the child so a failure leaves no partial rows.
func (s *ClosureService) AddEdge(ctx context.Context, childRef, referrerRef string) ([]domain.ClosureRow, error) {
	if err := s.ValidateEdge(ctx, childRef, referrerRef); err != nil {
		return nil, err
	}

	limit := s.hierarchy.Cap()
	upper, err := s.closure.Ancestors(ctx, referrerRef, limit-1)
	if err != nil {
		return nil, fmt.Errorf("load ancestors of %s: %w", referrerRef, err)
	}
	lower, err := s.closure.Descendants(ctx, childRef, limit-1)
	if err != nil {
		return nil, fmt.Errorf("load descendants of %s: %w", childRef, err)
	}

	upper = append([]domain.ClosureRow{{AncestorRef: referrerRef, DescendantRef: referrerRef}}, upper...)
	lower = append([]domain.ClosureRow{{AncestorRef: childRef, DescendantRef: childRef}}, lower...)

	rows := make([]domain.ClosureRow, 0, len(upper)*len(lower))
	for _, a := range upper {
		for _, d := range lower {
			depth := a.Depth + d.Depth + 1
			if depth > limit {
				continue
			}
			rows = append(rows, domain.ClosureRow{AncestorRef: a.AncestorRef, DescendantRef: d.DescendantRef, Depth: depth})
		}
	}

	if err := s.closure.InsertRows(ctx, rows); err != nil {
		return nil, fmt.Errorf("insert closure rows: %w", err)
	}
	s.logger.Debug("referral edge added",
		zap.String("child_ref", childRef),
		zap.String("referrer_ref", referrerRef),
		zap.Int("rows", len(rows)),
	)
	return rows, nil
}

// ValidateEdge rejects self referrals, unknown or deleted referrers, and
// edges whose child is already an ancestor of the referrer. Nothing is written.
func (s *ClosureService) ValidateEdge(ctx context.Context, childRef, referrerRef string) error {
	if childRef == "" || referrerRef == "" {
		return apperrors.NewInvalidEdge("referral code is required", nil)
	}
	if childRef == referrerRef {
		return apperrors.NewInvalidEdge("self referral", map[string]any{"referral_code": referrerRef})
	}

	referrer, err := s.users.GetByReferenceCode(ctx, referrerRef)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && referrer.IsDeleted()) {
		return apperrors.NewInvalidEdge("referrer not found", map[string]any{"referral_code": referrerRef})
	}
	if err != nil {
		return err
	}

	_, cyclic, err := s.hierarchy.IsAncestorWithinCap(ctx, childRef, referrerRef)
	if err != nil {
		return err
	}
	if cyclic {
		return apperrors.NewInvalidEdge("referral would create a cycle", map[string]any{"referral_code": referrerRef})
	}
	return nil
}

// ClosureReport summarizes a rebuild or verification pass.
type ClosureReport struct {
	Users    int                 `json:"users"`
	Expected int                 `json:"expected"`
	Inserted int                 `json:"inserted,omitempty"`
	Missing  []domain.ClosureRow `json:"missing,omitempty"`
	Wrong    []domain.ClosureRow `json:"wrong,omitempty"`
	Extra    []domain.ClosureRow `json:"extra,omitempty"`
}

// Consistent reports whether verification found no divergence.
func (r ClosureReport) Consistent() bool {
	return len(r.Missing) == 0 && len(r.Wrong) == 0 && len(r.Extra) == 0
}

// Rebuild re-derives every closure row from users.referrer_ref. Existing rows are kept.
func (s *ClosureService) Rebuild(ctx context.Context, batchSize int) (ClosureReport, error) {
	var report ClosureReport
	err := s.eachUser(ctx, batchSize, func(user domain.User) error {
		report.Users++
		expected, err := s.expectedRows(ctx, user)
		if err != nil {
			return err
		}
		report.Expected += len(expected)
		existing, err := s.closure.Ancestors(ctx, user.ReferenceCode, s.hierarchy.Cap())
		if err != nil {
			return err
		}
		present := make(map[string]bool, len(existing))
		for _, row := range existing {
			present[row.AncestorRef] = true
		}
		var fresh []domain.ClosureRow
		for _, row := range expected {
			if !present[row.AncestorRef] {
				fresh = append(fresh, row)
			}
		}
		if err := s.closure.InsertRows(ctx, fresh); err != nil {
			return fmt.Errorf("insert closure rows for %s: %w", user.ReferenceCode, err)
		}
		report.Inserted += len(fresh)
		return nil
	})
	if err != nil {
		return report, err
	}
	s.logger.Info("closure rebuilt", zap.Int("users", report.Users), zap.Int("inserted", report.Inserted))
	return report, nil
}

// Verify compares stored rows with the rows the referrer walk implies.
func (s *ClosureService) Verify(ctx context.Context, batchSize int) (ClosureReport, error) {
	var report ClosureReport
	err := s.eachUser(ctx, batchSize, func(user domain.User) error {
		report.Users++
		expected, err := s.expectedRows(ctx, user)
		if err != nil {
			return err
		}
		report.Expected += len(expected)
		stored, err := s.closure.Ancestors(ctx, user.ReferenceCode, s.hierarchy.Cap())
		if err != nil {
			return err
		}
		byAncestor := make(map[string]domain.ClosureRow, len(stored))
		for _, row := range stored {
			byAncestor[row.AncestorRef] = row
		}
		for _, want := range expected {
			got, ok := byAncestor[want.AncestorRef]
			switch {
			case !ok:
				report.Missing = append(report.Missing, want)
			case got.Depth != want.Depth:
				report.Wrong = append(report.Wrong, got)
			}
			delete(byAncestor, want.AncestorRef)
		}
		for _, row := range byAncestor {
			report.Extra = append(report.Extra, row)
		}
		return nil
	})
	return report, err
}

// expectedRows walks referrer_ref upward, at most cap steps.
func (s *ClosureService) expectedRows(ctx context.Context, user domain.User) ([]domain.ClosureRow, error) {
	var rows []domain.ClosureRow
	seen := map[string]bool{user.ReferenceCode: true}
	current := user
	for depth := 1; depth <= s.hierarchy.Cap(); depth++ {
		if current.IsRoot() {
			break
		}
		ref := *current.ReferrerRef
		if seen[ref] {
			break
		}
		seen[ref] = true
		rows = append(rows, domain.ClosureRow{AncestorRef: ref, DescendantRef: user.ReferenceCode, Depth: depth})

		parent, err := s.users.GetByReferenceCode(ctx, ref)
		if errors.Is(err, pgx.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, err
		}
		current = *parent
	}
	return rows, nil
}

func (s *ClosureService) eachUser(ctx context.Context, batchSize int, fn func(domain.User) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	after := ""
	for {
		batch, err := s.users.ListAfter(ctx, after, batchSize)
		if err != nil {
			return err
		}
		for _, user := range batch {
			if err := fn(user); err != nil {
				return err
			}
		}
		if len(batch) < batchSize {
			return nil
		}
		after = batch[len(batch)-1].ID
	}
}
