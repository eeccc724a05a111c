package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/repository"
)

func newUser(ref, email string, referrer *string) *domain.User {
	return &domain.User{
		ReferenceCode: ref,
		ReferrerRef:   referrer,
		Role:          domain.RoleUser,
		Status:        domain.UserStatusActive,
		Name:          ref,
		Email:         email,
	}
}

func strPtr(s string) *string { return &s }

func TestCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.Create(ctx, newUser("REF-A", "a@example.com", nil)))

	err := store.Create(ctx, newUser("REF-A", "other@example.com", nil))
	assert.ErrorIs(t, err, repository.ErrDuplicate)
	assert.True(t, repository.IsDuplicateOn(err, repository.ConstraintUserReferenceCode))
	assert.False(t, repository.IsDuplicateOn(err, repository.ConstraintUserEmail))

	err = store.Create(ctx, newUser("REF-B", "A@Example.com", nil))
	assert.ErrorIs(t, err, repository.ErrDuplicate)
	assert.True(t, repository.IsDuplicateOn(err, repository.ConstraintUserEmail))
}

func TestGetMissingReturnsNoRows(t *testing.T) {
	store := NewStore()
	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
	_, err = store.GetByReferenceCode(context.Background(), "missing")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestGetByIDRejectsMalformedID(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	user := newUser("REF-A", "a@example.com", nil)
	require.NoError(t, store.Create(ctx, user))

	_, err := store.GetByID(ctx, "REF-A")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
	_, err = store.GetByID(ctx, user.ID+"x")
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	found, err := store.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "REF-A", found.ReferenceCode)
}

func TestRunInTxRestoresStateOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		require.NoError(t, store.Create(ctx, newUser("REF-A", "a@example.com", nil)))
		require.NoError(t, store.InsertRows(ctx, []domain.ClosureRow{{AncestorRef: "REF-X", DescendantRef: "REF-A", Depth: 1}}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetByReferenceCode(ctx, "REF-A")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
	assert.Zero(t, store.ClosureSize())
}

func TestRunInTxRollbackKeepsConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	boom := errors.New("boom")

	owner := newUser("REF-O", "o@example.com", nil)
	require.NoError(t, store.Create(ctx, owner))
	require.NoError(t, store.Upsert(ctx, owner.ID, map[string]string{domain.PrivacyKeyProfileVisibility: "public"}))

	inTx := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.RunInTx(ctx, func(ctx context.Context) error {
			if err := store.Create(ctx, newUser("REF-T", "t@example.com", nil)); err != nil {
				return err
			}
			if err := store.Upsert(ctx, owner.ID, map[string]string{domain.PrivacyKeyInformationExposure: "private"}); err != nil {
				return err
			}
			close(inTx)
			<-release
			return boom
		})
	}()

	<-inTx
	require.NoError(t, store.Upsert(ctx, owner.ID, map[string]string{domain.PrivacyKeyProfileVisibility: "private"}))
	require.NoError(t, store.UpdateRole(ctx, owner.ID, domain.RoleAdmin))
	outside := newUser("REF-P", "p@example.com", nil)
	require.NoError(t, store.Create(ctx, outside))
	close(release)
	require.ErrorIs(t, <-done, boom)

	_, err := store.GetByReferenceCode(ctx, "REF-T")
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	cfg, found, err := store.Get(ctx, owner.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "private", cfg.Settings[domain.PrivacyKeyProfileVisibility])
	_, exposed := cfg.Settings[domain.PrivacyKeyInformationExposure]
	assert.False(t, exposed)

	got, err := store.GetByID(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, got.Role)

	_, err = store.GetByReferenceCode(ctx, "REF-P")
	assert.NoError(t, err)
}

func TestRunInTxRevertsOnPanic(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	assert.Panics(t, func() {
		_ = store.RunInTx(ctx, func(ctx context.Context) error {
			require.NoError(t, store.Create(ctx, newUser("REF-A", "a@example.com", nil)))
			panic("boom")
		})
	})

	_, err := store.GetByReferenceCode(ctx, "REF-A")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestInsertRowsKeepsExistingPair(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.InsertRows(ctx, []domain.ClosureRow{{AncestorRef: "A", DescendantRef: "B", Depth: 1}}))
	require.NoError(t, store.InsertRows(ctx, []domain.ClosureRow{{AncestorRef: "A", DescendantRef: "B", Depth: 2}}))

	depth, ok, err := store.Lookup(ctx, "A", "B", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, depth)
	assert.Equal(t, 1, store.ClosureSize())

	_, ok, err = store.Lookup(ctx, "A", "B", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListReferralsOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	store.now = func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}

	root := newUser("REF-ROOT", "root@example.com", nil)
	require.NoError(t, store.Create(ctx, root))

	children := []*domain.User{
		newUser("REF-C1", "c1@example.com", strPtr("REF-ROOT")),
		newUser("REF-C2", "c2@example.com", strPtr("REF-ROOT")),
		newUser("REF-C3", "c3_x@example.com", strPtr("REF-ROOT")),
	}
	children[2].Status = domain.UserStatusPending
	for _, c := range children {
		require.NoError(t, store.Create(ctx, c))
		require.NoError(t, store.InsertRows(ctx, []domain.ClosureRow{{AncestorRef: "REF-ROOT", DescendantRef: c.ReferenceCode, Depth: 1}}))
	}
	grand := newUser("REF-G1", "g1@example.com", strPtr("REF-C2"))
	require.NoError(t, store.Create(ctx, grand))
	require.NoError(t, store.InsertRows(ctx, []domain.ClosureRow{
		{AncestorRef: "REF-C2", DescendantRef: "REF-G1", Depth: 1},
		{AncestorRef: "REF-ROOT", DescendantRef: "REF-G1", Depth: 2},
	}))

	records, total, err := store.ListReferrals(ctx, repository.ReferralFilter{TargetRef: "REF-ROOT", Depths: []int{1}, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	// ACTIVE before PENDING, then most direct referrals first.
	assert.Equal(t, "REF-C2", records[0].User.ReferenceCode)
	assert.Equal(t, 1, records[0].DirectReferrals)
	assert.Equal(t, "REF-C1", records[1].User.ReferenceCode)
	assert.Equal(t, "REF-C3", records[2].User.ReferenceCode)

	_, total, err = store.ListReferrals(ctx, repository.ReferralFilter{TargetRef: "REF-ROOT", Depths: []int{1, 2}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	pending := domain.UserStatusPending
	records, total, err = store.ListReferrals(ctx, repository.ReferralFilter{TargetRef: "REF-ROOT", Depths: []int{1, 2}, Status: &pending, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "REF-C3", records[0].User.ReferenceCode)

	records, total, err = store.ListReferrals(ctx, repository.ReferralFilter{TargetRef: "REF-ROOT", Depths: []int{1, 2}, SearchTerm: strPtr("G1@"), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 2, records[0].Depth)

	_, total, err = store.ListReferrals(ctx, repository.ReferralFilter{TargetRef: "REF-ROOT", Depths: []int{1, 2}, AllowedRefs: []string{"REF-C1"}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	require.NoError(t, store.SoftDelete(ctx, children[0].ID))
	records, total, err = store.ListReferrals(ctx, repository.ReferralFilter{TargetRef: "REF-ROOT", Depths: []int{1, 2}, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, records, 1)

	// G1 drops out of the indirect scope once its referrer C2 is deleted.
	require.NoError(t, store.SoftDelete(ctx, children[1].ID))
	_, total, err = store.ListReferrals(ctx, repository.ReferralFilter{TargetRef: "REF-ROOT", Depths: []int{2}, Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	records, total, err = store.ListReferrals(ctx, repository.ReferralFilter{TargetRef: "REF-ROOT", Depths: []int{1, 2}, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "REF-C3", records[0].User.ReferenceCode)
}

func TestPrivacyGetOrCreate(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	_, found, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)

	cfg, err := store.GetOrCreate(ctx, "u1", domain.DefaultPrivacySettings())
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityPublic, cfg.ProfileVisibility())

	require.NoError(t, store.Upsert(ctx, "u1", map[string]string{domain.PrivacyKeyProfileVisibility: "private"}))
	cfg, err = store.GetOrCreate(ctx, "u1", domain.DefaultPrivacySettings())
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityPrivate, cfg.ProfileVisibility())

	many, err := store.GetMany(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Len(t, many, 1)
}
