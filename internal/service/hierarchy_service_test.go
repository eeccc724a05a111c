package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/repository"
	"github.com/spec-kit/referral-service/internal/repository/memory"
	apperrors "github.com/spec-kit/referral-service/pkg/util/errorutil"
)

func TestDirectReferrerIsDepthOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.register(t, "root", nil)
	kids := []*domain.User{f.register(t, "k1", root), f.register(t, "k2", root)}
	kids = append(kids, f.register(t, "k3", kids[0]))

	for _, kid := range kids {
		depth, ok, err := f.hierarchy.IsAncestorWithinCap(ctx, *kid.ReferrerRef, kid.ReferenceCode)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, depth)
	}
}

func TestChainDepthsStopAtCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "a", nil)
	b := f.register(t, "b", a)
	c := f.register(t, "c", b)
	d := f.register(t, "d", c)

	depth, ok, err := f.hierarchy.IsAncestorWithinCap(ctx, a.ReferenceCode, c.ReferenceCode)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, depth)

	_, ok, err = f.hierarchy.IsAncestorWithinCap(ctx, a.ReferenceCode, d.ReferenceCode)
	require.NoError(t, err)
	assert.False(t, ok)

	depth, ok, err = f.hierarchy.IsAncestorWithinCap(ctx, b.ReferenceCode, d.ReferenceCode)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, depth)

	_, ok, err = f.hierarchy.IsAncestorWithinCap(ctx, c.ReferenceCode, a.ReferenceCode)
	require.NoError(t, err)
	assert.False(t, ok)

	// a->b, a->c, b->c, b->d, c->d
	assert.Equal(t, 5, f.store.ClosureSize())

	rows, err := f.hierarchy.DescendantsWithinCap(ctx, a.ReferenceCode, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	rows, err = f.hierarchy.DescendantsWithinCap(ctx, a.ReferenceCode, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, b.ReferenceCode, rows[0].DescendantRef)
}

func TestAddEdgeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "a", nil)
	b := f.register(t, "b", a)
	f.register(t, "c", b)
	before := f.store.ClosureSize()

	_, err := f.closure.AddEdge(ctx, "REF-NEWCHILD", b.ReferenceCode)
	require.NoError(t, err)
	after := f.store.ClosureSize()
	_, err = f.closure.AddEdge(ctx, "REF-NEWCHILD", b.ReferenceCode)
	require.NoError(t, err)

	assert.Equal(t, before+2, after)
	assert.Equal(t, after, f.store.ClosureSize())
}

func TestAddEdgeRejectsInvalidEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "a", nil)
	b := f.register(t, "b", a)
	c := f.register(t, "c", b)
	gone := f.register(t, "gone", nil)
	require.NoError(t, f.users.SoftDelete(ctx, domain.Principal{UserID: a.ID, Role: domain.RoleAdmin}, gone.ID))
	before := f.store.ClosureSize()

	cases := map[string][2]string{
		"self":             {a.ReferenceCode, a.ReferenceCode},
		"unknown referrer": {"REF-NEW", "REF-MISSING"},
		"deleted referrer": {"REF-NEW", gone.ReferenceCode},
		"cycle":            {a.ReferenceCode, c.ReferenceCode},
	}
	for name, edge := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.closure.AddEdge(ctx, edge[0], edge[1])
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidReferral))
		})
	}
	assert.Equal(t, before, f.store.ClosureSize())
}

func TestMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "a", nil)
	b := f.register(t, "b", a)
	c := f.register(t, "c", b)
	d := f.register(t, "d", nil)

	cases := []struct {
		name   string
		viewer *domain.User
		target *domain.User
		want   domain.Membership
	}{
		{"self", a, a, domain.Membership{InHierarchy: true, Depth: 0, MaxVisibleDepth: 2}},
		{"direct", a, b, domain.Membership{InHierarchy: true, Depth: 1, MaxVisibleDepth: 1}},
		{"at cap", a, c, domain.Membership{InHierarchy: true, Depth: 2, MaxVisibleDepth: 0}},
		{"descendant looking up", c, a, domain.Membership{}},
		{"unrelated", d, a, domain.Membership{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := f.hierarchy.Membership(ctx, tc.viewer.ReferenceCode, tc.target.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			maxDepth, err := f.hierarchy.ComputeMaxVisibleDepth(ctx, tc.viewer.ReferenceCode, tc.target.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want.MaxVisibleDepth, maxDepth)
		})
	}

	_, err := f.hierarchy.Membership(ctx, a.ReferenceCode, "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestMembershipForHidesUnrelatedTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "a", nil)
	b := f.register(t, "b", a)
	outsider := f.register(t, "d", nil)

	got, err := f.hierarchy.MembershipFor(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Membership{InHierarchy: true, Depth: 1, MaxVisibleDepth: 1}, got)

	_, err = f.hierarchy.MembershipFor(ctx, outsider.ID, a.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	_, err = f.hierarchy.MembershipFor(ctx, outsider.ID, "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	_, err = f.hierarchy.MembershipFor(ctx, b.ID, a.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))

	f.promote(t, outsider, domain.RoleAdmin)
	got, err = f.hierarchy.MembershipFor(ctx, outsider.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Membership{}, got)
	_, err = f.hierarchy.MembershipFor(ctx, outsider.ID, "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestConcurrentRegistrationsUnderOneReferrer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.register(t, "root", nil)
	mid := f.register(t, "mid", root)
	before := f.store.ClosureSize()

	const n = 16
	code := mid.ReferenceCode
	children := make([]*domain.User, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			user, _, _, err := f.auth.RegisterUser(ctx, RegisterInput{
				Name:         fmt.Sprintf("kid%d", i),
				Email:        fmt.Sprintf("kid%d@example.com", i),
				Password:     "pw",
				ReferralCode: &code,
			})
			children[i] = user
			return err
		})
	}
	require.NoError(t, g.Wait())

	// Each child adds exactly one depth-1 and one depth-2 row.
	assert.Equal(t, before+2*n, f.store.ClosureSize())
	for _, child := range children {
		depth, ok, err := f.store.Lookup(ctx, mid.ReferenceCode, child.ReferenceCode, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, depth)

		depth, ok, err = f.store.Lookup(ctx, root.ReferenceCode, child.ReferenceCode, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, depth)

		ancestors, err := f.hierarchy.AncestorsWithinCap(ctx, child.ReferenceCode)
		require.NoError(t, err)
		assert.Len(t, ancestors, 2)
	}

	page, err := f.referrals.List(ctx, mid.ID, mid.ID, ListQuery{PageSize: 100})
	require.NoError(t, err)
	assert.Equal(t, n, page.Total)
	page, err = f.referrals.List(ctx, root.ID, root.ID, ListQuery{Scope: "indirect", PageSize: 100})
	require.NoError(t, err)
	assert.Equal(t, n, page.Total)
}

type failingClosureRepo struct {
	mock.Mock
	repository.ClosureRepository
}

func (m *failingClosureRepo) InsertRows(ctx context.Context, rows []domain.ClosureRow) error {
	args := m.Called(ctx, rows)
	return args.Error(0)
}

func TestRegisterRollsBackWhenClosureInsertFails(t *testing.T) {
	inner := memory.NewStore()
	repo := &failingClosureRepo{ClosureRepository: inner}
	repo.On("InsertRows", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	f := newFixture(t, withClosureRepo(repo))
	root := f.register(t, "root", nil)

	code := root.ReferenceCode
	_, _, _, err := f.auth.RegisterUser(context.Background(), RegisterInput{
		Name: "child", Email: "child@example.com", Password: "pw", ReferralCode: &code,
	})
	require.Error(t, err)
	repo.AssertExpectations(t)

	_, err = f.store.GetByEmail(context.Background(), "child@example.com")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
	assert.Zero(t, inner.ClosureSize())
}

func TestRegisterRejectsUnknownReferralCode(t *testing.T) {
	f := newFixture(t)
	code := "REF-DOESNOTX"
	_, _, _, err := f.auth.RegisterUser(context.Background(), RegisterInput{
		Name: "x", Email: "x@example.com", Password: "pw", ReferralCode: &code,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidReferral))

	_, err = f.store.GetByEmail(context.Background(), "x@example.com")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
	assert.Zero(t, f.store.ClosureSize())
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dup", nil)
	_, _, _, err := f.auth.RegisterUser(context.Background(), RegisterInput{Name: "dup", Email: "DUP@example.com", Password: "pw"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "login", nil)

	got, token, _, err := f.auth.LoginUser(ctx, "login@example.com", "password-login")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	claims, err := f.auth.TokenManager().ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.Subject)

	_, _, _, err = f.auth.LoginUser(ctx, "login@example.com", "wrong")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnauthorized))
	_, _, _, err = f.auth.LoginUser(ctx, "nobody@example.com", "x")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnauthorized))
}

func TestRebuildAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "a", nil)
	b := f.register(t, "b", a)
	f.register(t, "c", b)

	report, err := f.closure.Verify(ctx, 2)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 3, report.Users)
	assert.Equal(t, 3, report.Expected)

	// A user written without its closure rows, as after a partial import.
	ref := b.ReferenceCode
	orphan := &domain.User{ReferenceCode: "REF-ORPHAN1", ReferrerRef: &ref, Role: domain.RoleUser, Status: domain.UserStatusActive, Name: "o", Email: "o@example.com"}
	require.NoError(t, f.store.Create(ctx, orphan))
	require.NoError(t, f.store.InsertRows(ctx, []domain.ClosureRow{{AncestorRef: "REF-STRAY", DescendantRef: a.ReferenceCode, Depth: 1}}))

	report, err = f.closure.Verify(ctx, 2)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Len(t, report.Missing, 2)
	assert.Len(t, report.Extra, 1)

	rebuilt, err := f.closure.Rebuild(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, rebuilt.Inserted)

	depth, ok, err := f.hierarchy.IsAncestorWithinCap(ctx, a.ReferenceCode, orphan.ReferenceCode)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, depth)
}
