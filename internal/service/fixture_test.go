package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/referral-service/internal/cache"
	"github.com/spec-kit/referral-service/internal/config"
	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/events"
	"github.com/spec-kit/referral-service/internal/observability"
	"github.com/spec-kit/referral-service/internal/repository"
	"github.com/spec-kit/referral-service/internal/repository/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store      *memory.Store
	metrics    *observability.Metrics
	recorder   *recorder
	cache      *cache.ResultCache
	hierarchy  *HierarchyService
	closure    *ClosureService
	visibility *VisibilityService
	referrals  *ReferralService
	auth       *AuthService
	users      *UserService
}

type fixtureOption func(*fixtureDeps)

type fixtureDeps struct {
	closureRepo repository.ClosureRepository
	cacheStore  cache.Store
}

func withClosureRepo(repo repository.ClosureRepository) fixtureOption {
	return func(d *fixtureDeps) { d.closureRepo = repo }
}

func withCache(store cache.Store) fixtureOption {
	return func(d *fixtureDeps) { d.cacheStore = store }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	store := memory.NewStore()
	deps := fixtureDeps{closureRepo: store}
	for _, opt := range opts {
		opt(&deps)
	}

	cfg := config.Config{
		Auth:      config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTLMinutes: 5, BcryptCost: bcrypt.MinCost},
		Hierarchy: config.HierarchyConfig{Cap: config.MaxHierarchyDepth},
		Listing:   config.ListingConfig{DefaultPageSize: 20, NestedPageSize: 5, MaxPageSize: 100},
	}
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher()
	rec := &recorder{}
	dispatcher.SubscribeAll(rec.handle)

	resultCache := cache.NewResultCache(deps.cacheStore, time.Minute, "referrals", logger, metrics)
	hierarchy := NewHierarchyService(cfg.Hierarchy, store, deps.closureRepo)
	closure := NewClosureService(store, deps.closureRepo, hierarchy, logger)
	visibility := NewVisibilityService(VisibilityDependencies{
		UserRepo:    store,
		PrivacyRepo: store,
		Hierarchy:   hierarchy,
		Dispatcher:  dispatcher,
		Metrics:     metrics,
		Logger:      logger,
	})
	referrals := NewReferralService(cfg.Listing, ReferralDependencies{
		UserRepo:    store,
		PrivacyRepo: store,
		Hierarchy:   hierarchy,
		Visibility:  visibility,
		Cache:       resultCache,
		Logger:      logger,
	})
	authSvc := NewAuthService(cfg, AuthDependencies{
		UserRepo:   store,
		TxManager:  store,
		Closure:    closure,
		Referrals:  referrals,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	users := NewUserService(UserDependencies{
		UserRepo:    store,
		PrivacyRepo: store,
		Referrals:   referrals,
		Dispatcher:  dispatcher,
		Logger:      logger,
	})

	return &fixture{
		store:      store,
		metrics:    metrics,
		recorder:   rec,
		cache:      resultCache,
		hierarchy:  hierarchy,
		closure:    closure,
		visibility: visibility,
		referrals:  referrals,
		auth:       authSvc,
		users:      users,
	}
}

// register creates name@example.com, referred by referrer when non-nil.
func (f *fixture) register(t *testing.T, name string, referrer *domain.User) *domain.User {
	t.Helper()
	in := RegisterInput{Name: name, Email: name + "@example.com", Password: "password-" + name}
	if referrer != nil {
		code := referrer.ReferenceCode
		in.ReferralCode = &code
	}
	user, token, _, err := f.auth.RegisterUser(context.Background(), in)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return user
}

func (f *fixture) promote(t *testing.T, user *domain.User, role domain.Role) {
	t.Helper()
	require.NoError(t, f.store.UpdateRole(context.Background(), user.ID, role))
}

func (f *fixture) setPrivacy(t *testing.T, user *domain.User, profile, info domain.Visibility) {
	t.Helper()
	_, err := f.users.UpdatePrivacy(context.Background(), user.ID, map[string]string{
		domain.PrivacyKeyProfileVisibility:   string(profile),
		domain.PrivacyKeyInformationExposure: string(info),
	})
	require.NoError(t, err)
}

func refs(page domain.ReferralPage) []string {
	out := make([]string, 0, len(page.Data))
	for _, row := range page.Data {
		out = append(out, row.ReferenceCode)
	}
	return out
}
