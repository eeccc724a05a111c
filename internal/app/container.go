// Package app assembles repositories, caches, workers and services from configuration.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/referral-service/internal/cache"
	"github.com/spec-kit/referral-service/internal/config"
	"github.com/spec-kit/referral-service/internal/events"
	"github.com/spec-kit/referral-service/internal/observability"
	"github.com/spec-kit/referral-service/internal/persistence"
	"github.com/spec-kit/referral-service/internal/persistence/migrations"
	"github.com/spec-kit/referral-service/internal/repository"
	"github.com/spec-kit/referral-service/internal/repository/memory"
	"github.com/spec-kit/referral-service/internal/service"
	"github.com/spec-kit/referral-service/internal/worker"
)

// Container owns every long-lived dependency of a process.
type Container struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	Postgres *persistence.Postgres
	Redis    *persistence.Redis

	Users   repository.UserRepository
	Closure repository.ClosureRepository
	Privacy repository.PrivacyRepository
	Tx      repository.TxManager

	Cache      *cache.ResultCache
	Dispatcher events.Dispatcher
	Publisher  events.Publisher
	Pool       *worker.Pool

	Hierarchy  *service.HierarchyService
	ClosureSvc *service.ClosureService
	Visibility *service.VisibilityService
	Referrals  *service.ReferralService
	Auth       *service.AuthService
	UserSvc    *service.UserService

	closers []func()
}

// New connects storage and builds the services. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, error) {
	c := &Container{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}
	if err := c.initStorage(ctx); err != nil {
		c.Close()
		return nil, err
	}
	c.initCache()
	c.initEvents()
	c.initServices()
	return c, nil
}

func (c *Container) initStorage(ctx context.Context) error {
	switch c.Config.Storage.Driver {
	case config.StorageDriverMemory:
		store := memory.NewStore()
		c.Users, c.Closure, c.Privacy, c.Tx = store, store, store, store
		c.Logger.Warn("using in-memory storage; data is lost on exit")
		return nil
	case config.StorageDriverPostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Config.Storage.Driver)
	}

	pg, err := persistence.NewPostgres(ctx, c.Config.Postgres, c.Logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	c.Postgres = pg
	c.closers = append(c.closers, pg.Close)

	if c.Config.Postgres.RunMigrations {
		if err := migrations.RunMigrationsUp(ctx, pg.PoolHandle(), c.Logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	pool := pg.PoolHandle()
	c.Users = repository.NewUserRepository(pool)
	c.Closure = repository.NewClosureRepository(pool)
	c.Privacy = repository.NewPrivacyRepository(pool)
	c.Tx = repository.NewTxManager(pool)
	return nil
}

func (c *Container) initCache() {
	var store cache.Store
	switch c.Config.Cache.Backend {
	case config.CacheBackendRedis:
		c.Redis = persistence.NewRedis(c.Config.Redis, c.Logger)
		c.closers = append(c.closers, c.Redis.Close)
		store = cache.NewRedisStore(c.Redis.Client)
	case config.CacheBackendMemory:
		mem := cache.NewMemoryStore(c.Config.Cache.TTL())
		c.closers = append(c.closers, mem.Close)
		store = mem
	}
	c.Cache = cache.NewResultCache(store, c.Config.Cache.TTL(), c.Config.Cache.KeyPrefix, c.Logger, c.Metrics)
}

func (c *Container) initEvents() {
	c.Dispatcher = events.NewInMemoryDispatcher()
	if len(c.Config.Events.KafkaBrokers) > 0 {
		c.Publisher = events.NewKafkaPublisher(c.Config.Events.KafkaBrokers, c.Config.Events.KafkaTopic, c.Logger)
	} else {
		c.Publisher = events.NewLogPublisher(c.Logger)
	}
	c.Pool = worker.NewPool(worker.PoolConfig{
		Workers:     c.Config.Events.Workers,
		QueueSize:   c.Config.Events.QueueSize,
		MaxAttempts: c.Config.Events.MaxAttempts,
		Backoff:     c.Config.Events.Backoff(),
	}, c.Logger)
	worker.StartEventWorker(c.Dispatcher, c.Pool, c.Publisher)
}

func (c *Container) initServices() {
	c.Hierarchy = service.NewHierarchyService(c.Config.Hierarchy, c.Users, c.Closure)
	c.ClosureSvc = service.NewClosureService(c.Users, c.Closure, c.Hierarchy, c.Logger)
	c.Visibility = service.NewVisibilityService(service.VisibilityDependencies{
		UserRepo:    c.Users,
		PrivacyRepo: c.Privacy,
		Hierarchy:   c.Hierarchy,
		Dispatcher:  c.Dispatcher,
		Metrics:     c.Metrics,
		Logger:      c.Logger,
	})
	c.Referrals = service.NewReferralService(c.Config.Listing, service.ReferralDependencies{
		UserRepo:    c.Users,
		PrivacyRepo: c.Privacy,
		Hierarchy:   c.Hierarchy,
		Visibility:  c.Visibility,
		Cache:       c.Cache,
		Logger:      c.Logger,
	})
	c.Auth = service.NewAuthService(*c.Config, service.AuthDependencies{
		UserRepo:   c.Users,
		TxManager:  c.Tx,
		Closure:    c.ClosureSvc,
		Referrals:  c.Referrals,
		Dispatcher: c.Dispatcher,
		Logger:     c.Logger,
	})
	c.UserSvc = service.NewUserService(service.UserDependencies{
		UserRepo:    c.Users,
		PrivacyRepo: c.Privacy,
		Referrals:   c.Referrals,
		Dispatcher:  c.Dispatcher,
		Logger:      c.Logger,
	})
}

// StartWorkers launches the event pool.
func (c *Container) StartWorkers(ctx context.Context) {
	c.Pool.Start(ctx)
}

// Close drains the event pool and releases connections in reverse order.
func (c *Container) Close() {
	if c.Pool != nil {
		if err := c.Pool.Stop(); err != nil {
			c.Logger.Warn("event pool stop", zap.Error(err))
		}
	}
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			c.Logger.Warn("event publisher close", zap.Error(err))
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
