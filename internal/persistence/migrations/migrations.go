package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed *.sql
var migrationFiles embed.FS

const migrationsTable = "gomigrate_referral_service"

// RunMigrationsUp applies all embedded up migrations.
func RunMigrationsUp(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if pool == nil {
		logger.Warn("no postgres pool available; skipping migrations")
		return nil
	}

	m, closeFn, err := newMigrate(pool)
	if err != nil {
		return err
	}
	defer closeFn()

	_, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if dirty {
		return errors.New("migration is dirty, please fix it before proceeding")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("migrations applied", zap.Uint("version", version))
	return nil
}

// Version reports the applied schema version.
func Version(ctx context.Context, pool *pgxpool.Pool) (uint, bool, error) {
	m, closeFn, err := newMigrate(pool)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrate(pool *pgxpool.Pool) (*migrate.Migrate, func(), error) {
	sourceDriver, err := iofs.New(migrationFiles, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create iofs driver: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	dbDriver, err := pgx.WithInstance(sqlDB, &pgx.Config{MigrationsTable: migrationsTable})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create pgx driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		_ = dbDriver.Close()
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, func() {
		_ = dbDriver.Close()
		_ = sqlDB.Close()
	}, nil
}
