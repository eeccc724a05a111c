package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/referral-service/internal/domain"
)

// PrivacyRepository persists per-user privacy settings.
type PrivacyRepository interface {
	// Get returns found=false when the user has no settings yet.
	Get(ctx context.Context, userID string) (domain.PrivacyConfig, bool, error)
	// GetOrCreate inserts defaults on first touch and returns the stored settings.
	GetOrCreate(ctx context.Context, userID string, defaults map[string]string) (domain.PrivacyConfig, error)
	// GetMany returns stored settings keyed by user id; users without settings are absent.
	GetMany(ctx context.Context, userIDs []string) (map[string]domain.PrivacyConfig, error)
	Upsert(ctx context.Context, userID string, settings map[string]string) error
}

type privacyRepository struct {
	pool *pgxpool.Pool
}

// NewPrivacyRepository returns a Postgres-backed implementation.
func NewPrivacyRepository(pool *pgxpool.Pool) PrivacyRepository {
	return &privacyRepository{pool: pool}
}

func (r *privacyRepository) Get(ctx context.Context, userID string) (domain.PrivacyConfig, bool, error) {
	configs, err := r.GetMany(ctx, []string{userID})
	if err != nil {
		return domain.PrivacyConfig{}, false, err
	}
	cfg, ok := configs[userID]
	return cfg, ok, nil
}

func (r *privacyRepository) GetOrCreate(ctx context.Context, userID string, defaults map[string]string) (domain.PrivacyConfig, error) {
	const insert = `
        INSERT INTO user_privacy_settings (user_id, key, value)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id, key) DO NOTHING`

	cfg, found, err := r.Get(ctx, userID)
	if err != nil {
		return domain.PrivacyConfig{}, err
	}
	if found {
		return cfg, nil
	}

	batch := &pgx.Batch{}
	for key, value := range defaults {
		batch.Queue(insert, userID, key, value)
	}
	results := conn(ctx, r.pool).SendBatch(ctx, batch)
	for range defaults {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return domain.PrivacyConfig{}, err
		}
	}
	if err := results.Close(); err != nil {
		return domain.PrivacyConfig{}, err
	}

	// Re-read so a concurrent first touch that won the insert race is honored.
	cfg, _, err = r.Get(ctx, userID)
	return cfg, err
}

func (r *privacyRepository) GetMany(ctx context.Context, userIDs []string) (map[string]domain.PrivacyConfig, error) {
	result := make(map[string]domain.PrivacyConfig, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	const query = `
        SELECT user_id, key, value FROM user_privacy_settings
        WHERE user_id = ANY($1)`

	rows, err := conn(ctx, r.pool).Query(ctx, query, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var userID, key, value string
		if err := rows.Scan(&userID, &key, &value); err != nil {
			return nil, err
		}
		cfg, ok := result[userID]
		if !ok {
			cfg = domain.PrivacyConfig{UserID: userID, Settings: map[string]string{}}
		}
		cfg.Settings[key] = value
		result[userID] = cfg
	}
	return result, rows.Err()
}

func (r *privacyRepository) Upsert(ctx context.Context, userID string, settings map[string]string) error {
	const query = `
        INSERT INTO user_privacy_settings (user_id, key, value)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	batch := &pgx.Batch{}
	for key, value := range settings {
		batch.Queue(query, userID, key, value)
	}
	results := conn(ctx, r.pool).SendBatch(ctx, batch)
	defer results.Close()
	for range settings {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
