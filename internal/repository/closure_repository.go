package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/referral-service/internal/domain"
)

// ClosureRepository persists the referral closure index.
type ClosureRepository interface {
	// InsertRows upserts rows keyed by (ancestor, descendant); existing pairs are left as they are.
	InsertRows(ctx context.Context, rows []domain.ClosureRow) error
	Lookup(ctx context.Context, ancestorRef, descendantRef string, maxDepth int) (int, bool, error)
	Ancestors(ctx context.Context, descendantRef string, maxDepth int) ([]domain.ClosureRow, error)
	Descendants(ctx context.Context, ancestorRef string, maxDepth int) ([]domain.ClosureRow, error)
}

type closureRepository struct {
	pool *pgxpool.Pool
}

// NewClosureRepository returns a Postgres-backed implementation.
func NewClosureRepository(pool *pgxpool.Pool) ClosureRepository {
	return &closureRepository{pool: pool}
}

func (r *closureRepository) InsertRows(ctx context.Context, rows []domain.ClosureRow) error {
	if len(rows) == 0 {
		return nil
	}
	const query = `
        INSERT INTO referral_closure (ancestor_ref, descendant_ref, depth)
        VALUES ($1, $2, $3)
        ON CONFLICT (ancestor_ref, descendant_ref) DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(query, row.AncestorRef, row.DescendantRef, row.Depth)
	}
	results := conn(ctx, r.pool).SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *closureRepository) Lookup(ctx context.Context, ancestorRef, descendantRef string, maxDepth int) (int, bool, error) {
	const query = `
        SELECT depth FROM referral_closure
        WHERE ancestor_ref=$1 AND descendant_ref=$2 AND depth <= $3`

	var depth int
	err := conn(ctx, r.pool).QueryRow(ctx, query, ancestorRef, descendantRef, maxDepth).Scan(&depth)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return depth, true, nil
}

func (r *closureRepository) Ancestors(ctx context.Context, descendantRef string, maxDepth int) ([]domain.ClosureRow, error) {
	const query = `
        SELECT ancestor_ref, descendant_ref, depth FROM referral_closure
        WHERE descendant_ref=$1 AND depth <= $2
        ORDER BY depth, ancestor_ref`
	return r.scanRows(ctx, query, descendantRef, maxDepth)
}

func (r *closureRepository) Descendants(ctx context.Context, ancestorRef string, maxDepth int) ([]domain.ClosureRow, error) {
	const query = `
        SELECT ancestor_ref, descendant_ref, depth FROM referral_closure
        WHERE ancestor_ref=$1 AND depth <= $2
        ORDER BY depth, descendant_ref`
	return r.scanRows(ctx, query, ancestorRef, maxDepth)
}

func (r *closureRepository) scanRows(ctx context.Context, query string, args ...any) ([]domain.ClosureRow, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ClosureRow
	for rows.Next() {
		var row domain.ClosureRow
		if err := rows.Scan(&row.AncestorRef, &row.DescendantRef, &row.Depth); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
