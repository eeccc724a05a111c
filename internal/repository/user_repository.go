package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/referral-service/internal/domain"
)

// ReferralFilter captures a referral listing scan.
type ReferralFilter struct {
	TargetRef  string
	Depths     []int
	SearchTerm *string
	Status     *domain.UserStatus
	// AllowedRefs restricts results to these reference codes; nil disables the restriction.
	AllowedRefs []string
	Limit       int
	Offset      int
}

// UserRepository defines persistence access for users of the referral forest.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	Update(ctx context.Context, user *domain.User) error
	UpdateRole(ctx context.Context, id string, role domain.Role) error
	SoftDelete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByReferenceCode(ctx context.Context, ref string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	ListReferrals(ctx context.Context, filter ReferralFilter) ([]domain.ReferralRecord, int, error)
	ListAfter(ctx context.Context, afterID string, limit int) ([]domain.User, error)
}

type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a Postgres-backed implementation.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userColumns = `u.id, u.reference_code, u.referrer_ref, u.role, u.status, u.name, u.email, u.phone,
        u.avatar_url, u.birth_date, u.gender, u.country, u.bio, u.website, u.password_hash,
        u.verified_at, u.created_at, u.updated_at, u.deleted_at`

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	const query = `
        INSERT INTO users (reference_code, referrer_ref, role, status, name, email, phone, avatar_url,
            birth_date, gender, country, bio, website, password_hash, verified_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        RETURNING id, created_at, updated_at`

	err := conn(ctx, r.pool).QueryRow(ctx, query,
		user.ReferenceCode,
		user.ReferrerRef,
		user.Role,
		user.Status,
		user.Name,
		user.Email,
		user.Phone,
		user.AvatarURL,
		user.BirthDate,
		user.Gender,
		user.Country,
		user.Bio,
		user.Website,
		user.PasswordHash,
		user.VerifiedAt,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	return mapWriteError(err)
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	const query = `
        UPDATE users SET status=$1, name=$2, phone=$3, avatar_url=$4, birth_date=$5, gender=$6,
            country=$7, bio=$8, website=$9, password_hash=$10, verified_at=$11, updated_at=NOW()
        WHERE id=$12 AND deleted_at IS NULL`

	cmd, err := conn(ctx, r.pool).Exec(ctx, query,
		user.Status,
		user.Name,
		user.Phone,
		user.AvatarURL,
		user.BirthDate,
		user.Gender,
		user.Country,
		user.Bio,
		user.Website,
		user.PasswordHash,
		user.VerifiedAt,
		user.ID,
	)
	if err != nil {
		return mapWriteError(err)
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *userRepository) UpdateRole(ctx context.Context, id string, role domain.Role) error {
	const query = `UPDATE users SET role=$1, updated_at=NOW() WHERE id=$2 AND deleted_at IS NULL`

	cmd, err := conn(ctx, r.pool).Exec(ctx, query, role, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SoftDelete marks the user deleted; closure rows are left untouched.
func (r *userRepository) SoftDelete(ctx context.Context, id string) error {
	const query = `UPDATE users SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`

	cmd, err := conn(ctx, r.pool).Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	// users.id is a uuid column; anything else cannot match a row.
	if _, err := uuid.Parse(id); err != nil {
		return nil, pgx.ErrNoRows
	}
	query := `SELECT ` + userColumns + ` FROM users u WHERE u.id=$1`
	return scanUser(conn(ctx, r.pool).QueryRow(ctx, query, id))
}

func (r *userRepository) GetByReferenceCode(ctx context.Context, ref string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users u WHERE u.reference_code=$1`
	return scanUser(conn(ctx, r.pool).QueryRow(ctx, query, ref))
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users u WHERE LOWER(u.email)=LOWER($1)`
	return scanUser(conn(ctx, r.pool).QueryRow(ctx, query, email))
}

// ListReferrals scans the target's closure rows, so the candidate set is a
// bounded index range rather than a tree walk. Rows deeper than one level
// only count while the intermediate referrer is live.
func (r *userRepository) ListReferrals(ctx context.Context, filter ReferralFilter) ([]domain.ReferralRecord, int, error) {
	clauses := []string{
		"c.ancestor_ref = $1",
		"c.depth = ANY($2)",
		"u.deleted_at IS NULL",
		"(c.depth = 1 OR EXISTS (SELECT 1 FROM users p WHERE p.reference_code = u.referrer_ref AND p.deleted_at IS NULL))",
	}
	args := []any{filter.TargetRef, filter.Depths}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		clauses = append(clauses, fmt.Sprintf("u.status = $%d", len(args)))
	}
	if filter.SearchTerm != nil && strings.TrimSpace(*filter.SearchTerm) != "" {
		args = append(args, "%"+escapeLike(strings.ToLower(strings.TrimSpace(*filter.SearchTerm)))+"%")
		p := fmt.Sprintf("$%d", len(args))
		clauses = append(clauses, fmt.Sprintf(
			"(LOWER(u.name) LIKE %[1]s OR LOWER(u.email) LIKE %[1]s OR LOWER(COALESCE(u.phone, '')) LIKE %[1]s OR LOWER(u.reference_code) LIKE %[1]s)", p))
	}
	if filter.AllowedRefs != nil {
		args = append(args, filter.AllowedRefs)
		clauses = append(clauses, fmt.Sprintf("u.reference_code = ANY($%d)", len(args)))
	}

	from := ` FROM users u JOIN referral_closure c ON c.descendant_ref = u.reference_code WHERE ` +
		strings.Join(clauses, " AND ")

	db := conn(ctx, r.pool)
	var total int
	if err := db.QueryRow(ctx, `SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ReferralRecord{}, 0, nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT %s, c.depth,
            (SELECT COUNT(*) FROM users d WHERE d.referrer_ref = u.reference_code AND d.deleted_at IS NULL) AS direct_referrals
        %s
        ORDER BY u.status ASC, direct_referrals DESC, u.verified_at DESC NULLS LAST, u.created_at DESC, u.id ASC
        LIMIT %d OFFSET %d`, userColumns, from, limit, offset)

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records := make([]domain.ReferralRecord, 0, limit)
	for rows.Next() {
		var rec domain.ReferralRecord
		dest := append(userScanTargets(&rec.User), &rec.Depth, &rec.DirectReferrals)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// ListAfter pages through every user, deleted ones included, ordered by id.
func (r *userRepository) ListAfter(ctx context.Context, afterID string, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + userColumns + ` FROM users u WHERE u.id::text > $1 ORDER BY u.id::text LIMIT $2`

	rows, err := conn(ctx, r.pool).Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.User
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(userScanTargets(&user)...); err != nil {
			return nil, err
		}
		result = append(result, user)
	}
	return result, rows.Err()
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	if err := row.Scan(userScanTargets(&user)...); err != nil {
		return nil, err
	}
	return &user, nil
}

func userScanTargets(user *domain.User) []any {
	return []any{
		&user.ID,
		&user.ReferenceCode,
		&user.ReferrerRef,
		&user.Role,
		&user.Status,
		&user.Name,
		&user.Email,
		&user.Phone,
		&user.AvatarURL,
		&user.BirthDate,
		&user.Gender,
		&user.Country,
		&user.Bio,
		&user.Website,
		&user.PasswordHash,
		&user.VerifiedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DeletedAt,
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
