package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

// Repository provides PostgreSQL backed candidate lookup.
type Repository struct {
	pool *pgxpool.Pool
}

var _ Service = (*Repository)(nil)

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindCandidates returns active users holding the queried role, ordered by
// ascending id. Centralized roles ignore organisational scope; other roles
// are narrowed by branch, region or company depending on the origin.
func (r *Repository) FindCandidates(ctx context.Context, q Query) ([]User, error) {
	query := `SELECT id, name, email, role, company_id, region_id, branch_id, department_id, active
FROM users WHERE active AND role = $1 AND id <> $2`
	args := []any{string(q.Role), q.ExcludeUserID}

	if !q.Role.Centralized() {
		switch q.Origin {
		case shared.OriginBranch:
			query += fmt.Sprintf(" AND branch_id = $%d", len(args)+1)
			args = append(args, q.Scope.BranchID)
		case shared.OriginField:
			query += fmt.Sprintf(" AND region_id = $%d", len(args)+1)
			args = append(args, q.Scope.RegionID)
		default:
			query += fmt.Sprintf(" AND company_id = $%d", len(args)+1)
			args = append(args, q.Scope.CompanyID)
		}
	}
	query += " ORDER BY id ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("directory: find candidates: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser returns one directory entry by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, name, email, role, company_id, region_id, branch_id, department_id, active
FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("directory: get user: %w", err)
	}
	return u, nil
}

// FindFallbackAuthority returns the single top-level escalation target, the
// lowest-id active managing director.
func (r *Repository) FindFallbackAuthority(ctx context.Context) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, name, email, role, company_id, region_id, branch_id, department_id, active
FROM users WHERE active AND role = $1 ORDER BY id ASC LIMIT 1`, string(roles.ManagingDirector))
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNoFallbackAuthority
		}
		return User{}, fmt.Errorf("directory: find fallback authority: %w", err)
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &role,
		&u.Scope.CompanyID, &u.Scope.RegionID, &u.Scope.BranchID, &u.Scope.DepartmentID,
		&u.Active); err != nil {
		return User{}, err
	}
	u.Role = roles.Role(role)
	return u, nil
}
