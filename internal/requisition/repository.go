package requisition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/platform/db"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/workflow"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

var _ RepositoryPort = (*Repository)(nil)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const reqColumns = `id, requester_id, requester_role, origin_type, company_id, region_id, branch_id, department_id,
fund_id, amount, purpose, urgent, urgency_justification, method, destination,
applied_tier, chain, current_position, status, created_at, updated_at`

func scanRequisition(row pgx.Row) (Requisition, error) {
	var (
		req      Requisition
		role     string
		origin   string
		status   string
		rawChain []byte
	)
	err := row.Scan(&req.ID, &req.RequesterID, &role, &origin,
		&req.Scope.CompanyID, &req.Scope.RegionID, &req.Scope.BranchID, &req.Scope.DepartmentID,
		&req.FundID, &req.Amount, &req.Purpose, &req.Urgent, &req.UrgencyJustification,
		&req.Method, &req.Destination, &req.AppliedTier, &rawChain, &req.CurrentPosition,
		&status, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return Requisition{}, err
	}
	req.RequesterRole = roles.Role(role)
	req.Origin = shared.OriginType(origin)
	req.Status = Status(status)
	if len(rawChain) > 0 {
		if err := json.Unmarshal(rawChain, &req.Chain); err != nil {
			return Requisition{}, fmt.Errorf("requisition: decode chain: %w", err)
		}
	}
	return req, nil
}

// Get returns one requisition.
func (r *Repository) Get(ctx context.Context, id int64) (Requisition, error) {
	req, err := scanRequisition(r.pool.QueryRow(ctx, `SELECT `+reqColumns+` FROM requisitions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requisition{}, ErrNotFound
		}
		return Requisition{}, fmt.Errorf("requisition: get: %w", err)
	}
	return req, nil
}

// List returns requisitions matching the filters, newest first, plus the
// total match count.
func (r *Repository) List(ctx context.Context, filters ListFilters, limit, offset int) ([]Requisition, int, error) {
	if limit <= 0 {
		limit = 20
	}
	where := " WHERE true"
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		where += fmt.Sprintf(clause, len(args))
	}
	if filters.Status != "" {
		add(" AND status = $%d", string(filters.Status))
	}
	if filters.RequesterID != 0 {
		add(" AND requester_id = $%d", filters.RequesterID)
	}
	if filters.Origin != "" {
		add(" AND origin_type = $%d", string(filters.Origin))
	}
	if filters.ApproverID != 0 {
		// Pending items where the actor holds the current chain position.
		add(` AND status IN ('PENDING', 'PENDING_URGENCY')
AND (chain -> current_position ->> 'assigned_user_id')::bigint = $%d`, filters.ApproverID)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM requisitions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("requisition: count: %w", err)
	}

	query := fmt.Sprintf("SELECT "+reqColumns+" FROM requisitions"+where+
		" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("requisition: list: %w", err)
	}
	defer rows.Close()
	var items []Requisition
	for rows.Next() {
		req, err := scanRequisition(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, req)
	}
	return items, total, rows.Err()
}

// Create inserts a draft.
func (t *txRepo) Create(ctx context.Context, req Requisition) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO requisitions
(requester_id, requester_role, origin_type, company_id, region_id, branch_id, department_id,
 fund_id, amount, purpose, urgent, urgency_justification, method, destination, chain, current_position, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, '[]'::jsonb, 0, $15)
RETURNING id`,
		req.RequesterID, string(req.RequesterRole), string(req.Origin),
		req.Scope.CompanyID, req.Scope.RegionID, req.Scope.BranchID, req.Scope.DepartmentID,
		req.FundID, req.Amount, req.Purpose, req.Urgent, req.UrgencyJustification,
		req.Method, req.Destination, string(req.Status)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("requisition: create: %w", err)
	}
	return id, nil
}

// GetForUpdate locks the requisition row. NOWAIT turns lock contention into
// ErrConcurrentModification so callers can retry instead of queueing.
func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Requisition, error) {
	req, err := scanRequisition(t.tx.QueryRow(ctx, `SELECT `+reqColumns+` FROM requisitions WHERE id = $1 FOR UPDATE NOWAIT`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requisition{}, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return Requisition{}, ErrConcurrentModification
		}
		return Requisition{}, fmt.Errorf("requisition: lock: %w", err)
	}
	return req, nil
}

// SetResolution stores the resolved chain and moves the row out of draft.
func (t *txRepo) SetResolution(ctx context.Context, id int64, tier string, chain workflow.Chain, status Status) error {
	raw, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("requisition: encode chain: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE requisitions
SET applied_tier = $2, chain = $3, current_position = 0, status = $4, updated_at = NOW()
WHERE id = $1`, id, tier, raw, string(status))
	if err != nil {
		return fmt.Errorf("requisition: set resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Advance moves the chain cursor.
func (t *txRepo) Advance(ctx context.Context, id int64, position int, status Status) error {
	tag, err := t.tx.Exec(ctx, `UPDATE requisitions
SET current_position = $2, status = $3, updated_at = NOW() WHERE id = $1`,
		id, position, string(status))
	if err != nil {
		return fmt.Errorf("requisition: advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRejected terminates the requisition, keeping only the walked chain.
func (t *txRepo) SetRejected(ctx context.Context, id int64, chain workflow.Chain) error {
	raw, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("requisition: encode chain: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE requisitions
SET status = $2, chain = $3, updated_at = NOW() WHERE id = $1`,
		id, string(StatusRejected), raw)
	if err != nil {
		return fmt.Errorf("requisition: set rejected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
