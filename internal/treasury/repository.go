package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/platform/db"
)

// RepositoryPort describes treasury persistence used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetFund(ctx context.Context, id int64) (Fund, error)
	ListFunds(ctx context.Context) ([]Fund, error)
	ListLedger(ctx context.Context, fundID int64, limit, offset int) ([]LedgerEntry, error)
	GetLedgerEntry(ctx context.Context, id int64) (LedgerEntry, error)
	HasOpenReplenishment(ctx context.Context, fundID int64) (bool, error)
}

// TxRepository exposes transactional treasury operations. GetFundForUpdate
// takes the per-fund exclusive row lock that serializes balance mutation.
type TxRepository interface {
	GetFundForUpdate(ctx context.Context, id int64) (Fund, error)
	UpdateFundBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, error)
	MarkReconciled(ctx context.Context, entryID, actorID int64, at time.Time) error
	CreateReplenishment(ctx context.Context, req ReplenishmentRequest) (int64, error)
}

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

// NewTxRepository wraps an already-open transaction. It exists so other
// packages can compose treasury operations into their own transactional
// critical sections.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const fundColumns = `id, name, company_id, region_id, branch_id, balance, reorder_level, target_level, created_at, updated_at`

func scanFund(row pgx.Row) (Fund, error) {
	var f Fund
	err := row.Scan(&f.ID, &f.Name, &f.Scope.CompanyID, &f.Scope.RegionID, &f.Scope.BranchID,
		&f.Balance, &f.ReorderLevel, &f.TargetLevel, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// GetFund returns a fund without locking.
func (r *Repository) GetFund(ctx context.Context, id int64) (Fund, error) {
	f, err := scanFund(r.pool.QueryRow(ctx, `SELECT `+fundColumns+` FROM funds WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Fund{}, ErrFundNotFound
		}
		return Fund{}, fmt.Errorf("treasury: get fund: %w", err)
	}
	return f, nil
}

// ListFunds returns all funds ordered by id.
func (r *Repository) ListFunds(ctx context.Context) ([]Fund, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+fundColumns+` FROM funds ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("treasury: list funds: %w", err)
	}
	defer rows.Close()
	var funds []Fund
	for rows.Next() {
		f, err := scanFund(rows)
		if err != nil {
			return nil, err
		}
		funds = append(funds, f)
	}
	return funds, rows.Err()
}

const entryColumns = `id, fund_id, COALESCE(payment_id, 0), type, amount, created_by, created_at,
reconciled, COALESCE(reconciled_by, 0), COALESCE(reconciled_at, 'epoch'::timestamptz)`

func scanEntry(row pgx.Row) (LedgerEntry, error) {
	var (
		e     LedgerEntry
		typ   string
		recAt time.Time
	)
	err := row.Scan(&e.ID, &e.FundID, &e.PaymentID, &typ, &e.Amount, &e.CreatedBy, &e.CreatedAt,
		&e.Reconciled, &e.ReconciledBy, &recAt)
	if err != nil {
		return LedgerEntry{}, err
	}
	e.Type = EntryType(typ)
	if e.Reconciled {
		e.ReconciledAt = recAt
	}
	return e, nil
}

// ListLedger returns entries for a fund, newest first.
func (r *Repository) ListLedger(ctx context.Context, fundID int64, limit, offset int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE fund_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, fundID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("treasury: list ledger: %w", err)
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetLedgerEntry returns one entry.
func (r *Repository) GetLedgerEntry(ctx context.Context, id int64) (LedgerEntry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, ErrEntryNotFound
		}
		return LedgerEntry{}, fmt.Errorf("treasury: get ledger entry: %w", err)
	}
	return e, nil
}

// HasOpenReplenishment reports whether a pending or approved replenishment
// exists for the fund.
func (r *Repository) HasOpenReplenishment(ctx context.Context, fundID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM replenishment_requests
WHERE fund_id = $1 AND status IN ('PENDING', 'APPROVED'))`, fundID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("treasury: check replenishment: %w", err)
	}
	return exists, nil
}

// GetFundForUpdate locks the fund row for the duration of the transaction.
func (t *txRepo) GetFundForUpdate(ctx context.Context, id int64) (Fund, error) {
	f, err := scanFund(t.tx.QueryRow(ctx, `SELECT `+fundColumns+` FROM funds WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Fund{}, ErrFundNotFound
		}
		return Fund{}, fmt.Errorf("treasury: lock fund: %w", err)
	}
	return f, nil
}

// UpdateFundBalance writes the new balance. Callers must hold the row lock.
func (t *txRepo) UpdateFundBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE funds SET balance = $2, updated_at = NOW() WHERE id = $1`, id, balance)
	if err != nil {
		return fmt.Errorf("treasury: update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFundNotFound
	}
	return nil
}

// InsertLedgerEntry appends an immutable entry.
func (t *txRepo) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO ledger_entries (fund_id, payment_id, type, amount, created_by, created_at)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6) RETURNING id`,
		entry.FundID, entry.PaymentID, string(entry.Type), entry.Amount, entry.CreatedBy, entry.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("treasury: insert ledger entry: %w", err)
	}
	return id, nil
}

// MarkReconciled sets the one-shot reconciliation fields. The WHERE clause
// refuses rows already reconciled.
func (t *txRepo) MarkReconciled(ctx context.Context, entryID, actorID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE ledger_entries
SET reconciled = true, reconciled_by = $2, reconciled_at = $3
WHERE id = $1 AND NOT reconciled`, entryID, actorID, at)
	if err != nil {
		return fmt.Errorf("treasury: mark reconciled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReconciled
	}
	return nil
}

// CreateReplenishment inserts an open replenishment. A partial unique index
// on (fund_id) WHERE status IN ('PENDING','APPROVED') makes this idempotent.
func (t *txRepo) CreateReplenishment(ctx context.Context, req ReplenishmentRequest) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO replenishment_requests (fund_id, amount, status, requested_by)
VALUES ($1, $2, $3, $4) RETURNING id`,
		req.FundID, req.Amount, string(ReplenishmentPending), req.RequestedBy).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrReplenishmentPending
		}
		return 0, fmt.Errorf("treasury: create replenishment: %w", err)
	}
	return id, nil
}
