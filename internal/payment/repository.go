package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/platform/db"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/treasury"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool       *pgxpool.Pool
	maxRetries int
}

var _ RepositoryPort = (*Repository)(nil)

// NewRepository constructs a repository. maxRetries seeds new payment rows.
func NewRepository(pool *pgxpool.Pool, maxRetries int) *Repository {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Repository{pool: pool, maxRetries: maxRetries}
}

type txRepo struct {
	treasury.TxRepository
	tx         pgx.Tx
	maxRetries int
}

// WithTx wraps callback in a repeatable-read transaction. The embedded
// treasury repository shares the same transaction, so fund locks and ledger
// writes commit or roll back together with payment state.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{TxRepository: treasury.NewTxRepository(tx), tx: tx, maxRetries: r.maxRetries})
	})
}

const paymentColumns = `id, requisition_id, requester_id, fund_id, amount, method, destination, status,
executor_id, otp_hash, otp_issued_at, otp_verified_at, retry_count, max_retries, last_error,
created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p          Payment
		status     string
		executorID pgtype.Int8
		hash       pgtype.Text
		issuedAt   pgtype.Timestamptz
		verifiedAt pgtype.Timestamptz
		lastError  pgtype.Text
	)
	err := row.Scan(&p.ID, &p.RequisitionID, &p.RequesterID, &p.FundID, &p.Amount, &p.Method,
		&p.Destination, &status, &executorID, &hash, &issuedAt, &verifiedAt,
		&p.RetryCount, &p.MaxRetries, &lastError, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}
	p.Status = Status(status)
	p.ExecutorID = executorID.Int64
	p.OTP.Hash = hash.String
	p.LastError = lastError.String
	if issuedAt.Valid {
		p.OTP.IssuedAt = issuedAt.Time
	}
	if verifiedAt.Valid {
		p.OTP.VerifiedAt = verifiedAt.Time
	}
	return p, nil
}

// Get returns one payment.
func (r *Repository) Get(ctx context.Context, id int64) (Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get: %w", err)
	}
	return p, nil
}

// GetByRequisition returns the payment scheduled for a requisition.
func (r *Repository) GetByRequisition(ctx context.Context, requisitionID int64) (Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE requisition_id = $1`, requisitionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get by requisition: %w", err)
	}
	return p, nil
}

// List returns payments, optionally filtered by status, newest first.
func (r *Repository) List(ctx context.Context, status Status, limit, offset int) ([]Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + paymentColumns + ` FROM payments`
	args := []any{limit, offset}
	if status != "" {
		query += ` WHERE status = $3`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("payment: list: %w", err)
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// MarkFailed writes retry bookkeeping after a rolled-back execution attempt.
func (r *Repository) MarkFailed(ctx context.Context, id int64, retryCount int, lastError string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE payments
SET status = $2, retry_count = $3, last_error = $4, updated_at = NOW() WHERE id = $1`,
		id, string(StatusFailed), retryCount, lastError)
	if err != nil {
		return fmt.Errorf("payment: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpiredOTPs clears codes whose window lapsed without verification
// and returns the affected payments to PENDING so a fresh code can be
// requested.
func (r *Repository) SweepExpiredOTPs(ctx context.Context, validity time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE payments
SET otp_hash = NULL, otp_issued_at = NULL, status = $2, updated_at = NOW()
WHERE status = $1 AND otp_verified_at IS NULL AND otp_issued_at < NOW() - $3::interval`,
		string(StatusAwaiting2FA), string(StatusPending), validity)
	if err != nil {
		return 0, fmt.Errorf("payment: sweep expired otps: %w", err)
	}
	return tag.RowsAffected(), nil
}

const varianceColumns = `id, payment_id, original_amount, actual_amount, delta, reason, status,
recorded_by, approved_by, created_at, updated_at`

func scanVariance(row pgx.Row) (Variance, error) {
	var (
		v          Variance
		status     string
		approvedBy pgtype.Int8
	)
	err := row.Scan(&v.ID, &v.PaymentID, &v.OriginalAmount, &v.ActualAmount, &v.Delta, &v.Reason,
		&status, &v.RecordedBy, &approvedBy, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return Variance{}, err
	}
	v.Status = VarianceStatus(status)
	v.ApprovedBy = approvedBy.Int64
	return v, nil
}

// GetVariance returns one variance.
func (r *Repository) GetVariance(ctx context.Context, id int64) (Variance, error) {
	v, err := scanVariance(r.pool.QueryRow(ctx,
		`SELECT `+varianceColumns+` FROM payment_variances WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Variance{}, ErrVarianceNotFound
		}
		return Variance{}, fmt.Errorf("payment: get variance: %w", err)
	}
	return v, nil
}

// Create inserts the pending payment. A unique constraint on requisition_id
// makes scheduling idempotent.
func (t *txRepo) Create(ctx context.Context, order Order) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO payments
(requisition_id, requester_id, fund_id, amount, method, destination, status, retry_count, max_retries)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8) RETURNING id`,
		order.RequisitionID, order.RequesterID, order.FundID, order.Amount, order.Method,
		order.Destination, string(StatusPending), t.maxRetries).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateOrder
		}
		return 0, fmt.Errorf("payment: create: %w", err)
	}
	return id, nil
}

// GetForUpdate locks the payment row. NOWAIT turns lock contention into an
// immediate ErrConcurrentModification instead of queueing behind the holder.
func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE NOWAIT`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
			return Payment{}, ErrConcurrentModification
		}
		return Payment{}, fmt.Errorf("payment: lock: %w", err)
	}
	return p, nil
}

// SetOTP stores the new code hash and clears any prior verification.
func (t *txRepo) SetOTP(ctx context.Context, id int64, hash string, issuedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments
SET otp_hash = $2, otp_issued_at = $3, otp_verified_at = NULL, status = $4, updated_at = NOW()
WHERE id = $1`, id, hash, issuedAt, string(StatusAwaiting2FA))
	if err != nil {
		return fmt.Errorf("payment: set otp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkVerified consumes the code. The WHERE clause enforces single use.
func (t *txRepo) MarkVerified(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments
SET otp_verified_at = $2, updated_at = NOW()
WHERE id = $1 AND otp_verified_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("payment: mark verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOTPAlreadyUsed
	}
	return nil
}

// SetStatus writes the status column.
func (t *txRepo) SetStatus(ctx context.Context, id int64, status Status) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("payment: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSucceeded finalizes the payment inside the execution transaction.
func (t *txRepo) MarkSucceeded(ctx context.Context, id int64, executorID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments
SET status = $2, executor_id = $3, last_error = NULL, updated_at = $4 WHERE id = $1`,
		id, string(StatusSucceeded), executorID, at)
	if err != nil {
		return fmt.Errorf("payment: mark succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertExecutionRecord appends the immutable execution evidence row.
func (t *txRepo) InsertExecutionRecord(ctx context.Context, rec ExecutionRecord) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO payment_executions
(payment_id, reference, executor_id, executed_at, ip, user_agent, note, otp_verified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		rec.PaymentID, rec.Reference, rec.ExecutorID, rec.ExecutedAt, rec.IP, rec.UserAgent, rec.Note,
		rec.OTPVerifiedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("payment: insert execution record: %w", err)
	}
	return id, nil
}

// CreateVariance inserts a pending variance.
func (t *txRepo) CreateVariance(ctx context.Context, v Variance) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO payment_variances
(payment_id, original_amount, actual_amount, delta, reason, status, recorded_by)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		v.PaymentID, v.OriginalAmount, v.ActualAmount, v.Delta, v.Reason, string(v.Status),
		v.RecordedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("payment: create variance: %w", err)
	}
	return id, nil
}

// GetVarianceForUpdate locks the variance row.
func (t *txRepo) GetVarianceForUpdate(ctx context.Context, id int64) (Variance, error) {
	v, err := scanVariance(t.tx.QueryRow(ctx,
		`SELECT `+varianceColumns+` FROM payment_variances WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Variance{}, ErrVarianceNotFound
		}
		return Variance{}, fmt.Errorf("payment: lock variance: %w", err)
	}
	return v, nil
}

// SetVarianceStatus records the decision.
func (t *txRepo) SetVarianceStatus(ctx context.Context, id int64, status VarianceStatus, approvedBy int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payment_variances
SET status = $2, approved_by = NULLIF($3, 0), updated_at = NOW() WHERE id = $1`,
		id, string(status), approvedBy)
	if err != nil {
		return fmt.Errorf("payment: set variance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVarianceNotFound
	}
	return nil
}
