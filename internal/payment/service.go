package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/audit"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/treasury"
)

// Config tunes the execution engine. Injected at construction so tests can
// pick arbitrary windows and retry budgets.
type Config struct {
	OTPLength   int
	OTPValidity time.Duration
	MaxRetries  int
	BcryptCost  int
}

// DefaultConfig returns production settings: 6 digit codes, a hard five
// minute validity window, three attempts.
func DefaultConfig() Config {
	return Config{OTPLength: 6, OTPValidity: 5 * time.Minute, MaxRetries: 3}
}

func (c Config) withDefaults() Config {
	if c.OTPLength <= 0 {
		c.OTPLength = 6
	}
	if c.OTPValidity <= 0 {
		c.OTPValidity = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Payment, error)
	GetByRequisition(ctx context.Context, requisitionID int64) (Payment, error)
	List(ctx context.Context, status Status, limit, offset int) ([]Payment, error)
	GetVariance(ctx context.Context, id int64) (Variance, error)
	// MarkFailed is the post-rollback bookkeeping write. It runs outside
	// the atomic execution block and must not be wrapped in WithTx.
	MarkFailed(ctx context.Context, id int64, retryCount int, lastError string) error
}

// TxRepository exposes transactional payment operations plus the treasury
// operations needed inside the execution critical section.
type TxRepository interface {
	treasury.TxRepository
	Create(ctx context.Context, order Order) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (Payment, error)
	SetOTP(ctx context.Context, id int64, hash string, issuedAt time.Time) error
	MarkVerified(ctx context.Context, id int64, at time.Time) error
	SetStatus(ctx context.Context, id int64, status Status) error
	MarkSucceeded(ctx context.Context, id int64, executorID int64, at time.Time) error
	InsertExecutionRecord(ctx context.Context, rec ExecutionRecord) (int64, error)
	CreateVariance(ctx context.Context, v Variance) (int64, error)
	GetVarianceForUpdate(ctx context.Context, id int64) (Variance, error)
	SetVarianceStatus(ctx context.Context, id int64, status VarianceStatus, approvedBy int64) error
}

// ErrDuplicateOrder is returned by TxRepository.Create when the requisition
// already has its payment. Scheduling is idempotent.
var ErrDuplicateOrder = errors.New("payment: order already scheduled")

// FundReader provides the advisory balance pre-check.
type FundReader interface {
	GetFund(ctx context.Context, id int64) (treasury.Fund, error)
}

// Replenisher triggers the post-commit reorder check.
type Replenisher interface {
	EnsureReplenishment(ctx context.Context, fundID int64, actorID int64) (int64, bool, error)
}

// Metrics counts engine events.
type Metrics interface {
	PaymentExecuted()
	PaymentFailed(reason string)
	OTPIssued()
}

// Service is the payment execution engine.
type Service struct {
	repo      RepositoryPort
	funds     FundReader
	replenish Replenisher
	transport Transport
	audit     audit.Sink
	metrics   Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewService constructs the engine.
func NewService(repo RepositoryPort, funds FundReader, replenish Replenisher, transport Transport, sink audit.Sink, metrics Metrics, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		repo:      repo,
		funds:     funds,
		replenish: replenish,
		transport: transport,
		audit:     sink,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Get returns one payment.
func (s *Service) Get(ctx context.Context, id int64) (Payment, error) {
	return s.repo.Get(ctx, id)
}

// GetByRequisition returns the payment for a requisition.
func (s *Service) GetByRequisition(ctx context.Context, requisitionID int64) (Payment, error) {
	return s.repo.GetByRequisition(ctx, requisitionID)
}

// List returns payments filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]Payment, error) {
	return s.repo.List(ctx, status, limit, offset)
}

// Schedule creates the pending payment for a reviewed requisition. Exactly
// one payment per requisition exists; repeat calls return the existing row.
func (s *Service) Schedule(ctx context.Context, order Order) (Payment, error) {
	if err := order.Validate(); err != nil {
		return Payment{}, err
	}
	var id int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, err := tx.Create(ctx, order)
		if err != nil {
			return err
		}
		id = created
		return nil
	})
	if errors.Is(err, ErrDuplicateOrder) {
		return s.repo.GetByRequisition(ctx, order.RequisitionID)
	}
	if err != nil {
		return Payment{}, err
	}
	return s.repo.Get(ctx, id)
}

// RequestOTP issues a fresh single-use code and moves the payment to
// AWAITING_2FA. Only the salted hash is stored; the plaintext goes out over
// the transport once.
func (s *Service) RequestOTP(ctx context.Context, paymentID int64, actor shared.Actor) error {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if actor.ID == p.RequesterID {
		s.auditDenied(ctx, p, actor, "otp requested by requester")
		return ErrSelfExecution
	}
	switch p.Status {
	case StatusPending, StatusAwaiting2FA:
	case StatusFailed:
		if p.RetryCount >= p.MaxRetries {
			return ErrRetryLimitExceeded
		}
	default:
		return ErrInvalidState
	}

	code, err := GenerateCode(s.cfg.OTPLength)
	if err != nil {
		return err
	}
	hash, err := HashCode(code, s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	issuedAt := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		switch locked.Status {
		case StatusPending, StatusAwaiting2FA, StatusFailed:
		default:
			return ErrInvalidState
		}
		return tx.SetOTP(ctx, paymentID, hash, issuedAt)
	})
	if err != nil {
		return err
	}

	if s.transport != nil {
		if err := s.transport.Send(ctx, p.Destination, code); err != nil {
			// State stays AWAITING_2FA; the caller re-requests a code.
			return fmt.Errorf("payment: dispatch otp: %w", err)
		}
	}
	if s.metrics != nil {
		s.metrics.OTPIssued()
	}
	s.recordAudit(ctx, audit.Event{
		RequisitionID: p.RequisitionID,
		PaymentID:     paymentID,
		ActorID:       actor.ID,
		RoleAtTime:    actor.Role,
		Action:        audit.ActionOTPIssued,
	})
	return nil
}

// VerifyOTP checks a candidate code. Codes are single use: any call after a
// successful verification fails with ErrOTPAlreadyUsed regardless of the
// code supplied.
func (s *Service) VerifyOTP(ctx context.Context, paymentID int64, code string, actor shared.Actor) error {
	var p Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		p = locked
		if !locked.OTP.Issued() {
			return ErrOTPNotIssued
		}
		if locked.OTP.Verified() {
			return ErrOTPAlreadyUsed
		}
		if locked.OTP.Expired(s.now(), s.cfg.OTPValidity) {
			return ErrOTPExpired
		}
		if err := CompareCode(locked.OTP.Hash, code); err != nil {
			return err
		}
		return tx.MarkVerified(ctx, paymentID, s.now())
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, audit.Event{
		RequisitionID: p.RequisitionID,
		PaymentID:     paymentID,
		ActorID:       actor.ID,
		RoleAtTime:    actor.Role,
		Action:        audit.ActionOTPVerified,
	})
	return nil
}

// Execute moves the money. Guard clauses run first with zero side effects;
// the balance check inside the fund row lock is the authoritative one. Any
// error inside the atomic block rolls the whole transaction back, after
// which retry bookkeeping is written separately.
func (s *Service) Execute(ctx context.Context, paymentID int64, executor shared.Actor, evidence Evidence) (Payment, error) {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if err := s.executeGuards(ctx, p, executor); err != nil {
		return Payment{}, err
	}

	executedAt := s.now()
	reference := uuid.NewString()
	var result Payment
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		// Re-assert under the lock; OTP and status may have moved between
		// guard evaluation and lock acquisition.
		if locked.Status != StatusAwaiting2FA {
			return ErrInvalidState
		}
		if !locked.OTP.Verified() {
			return ErrOTPNotVerified
		}
		if locked.OTP.Expired(executedAt, s.cfg.OTPValidity) {
			return ErrOTPExpired
		}
		if err := tx.SetStatus(ctx, paymentID, StatusExecuting); err != nil {
			return err
		}

		fund, err := tx.GetFundForUpdate(ctx, locked.FundID)
		if err != nil {
			return err
		}
		if fund.Balance.LessThan(locked.Amount) {
			return ErrInsufficientBalance
		}
		if err := tx.UpdateFundBalance(ctx, fund.ID, fund.Balance.Sub(locked.Amount)); err != nil {
			return err
		}
		if _, err := tx.InsertLedgerEntry(ctx, treasury.LedgerEntry{
			FundID:    fund.ID,
			PaymentID: paymentID,
			Type:      treasury.EntryDebit,
			Amount:    locked.Amount,
			CreatedBy: executor.ID,
			CreatedAt: executedAt,
		}); err != nil {
			return err
		}
		if _, err := tx.InsertExecutionRecord(ctx, ExecutionRecord{
			PaymentID:     paymentID,
			Reference:     reference,
			ExecutorID:    executor.ID,
			ExecutedAt:    executedAt,
			IP:            evidence.IP,
			UserAgent:     evidence.UserAgent,
			Note:          evidence.Note,
			OTPVerifiedAt: locked.OTP.VerifiedAt,
		}); err != nil {
			return err
		}
		if err := tx.MarkSucceeded(ctx, paymentID, executor.ID, executedAt); err != nil {
			return err
		}
		locked.Status = StatusSucceeded
		locked.ExecutorID = executor.ID
		result = locked
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrConcurrentModification):
			// Lock contention consumes no retry; the caller repeats the
			// whole operation.
		case errors.Is(err, ErrInvalidState), errors.Is(err, ErrOTPNotVerified), errors.Is(err, ErrOTPExpired):
			// Stale-state rejection under the lock. Same class as the
			// guard checks: no retry consumed, no failure recorded.
		default:
			s.bookkeepFailure(ctx, p, executor, err)
		}
		return Payment{}, err
	}

	if s.metrics != nil {
		s.metrics.PaymentExecuted()
	}
	s.recordAudit(ctx, audit.Event{
		RequisitionID: p.RequisitionID,
		PaymentID:     paymentID,
		ActorID:       executor.ID,
		RoleAtTime:    executor.Role,
		Action:        audit.ActionPaymentExecuted,
		Meta: map[string]any{
			"amount":     p.Amount.StringFixed(2),
			"fund_id":    p.FundID,
			"reference":  reference,
			"ip":         evidence.IP,
			"user_agent": evidence.UserAgent,
		},
	})
	if s.replenish != nil {
		if _, _, err := s.replenish.EnsureReplenishment(ctx, p.FundID, executor.ID); err != nil {
			s.logger.Warn("replenishment check", slog.Int64("fund_id", p.FundID), slog.Any("error", err))
		}
	}
	return result, nil
}

// executeGuards is the fail-fast phase: nothing is written, no lock taken.
func (s *Service) executeGuards(ctx context.Context, p Payment, executor shared.Actor) error {
	switch p.Status {
	case StatusSucceeded, StatusReconciled, StatusExecuting:
		return ErrInvalidState
	}
	if executor.ID == p.RequesterID {
		s.auditDenied(ctx, p, executor, "self-execution attempt by requester")
		return ErrSelfExecution
	}
	if !p.OTP.Issued() {
		return ErrOTPNotIssued
	}
	if !p.OTP.Verified() {
		return ErrOTPNotVerified
	}
	if p.OTP.Expired(s.now(), s.cfg.OTPValidity) {
		return ErrOTPExpired
	}
	if p.RetryCount >= p.MaxRetries {
		return ErrRetryLimitExceeded
	}
	if s.funds != nil {
		// Advisory only; the locked re-check inside Execute is
		// authoritative.
		fund, err := s.funds.GetFund(ctx, p.FundID)
		if err != nil {
			return err
		}
		if fund.Balance.LessThan(p.Amount) {
			return ErrInsufficientBalance
		}
	}
	return nil
}

// bookkeepFailure records the failed attempt after the rollback, as a
// separate write that must not itself fail the caller.
func (s *Service) bookkeepFailure(ctx context.Context, p Payment, executor shared.Actor, cause error) {
	retries := p.RetryCount + 1
	if err := s.repo.MarkFailed(ctx, p.ID, retries, cause.Error()); err != nil {
		s.logger.Error("mark payment failed", slog.Int64("payment_id", p.ID), slog.Any("error", err))
	}
	if s.metrics != nil {
		s.metrics.PaymentFailed(failureReason(cause))
	}
	s.recordAudit(ctx, audit.Event{
		RequisitionID: p.RequisitionID,
		PaymentID:     p.ID,
		ActorID:       executor.ID,
		RoleAtTime:    executor.Role,
		Action:        audit.ActionPaymentFailed,
		Comment:       cause.Error(),
		Meta:          map[string]any{"retry_count": retries},
	})
}

// failureReason buckets an execution error into a fixed metric label.
// Repository errors and anything unrecognized collapse into "internal" so
// the label stays bounded.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrOTPExpired):
		return "otp_expired"
	case errors.Is(err, ErrOTPNotVerified):
		return "otp_not_verified"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "internal"
	}
}

// ConfirmSettlement reconciles the payment against the externally confirmed
// settled amount. A matching amount reconciles directly; a differing one
// opens a variance that needs executive approval before the delta posts.
func (s *Service) ConfirmSettlement(ctx context.Context, paymentID int64, actual decimal.Decimal, reason string, actor shared.Actor) (Variance, error) {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return Variance{}, err
	}
	if p.Status != StatusSucceeded {
		return Variance{}, ErrInvalidState
	}
	actual = shared.Round2(actual)
	if actual.Equal(p.Amount) {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.SetStatus(ctx, paymentID, StatusReconciled)
		})
		return Variance{}, err
	}

	v := Variance{
		PaymentID:      paymentID,
		OriginalAmount: p.Amount,
		ActualAmount:   actual,
		Delta:          actual.Sub(p.Amount),
		Reason:         reason,
		Status:         VariancePending,
		RecordedBy:     actor.ID,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateVariance(ctx, v)
		if err != nil {
			return err
		}
		v.ID = id
		return nil
	})
	if err != nil {
		return Variance{}, err
	}
	s.recordAudit(ctx, audit.Event{
		RequisitionID: p.RequisitionID,
		PaymentID:     paymentID,
		ActorID:       actor.ID,
		RoleAtTime:    actor.Role,
		Action:        audit.ActionVarianceRecorded,
		Comment:       reason,
		Meta:          map[string]any{"delta": v.Delta.StringFixed(2)},
	})
	return v, nil
}

// ApproveVariance applies a recorded variance as a ledger adjustment. One
// designated high-authority approver signs off; neither the recorder nor
// the original executor may self-approve.
func (s *Service) ApproveVariance(ctx context.Context, varianceID int64, actor shared.Actor) error {
	v, err := s.repo.GetVariance(ctx, varianceID)
	if err != nil {
		return err
	}
	p, err := s.repo.Get(ctx, v.PaymentID)
	if err != nil {
		return err
	}
	if actor.Role != roles.CFO && actor.Role != roles.ManagingDirector {
		return ErrVarianceAuthority
	}
	if actor.ID == v.RecordedBy || actor.ID == p.ExecutorID || actor.ID == p.RequesterID {
		s.auditDenied(ctx, p, actor, "variance self-approval attempt")
		return ErrVarianceSelfApproval
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetVarianceForUpdate(ctx, varianceID)
		if err != nil {
			return err
		}
		if locked.Status != VariancePending {
			return ErrInvalidState
		}
		if err := tx.SetVarianceStatus(ctx, varianceID, VarianceApproved, actor.ID); err != nil {
			return err
		}
		if err := treasury.PostAdjustment(ctx, tx, p.FundID, p.ID, locked.Delta, actor.ID); err != nil {
			return err
		}
		return tx.SetStatus(ctx, p.ID, StatusReconciled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, audit.Event{
		RequisitionID: p.RequisitionID,
		PaymentID:     p.ID,
		ActorID:       actor.ID,
		RoleAtTime:    actor.Role,
		Action:        audit.ActionVarianceApproved,
		Meta:          map[string]any{"variance_id": varianceID, "delta": v.Delta.StringFixed(2)},
	})
	return nil
}

func (s *Service) auditDenied(ctx context.Context, p Payment, actor shared.Actor, detail string) {
	s.recordAudit(ctx, audit.Event{
		RequisitionID: p.RequisitionID,
		PaymentID:     p.ID,
		ActorID:       actor.ID,
		RoleAtTime:    actor.Role,
		Action:        audit.ActionAuthzDenied,
		Comment:       detail,
	})
}

func (s *Service) recordAudit(ctx context.Context, event audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("record audit event", slog.Any("error", err))
	}
}
