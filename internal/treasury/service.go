package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/audit"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

// AlertNotifier publishes low-balance alerts. Dispatch happens off the
// request path; failures are logged, never propagated.
type AlertNotifier interface {
	NotifyLowBalance(ctx context.Context, fund Fund) error
}

// Service orchestrates fund reads, reconciliation and replenishment.
type Service struct {
	repo   RepositoryPort
	audit  audit.Sink
	alerts AlertNotifier
	logger *slog.Logger
}

// NewService constructs a treasury service.
func NewService(repo RepositoryPort, sink audit.Sink, alerts AlertNotifier, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: sink, alerts: alerts, logger: logger}
}

// GetFund returns one fund.
func (s *Service) GetFund(ctx context.Context, id int64) (Fund, error) {
	return s.repo.GetFund(ctx, id)
}

// ListFunds returns every fund.
func (s *Service) ListFunds(ctx context.Context) ([]Fund, error) {
	return s.repo.ListFunds(ctx)
}

// ListLedger returns ledger entries for a fund, newest first.
func (s *Service) ListLedger(ctx context.Context, fundID int64, limit, offset int) ([]LedgerEntry, error) {
	return s.repo.ListLedger(ctx, fundID, limit, offset)
}

// Reconcile sets the one-shot reconciliation fields on a ledger entry.
func (s *Service) Reconcile(ctx context.Context, entryID int64, actor shared.Actor) error {
	entry, err := s.repo.GetLedgerEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Reconciled {
		return ErrAlreadyReconciled
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.MarkReconciled(ctx, entryID, actor.ID, time.Now())
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, audit.Event{
		PaymentID:  entry.PaymentID,
		ActorID:    actor.ID,
		RoleAtTime: actor.Role,
		Action:     audit.ActionLedgerReconciled,
		Meta:       map[string]any{"ledger_entry_id": entryID, "fund_id": entry.FundID},
	})
	return nil
}

// EnsureReplenishment creates at most one open replenishment request for a
// fund below its reorder level. Returns the request id and whether this call
// created it.
func (s *Service) EnsureReplenishment(ctx context.Context, fundID int64, actorID int64) (int64, bool, error) {
	fund, err := s.repo.GetFund(ctx, fundID)
	if err != nil {
		return 0, false, err
	}
	if !fund.BelowReorder() {
		return 0, false, nil
	}
	// Advisory pre-check; the partial unique index is authoritative.
	open, err := s.repo.HasOpenReplenishment(ctx, fundID)
	if err != nil {
		return 0, false, err
	}
	if open {
		return 0, false, nil
	}
	var id int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, err := tx.CreateReplenishment(ctx, ReplenishmentRequest{
			FundID:      fundID,
			Amount:      fund.ReplenishmentAmount(),
			RequestedBy: actorID,
		})
		if err != nil {
			return err
		}
		id = created
		return nil
	})
	if errors.Is(err, ErrReplenishmentPending) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if s.alerts != nil {
		if err := s.alerts.NotifyLowBalance(ctx, fund); err != nil {
			s.logger.Warn("low balance alert", slog.Int64("fund_id", fundID), slog.Any("error", err))
		}
	}
	s.logger.Info("replenishment requested",
		slog.Int64("fund_id", fundID),
		slog.String("amount", fund.ReplenishmentAmount().StringFixed(2)))
	return id, true, nil
}

// Credit settles incoming money against a fund: balance increment plus one
// credit ledger entry, atomically under the fund row lock.
func (s *Service) Credit(ctx context.Context, fundID int64, amount decimal.Decimal, actor shared.Actor) error {
	if !shared.PositiveAmount(amount) {
		return fmt.Errorf("%w: credit amount must be positive", ErrValidation)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		fund, err := tx.GetFundForUpdate(ctx, fundID)
		if err != nil {
			return err
		}
		if err := tx.UpdateFundBalance(ctx, fundID, fund.Balance.Add(shared.Round2(amount))); err != nil {
			return err
		}
		_, err = tx.InsertLedgerEntry(ctx, LedgerEntry{
			FundID:    fundID,
			Type:      EntryCredit,
			Amount:    shared.Round2(amount),
			CreatedBy: actor.ID,
		})
		return err
	})
}

// ApplyAdjustment posts a signed settlement adjustment against a fund in its
// own transaction. See PostAdjustment for the sign convention.
func (s *Service) ApplyAdjustment(ctx context.Context, fundID, paymentID int64, delta decimal.Decimal, actor shared.Actor) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return PostAdjustment(ctx, tx, fundID, paymentID, delta, actor.ID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, audit.Event{
		PaymentID:  paymentID,
		ActorID:    actor.ID,
		RoleAtTime: actor.Role,
		Action:     audit.ActionLedgerAdjusted,
		Meta:       map[string]any{"fund_id": fundID, "delta": shared.Round2(delta).StringFixed(2)},
	})
	return nil
}

// PostAdjustment debits the fund by delta under the caller's transaction and
// appends the matching adjustment entry. Delta is settled minus original
// amount: a positive delta means more money left the fund than the payment
// recorded, so the balance goes down; a negative delta restores the
// difference. Every adjustment writer goes through here so the sign
// convention holds across packages.
func PostAdjustment(ctx context.Context, tx TxRepository, fundID, paymentID int64, delta decimal.Decimal, actorID int64) error {
	if delta.IsZero() {
		return fmt.Errorf("%w: zero adjustment", ErrValidation)
	}
	delta = shared.Round2(delta)
	fund, err := tx.GetFundForUpdate(ctx, fundID)
	if err != nil {
		return err
	}
	if err := tx.UpdateFundBalance(ctx, fundID, fund.Balance.Sub(delta)); err != nil {
		return err
	}
	_, err = tx.InsertLedgerEntry(ctx, LedgerEntry{
		FundID:    fundID,
		PaymentID: paymentID,
		Type:      EntryAdjustment,
		Amount:    delta,
		CreatedBy: actorID,
	})
	return err
}

func (s *Service) recordAudit(ctx context.Context, event audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("record audit event", slog.Any("error", err))
	}
}
