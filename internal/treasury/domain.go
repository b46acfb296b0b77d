// Package treasury owns funds, the append-only ledger and fund
// replenishment. Fund balances are only ever mutated inside a payment
// execution critical section or a replenishment settlement, both under a
// row lock.
package treasury

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

var (
	// ErrFundNotFound indicates fund missing.
	ErrFundNotFound = errors.New("treasury: fund not found")
	// ErrEntryNotFound indicates ledger entry missing.
	ErrEntryNotFound = errors.New("treasury: ledger entry not found")
	// ErrAlreadyReconciled indicates reconciliation fields were already set.
	ErrAlreadyReconciled = errors.New("treasury: entry already reconciled")
	// ErrReplenishmentPending indicates an open replenishment already exists
	// for the fund; creation is idempotent.
	ErrReplenishmentPending = errors.New("treasury: replenishment already pending")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("treasury: invalid input")
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryDebit      EntryType = "DEBIT"
	EntryCredit     EntryType = "CREDIT"
	EntryAdjustment EntryType = "ADJUSTMENT"
)

// Fund is a pool of money scoped to an org unit. Balance is authoritative
// for payment execution.
type Fund struct {
	ID           int64
	Name         string
	Scope        shared.OrgScope
	Balance      decimal.Decimal
	ReorderLevel decimal.Decimal
	TargetLevel  decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BelowReorder reports whether the fund needs replenishment.
func (f Fund) BelowReorder() bool {
	return f.Balance.LessThan(f.ReorderLevel)
}

// ReplenishmentAmount is the top-up needed to reach the target level.
func (f Fund) ReplenishmentAmount() decimal.Decimal {
	if f.TargetLevel.LessThanOrEqual(f.Balance) {
		return decimal.Zero
	}
	return f.TargetLevel.Sub(f.Balance)
}

// LedgerEntry is an immutable balance-affecting record. Only the
// reconciliation fields may ever be set, exactly once.
type LedgerEntry struct {
	ID           int64
	FundID       int64
	PaymentID    int64
	Type         EntryType
	Amount       decimal.Decimal
	CreatedBy    int64
	CreatedAt    time.Time
	Reconciled   bool
	ReconciledBy int64
	ReconciledAt time.Time
}

// ReplenishmentStatus enumerates replenishment lifecycle values.
type ReplenishmentStatus string

const (
	ReplenishmentPending  ReplenishmentStatus = "PENDING"
	ReplenishmentApproved ReplenishmentStatus = "APPROVED"
	ReplenishmentSettled  ReplenishmentStatus = "SETTLED"
	ReplenishmentRejected ReplenishmentStatus = "REJECTED"
)

// ReplenishmentRequest asks the external funding workflow to top a fund up.
type ReplenishmentRequest struct {
	ID          int64
	FundID      int64
	Amount      decimal.Decimal
	Status      ReplenishmentStatus
	RequestedBy int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
