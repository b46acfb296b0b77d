// Package payment executes approved requisitions against treasury funds:
// OTP-gated, fund-locked, atomic money movement with retry bookkeeping.
package payment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates payment lifecycle states. Transitions are monotonic; a
// succeeded payment can only move forward to reconciled.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusAwaiting2FA Status = "AWAITING_2FA"
	StatusExecuting   Status = "EXECUTING"
	StatusSucceeded   Status = "SUCCEEDED"
	StatusFailed      Status = "FAILED"
	StatusReconciled  Status = "RECONCILED"
)

var (
	// ErrNotFound indicates payment missing.
	ErrNotFound = errors.New("payment: not found")
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("payment: invalid state transition")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("payment: invalid input")
	// ErrSelfExecution indicates the requester tried to execute their own
	// payment. Hard segregation-of-duties invariant.
	ErrSelfExecution = errors.New("payment: not authorized to execute this payment")
	// ErrOTPNotIssued indicates no code has been requested.
	ErrOTPNotIssued = errors.New("payment: otp not issued")
	// ErrOTPNotVerified indicates execution was attempted before 2FA.
	ErrOTPNotVerified = errors.New("payment: otp not verified")
	// ErrOTPExpired indicates the 5 minute validity window has passed.
	ErrOTPExpired = errors.New("payment: otp expired")
	// ErrOTPAlreadyUsed indicates the single-use code was already verified.
	ErrOTPAlreadyUsed = errors.New("payment: otp already used")
	// ErrOTPMismatch indicates the provided code does not match.
	ErrOTPMismatch = errors.New("payment: otp mismatch")
	// ErrInsufficientBalance indicates the fund cannot cover the amount.
	ErrInsufficientBalance = errors.New("payment: insufficient fund balance")
	// ErrRetryLimitExceeded indicates the payment is terminally failed and
	// needs manual escalation.
	ErrRetryLimitExceeded = errors.New("payment: retry limit exceeded")
	// ErrConcurrentModification indicates a lost race on a row lock.
	ErrConcurrentModification = errors.New("payment: concurrent modification, retry")
)

// OTPState tracks the one-time code lifecycle. Only the salted hash is ever
// stored, never the plaintext code.
type OTPState struct {
	Hash       string
	IssuedAt   time.Time
	VerifiedAt time.Time
}

// Issued reports whether a code has been requested.
func (o OTPState) Issued() bool {
	return o.Hash != "" && !o.IssuedAt.IsZero()
}

// Verified reports whether the code has been used.
func (o OTPState) Verified() bool {
	return !o.VerifiedAt.IsZero()
}

// Expired reports whether the validity window has passed. The boundary is
// inclusive: a code is still valid at exactly IssuedAt+validity and expires
// strictly after.
func (o OTPState) Expired(now time.Time, validity time.Duration) bool {
	if !o.Issued() {
		return true
	}
	return now.After(o.IssuedAt.Add(validity))
}

// Payment is the 1:1 execution record of a reviewed requisition. The
// requester id is denormalised here so the segregation-of-duties guard
// needs no join.
type Payment struct {
	ID            int64
	RequisitionID int64
	RequesterID   int64
	FundID        int64
	Amount        decimal.Decimal
	Method        string
	Destination   string
	Status        Status
	ExecutorID    int64
	OTP           OTPState
	RetryCount    int
	MaxRetries    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether no further execution attempt is allowed.
func (p Payment) Terminal() bool {
	switch p.Status {
	case StatusSucceeded, StatusReconciled:
		return true
	case StatusFailed:
		return p.RetryCount >= p.MaxRetries
	}
	return false
}

// Order is the scheduling input produced when a requisition reaches
// reviewed.
type Order struct {
	RequisitionID int64
	RequesterID   int64
	FundID        int64
	Amount        decimal.Decimal
	Method        string
	Destination   string
}

// Validate checks order invariants.
func (o Order) Validate() error {
	if o.RequisitionID == 0 || o.RequesterID == 0 || o.FundID == 0 {
		return ErrValidation
	}
	if !o.Amount.IsPositive() {
		return ErrValidation
	}
	return nil
}

// Evidence captures execution request metadata for the immutable execution
// record.
type Evidence struct {
	IP        string
	UserAgent string
	Note      string
}

// ExecutionRecord is the immutable proof of a completed execution.
// Reference is the externally quotable id printed on receipts and bank
// narration lines.
type ExecutionRecord struct {
	ID            int64
	PaymentID     int64
	Reference     string
	ExecutorID    int64
	ExecutedAt    time.Time
	IP            string
	UserAgent     string
	Note          string
	OTPVerifiedAt time.Time
}

// VarianceStatus enumerates variance lifecycle values.
type VarianceStatus string

const (
	VariancePending  VarianceStatus = "PENDING"
	VarianceApproved VarianceStatus = "APPROVED"
	VarianceRejected VarianceStatus = "REJECTED"
)

var (
	// ErrVarianceNotFound indicates variance missing.
	ErrVarianceNotFound = errors.New("payment: variance not found")
	// ErrVarianceSelfApproval indicates the recorder or original executor
	// tried to approve the variance.
	ErrVarianceSelfApproval = errors.New("payment: not authorized to approve this variance")
	// ErrVarianceAuthority indicates the approver lacks the required
	// authority for variance settlement.
	ErrVarianceAuthority = errors.New("payment: variance approval requires executive authority")
)

// Variance records a difference between the requested and settled amount.
// The delta is only applied to the ledger after a single high-authority
// approval.
type Variance struct {
	ID             int64
	PaymentID      int64
	OriginalAmount decimal.Decimal
	ActualAmount   decimal.Decimal
	Delta          decimal.Decimal
	Reason         string
	Status         VarianceStatus
	RecordedBy     int64
	ApprovedBy     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
