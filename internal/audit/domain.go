// Package audit records the immutable trail of every requisition and
// payment transition. Events are append-only; the recorder exposes no
// update or delete operation.
package audit

import (
	"time"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
)

// Action enumerates auditable actions.
type Action string

const (
	ActionSubmitted        Action = "SUBMITTED"
	ActionApproved         Action = "APPROVED"
	ActionRejected         Action = "REJECTED"
	ActionUrgencyConfirmed Action = "URGENCY_CONFIRMED"
	ActionEscalated        Action = "ESCALATED"
	ActionOTPIssued        Action = "OTP_ISSUED"
	ActionOTPVerified      Action = "OTP_VERIFIED"
	ActionPaymentExecuted  Action = "PAYMENT_EXECUTED"
	ActionPaymentFailed    Action = "PAYMENT_FAILED"
	ActionVarianceRecorded Action = "VARIANCE_RECORDED"
	ActionVarianceApproved Action = "VARIANCE_APPROVED"
	ActionLedgerReconciled Action = "LEDGER_RECONCILED"
	ActionLedgerAdjusted   Action = "LEDGER_ADJUSTED"
	ActionAuthzDenied      Action = "AUTHZ_DENIED"
)

// Event is one immutable audit record. The full detail of authorization
// failures lives here; callers only ever see generic messages.
type Event struct {
	ID               int64
	RequisitionID    int64
	PaymentID        int64
	ActorID          int64
	RoleAtTime       roles.Role
	Action           Action
	Comment          string
	AutoEscalated    bool
	EscalationReason string
	SkippedRoles     []string
	Meta             map[string]any
	At               time.Time
}

// TimelineFilters narrows timeline queries.
type TimelineFilters struct {
	RequisitionID int64
	PaymentID     int64
	ActorID       int64
	Action        Action
	From          time.Time
	To            time.Time
	Page          int
	PageSize      int
}
