// Package requisition owns the request lifecycle from draft through the
// approval chain to reviewed or rejected.
package requisition

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/workflow"
)

// Status enumerates requisition lifecycle states.
type Status string

const (
	StatusDraft          Status = "DRAFT"
	StatusPending        Status = "PENDING"
	StatusPendingUrgency Status = "PENDING_URGENCY"
	StatusReviewed       Status = "REVIEWED"
	StatusRejected       Status = "REJECTED"
)

var (
	// ErrNotFound indicates requisition missing.
	ErrNotFound = errors.New("requisition: not found")
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("requisition: invalid state transition")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("requisition: invalid input")
	// ErrNotCurrentApprover is returned for any actor who is not the pending
	// approver. Deliberately generic: callers never learn who is.
	ErrNotCurrentApprover = errors.New("requisition: not authorized to act on this item")
	// ErrSelfApproval indicates the requester tried to approve their own
	// request. The resolver never assigns the requester; transitions
	// re-assert it anyway.
	ErrSelfApproval = errors.New("requisition: cannot approve own request")
	// ErrConcurrentModification indicates a lost race on the row lock.
	ErrConcurrentModification = errors.New("requisition: concurrent modification, retry")
)

// Requisition is a monetary request routed through an approval chain.
type Requisition struct {
	ID                   int64
	RequesterID          int64
	RequesterRole        roles.Role
	Origin               shared.OriginType
	Scope                shared.OrgScope
	FundID               int64
	Amount               decimal.Decimal
	Purpose              string
	Urgent               bool
	UrgencyJustification string
	Method               string
	Destination          string
	AppliedTier          string
	Chain                workflow.Chain
	CurrentPosition      int
	Status               Status
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CurrentApprover returns the pending chain position, or false when the
// chain is fully walked or not yet resolved.
func (r Requisition) CurrentApprover() (workflow.Position, bool) {
	if r.CurrentPosition < 0 || r.CurrentPosition >= len(r.Chain) {
		return workflow.Position{}, false
	}
	return r.Chain[r.CurrentPosition], true
}

// FullyApproved reports whether the position index is past the end.
func (r Requisition) FullyApproved() bool {
	return len(r.Chain) > 0 && r.CurrentPosition >= len(r.Chain)
}

// CreateInput captures draft creation.
type CreateInput struct {
	RequesterID          int64
	RequesterRole        roles.Role
	Origin               shared.OriginType
	Scope                shared.OrgScope
	FundID               int64
	Amount               decimal.Decimal
	Purpose              string
	Urgent               bool
	UrgencyJustification string
	Method               string
	Destination          string
}

// Validate checks draft invariants.
func (in CreateInput) Validate() error {
	if in.RequesterID == 0 {
		return ErrValidation
	}
	if !in.RequesterRole.Valid() {
		return ErrValidation
	}
	if !shared.PositiveAmount(in.Amount) {
		return ErrValidation
	}
	if strings.TrimSpace(in.Purpose) == "" {
		return ErrValidation
	}
	if in.FundID == 0 {
		return ErrValidation
	}
	if in.Urgent && strings.TrimSpace(in.UrgencyJustification) == "" {
		return ErrValidation
	}
	switch in.Origin {
	case shared.OriginBranch, shared.OriginHQ, shared.OriginField:
	default:
		return ErrValidation
	}
	return nil
}

// ListFilters narrows requisition listings.
type ListFilters struct {
	Status      Status
	RequesterID int64
	ApproverID  int64
	Origin      shared.OriginType
}
