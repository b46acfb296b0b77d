// Package workflow resolves the ordered approval chain a requisition must
// walk before payment.
package workflow

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

var (
	// ErrNoApplicableTier indicates no threshold rule covers the request.
	ErrNoApplicableTier = errors.New("workflow: no applicable tier")
	// ErrNoFallbackAuthority indicates the escalation target is missing.
	// This is a configuration defect and must halt submission.
	ErrNoFallbackAuthority = errors.New("workflow: no fallback authority")
	// ErrSelfAssignment indicates the resolver produced a chain containing
	// the requester. Should be unreachable.
	ErrSelfAssignment = errors.New("workflow: requester assigned to own chain")
)

// Position is one approver slot in a resolved chain.
type Position struct {
	Role             roles.Role `json:"role"`
	AssignedUserID   int64      `json:"assigned_user_id"`
	AutoEscalated    bool       `json:"auto_escalated"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
}

// Chain is the ordered list of approver positions.
type Chain []Position

// Contains reports whether any position is assigned to userID.
func (c Chain) Contains(userID int64) bool {
	for _, p := range c {
		if p.AssignedUserID == userID {
			return true
		}
	}
	return false
}

// Request carries the requisition fields the resolver needs.
type Request struct {
	RequesterID   int64
	RequesterRole roles.Role
	Origin        shared.OriginType
	Scope         shared.OrgScope
	Amount        decimal.Decimal
	Urgent        bool
}

// Resolution is the resolver output stored on the requisition. TierName is a
// copy of the matched rule name so later catalog edits never re-route an
// already resolved requisition.
type Resolution struct {
	TierName     string
	Chain        Chain
	FastTracked  bool
	SkippedRoles []roles.Role
}

// Config tunes resolution. It is injected per call site so tests can supply
// arbitrary override tables.
type Config struct {
	// CustodianOverrides substitutes the role sequence when the requester is
	// a fund custodian, keyed by tier name.
	CustodianOverrides map[string][]roles.Role
	// CustodianDefault applies when no per-tier override exists.
	CustodianDefault []roles.Role
	// DisableFastTrack turns off urgent chain collapsing globally.
	DisableFastTrack bool
}

// DefaultConfig returns the production override table: a custodian's own
// request always routes through finance oversight and the executive line.
func DefaultConfig() Config {
	return Config{
		CustodianDefault: []roles.Role{roles.FinanceOfficer, roles.CFO},
	}
}
