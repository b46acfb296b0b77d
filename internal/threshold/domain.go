// Package threshold holds the approval-tier catalog: which role sequence a
// requisition must pass through for a given origin and amount.
package threshold

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

var (
	// ErrNoApplicableTier indicates no active rule covers the amount.
	ErrNoApplicableTier = errors.New("threshold: no applicable tier")
	// ErrNotFound indicates rule missing.
	ErrNotFound = errors.New("threshold: rule not found")
	// ErrValidation indicates invalid rule input.
	ErrValidation = errors.New("threshold: invalid rule")
)

// Rule is a single approval tier. Amount bounds are inclusive on both ends.
type Rule struct {
	ID                   int64
	Name                 string
	Origin               shared.OriginType
	MinAmount            decimal.Decimal
	MaxAmount            decimal.Decimal
	RoleSequence         []roles.Role
	AllowUrgentFastTrack bool
	RequiresCFO          bool
	Priority             int
	Active               bool
}

// Validate checks rule consistency.
func (r Rule) Validate() error {
	if r.Name == "" {
		return ErrValidation
	}
	if r.MinAmount.IsNegative() || r.MaxAmount.LessThan(r.MinAmount) {
		return ErrValidation
	}
	if len(r.RoleSequence) == 0 {
		return ErrValidation
	}
	for _, role := range r.RoleSequence {
		if !role.Valid() {
			return ErrValidation
		}
	}
	switch r.Origin {
	case shared.OriginBranch, shared.OriginHQ, shared.OriginField, shared.OriginAny:
	default:
		return ErrValidation
	}
	return nil
}

// Covers reports whether the rule applies to the origin and amount.
func (r Rule) Covers(origin shared.OriginType, amount decimal.Decimal) bool {
	if !r.Active {
		return false
	}
	if r.Origin != shared.OriginAny && r.Origin != origin {
		return false
	}
	return amount.GreaterThanOrEqual(r.MinAmount) && amount.LessThanOrEqual(r.MaxAmount)
}

// Width returns the amount span of the rule, used for tie-breaking.
func (r Rule) Width() decimal.Decimal {
	return r.MaxAmount.Sub(r.MinAmount)
}
