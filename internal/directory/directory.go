// Package directory resolves approval candidates from the user directory.
package directory

import (
	"context"
	"errors"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

// ErrNoFallbackAuthority indicates no top-level escalation target is
// configured. This is a fatal misconfiguration.
var ErrNoFallbackAuthority = errors.New("directory: no fallback authority configured")

// ErrUserNotFound indicates the requested directory entry does not exist.
var ErrUserNotFound = errors.New("directory: user not found")

// User is a directory entry eligible for chain assignment.
type User struct {
	ID     int64
	Name   string
	Email  string
	Role   roles.Role
	Scope  shared.OrgScope
	Active bool
}

// Query scopes a candidate lookup. Zero-value scope fields are ignored.
type Query struct {
	Role          roles.Role
	Origin        shared.OriginType
	Scope         shared.OrgScope
	ExcludeUserID int64
}

// Service finds candidate approvers. Implementations must return candidates
// ordered by ascending user id so chain assignment stays deterministic.
type Service interface {
	FindCandidates(ctx context.Context, q Query) ([]User, error)
	FindFallbackAuthority(ctx context.Context) (User, error)
}
