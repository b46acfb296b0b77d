package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/directory"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/threshold"
)

// Resolver produces approval chains. It is a pure function over a snapshot
// of the catalog and directory; it holds no mutable state and takes no locks.
type Resolver struct {
	catalog   threshold.Catalog
	directory directory.Service
	cfg       Config
}

// NewResolver constructs a Resolver.
func NewResolver(catalog threshold.Catalog, dir directory.Service, cfg Config) *Resolver {
	return &Resolver{catalog: catalog, directory: dir, cfg: cfg}
}

// Resolve maps a request onto its approval chain.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	rules, err := r.catalog.ActiveRulesFor(ctx, req.Origin)
	if err != nil {
		return Resolution{}, fmt.Errorf("workflow: load rules: %w", err)
	}
	rule, err := threshold.Match(rules, req.Origin, req.Amount)
	if err != nil {
		if errors.Is(err, threshold.ErrNoApplicableTier) {
			return Resolution{}, ErrNoApplicableTier
		}
		return Resolution{}, err
	}

	sequence := r.sequenceFor(req, rule)

	res := Resolution{TierName: rule.Name}
	var pendingSkips []roles.Role
	for _, role := range sequence {
		if !role.CanApprove() {
			continue
		}
		candidate, ok, err := r.pickCandidate(ctx, req, role)
		if err != nil {
			return Resolution{}, err
		}
		if !ok {
			pendingSkips = append(pendingSkips, role)
			res.SkippedRoles = append(res.SkippedRoles, role)
			continue
		}
		pos := Position{Role: role, AssignedUserID: candidate.ID}
		if len(pendingSkips) > 0 {
			pos.AutoEscalated = true
			pos.EscalationReason = escalationReason(pendingSkips)
			pendingSkips = nil
		}
		res.Chain = append(res.Chain, pos)
	}

	// Roles that failed at the tail, or an entirely unfillable sequence,
	// land on the fallback authority.
	if len(pendingSkips) > 0 {
		fallback, err := r.directory.FindFallbackAuthority(ctx)
		if err != nil {
			if errors.Is(err, directory.ErrNoFallbackAuthority) {
				return Resolution{}, ErrNoFallbackAuthority
			}
			return Resolution{}, err
		}
		if fallback.ID != req.RequesterID && !res.Chain.Contains(fallback.ID) {
			res.Chain = append(res.Chain, Position{
				Role:             fallback.Role,
				AssignedUserID:   fallback.ID,
				AutoEscalated:    true,
				EscalationReason: escalationReason(pendingSkips),
			})
		}
	}
	if len(res.Chain) == 0 {
		return Resolution{}, ErrNoFallbackAuthority
	}

	if r.fastTrackApplies(req, rule) {
		last := res.Chain[len(res.Chain)-1]
		if last.AssignedUserID != 0 {
			res.Chain = Chain{last}
			res.FastTracked = true
		}
	}

	if res.Chain.Contains(req.RequesterID) {
		return Resolution{}, ErrSelfAssignment
	}
	return res, nil
}

// sequenceFor applies the custodian override: a fund custodian must never be
// both requester and sole member of the normal approval line.
func (r *Resolver) sequenceFor(req Request, rule threshold.Rule) []roles.Role {
	sequence := rule.RoleSequence
	if req.RequesterRole.FundCustodian() {
		if override, ok := r.cfg.CustodianOverrides[rule.Name]; ok {
			sequence = override
		} else if len(r.cfg.CustodianDefault) > 0 {
			sequence = r.cfg.CustodianDefault
		}
	}
	if rule.RequiresCFO && !slices.Contains(sequence, roles.CFO) {
		sequence = append(slices.Clone(sequence), roles.CFO)
	}
	return sequence
}

func (r *Resolver) pickCandidate(ctx context.Context, req Request, role roles.Role) (directory.User, bool, error) {
	candidates, err := r.directory.FindCandidates(ctx, directory.Query{
		Role:          role,
		Origin:        req.Origin,
		Scope:         req.Scope,
		ExcludeUserID: req.RequesterID,
	})
	if err != nil {
		return directory.User{}, false, fmt.Errorf("workflow: find candidates for %s: %w", role, err)
	}
	// Candidates arrive ordered by id; the lowest id wins so resolution is
	// reproducible.
	for _, c := range candidates {
		if c.ID == req.RequesterID || !c.Active {
			continue
		}
		return c, true, nil
	}
	return directory.User{}, false, nil
}

// fastTrackApplies gates urgent chain collapsing. Tiers carrying the CFO
// requirement are the maximum severity band and are never collapsed.
func (r *Resolver) fastTrackApplies(req Request, rule threshold.Rule) bool {
	if r.cfg.DisableFastTrack {
		return false
	}
	return req.Urgent && rule.AllowUrgentFastTrack && !rule.RequiresCFO
}

func escalationReason(skipped []roles.Role) string {
	names := make([]string, 0, len(skipped))
	for _, role := range skipped {
		names = append(names, string(role))
	}
	return fmt.Sprintf("no eligible candidate for %s", strings.Join(names, ", "))
}
