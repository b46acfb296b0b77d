package threshold

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

// Catalog exposes active rules for resolution.
type Catalog interface {
	ActiveRulesFor(ctx context.Context, origin shared.OriginType) ([]Rule, error)
}

// Match selects the single applicable rule for (origin, amount): lowest
// priority number wins, ties broken by narrowest amount range, then by
// lowest rule id so selection stays deterministic.
func Match(rules []Rule, origin shared.OriginType, amount decimal.Decimal) (Rule, error) {
	matches := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Covers(origin, amount) {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return Rule{}, ErrNoApplicableTier
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority < matches[j].Priority
		}
		if cmp := matches[i].Width().Cmp(matches[j].Width()); cmp != 0 {
			return cmp < 0
		}
		return matches[i].ID < matches[j].ID
	})
	return matches[0], nil
}
