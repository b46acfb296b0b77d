package workflow

import (
	"context"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/directory"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/threshold"
)

type staticCatalog struct {
	rules []threshold.Rule
}

func (c staticCatalog) ActiveRulesFor(ctx context.Context, origin shared.OriginType) ([]threshold.Rule, error) {
	return c.rules, nil
}

type fakeDirectory struct {
	users    []directory.User
	fallback *directory.User
}

func (d fakeDirectory) FindCandidates(ctx context.Context, q directory.Query) ([]directory.User, error) {
	var out []directory.User
	for _, u := range d.users {
		if !u.Active || u.Role != q.Role || u.ID == q.ExcludeUserID {
			continue
		}
		if !q.Role.Centralized() && q.Origin == shared.OriginBranch && u.Scope.BranchID != q.Scope.BranchID {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d fakeDirectory) FindFallbackAuthority(ctx context.Context) (directory.User, error) {
	if d.fallback == nil {
		return directory.User{}, directory.ErrNoFallbackAuthority
	}
	return *d.fallback, nil
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRules() []threshold.Rule {
	return []threshold.Rule{
		{
			ID: 1, Name: "branch-petty", Origin: shared.OriginBranch,
			MinAmount: amt("0.01"), MaxAmount: amt("10000.00"),
			RoleSequence:         []roles.Role{roles.Requester, roles.BranchManager, roles.FinanceOfficer},
			AllowUrgentFastTrack: true, Priority: 10, Active: true,
		},
		{
			ID: 2, Name: "executive", Origin: shared.OriginAny,
			MinAmount: amt("10000.01"), MaxAmount: amt("10000000.00"),
			RoleSequence: []roles.Role{roles.FinanceOfficer, roles.CFO, roles.ManagingDirector},
			RequiresCFO:  true, AllowUrgentFastTrack: false, Priority: 20, Active: true,
		},
	}
}

func branchScope() shared.OrgScope {
	return shared.OrgScope{CompanyID: 1, RegionID: 1, BranchID: 7}
}

func testUsers() []directory.User {
	scope := branchScope()
	return []directory.User{
		{ID: 10, Name: "requester", Role: roles.BranchManager, Scope: scope, Active: true},
		{ID: 11, Name: "other bm", Role: roles.BranchManager, Scope: scope, Active: true},
		{ID: 20, Name: "finance", Role: roles.FinanceOfficer, Scope: scope, Active: true},
		{ID: 30, Name: "cfo", Role: roles.CFO, Active: true},
		{ID: 40, Name: "md", Role: roles.ManagingDirector, Active: true},
		{ID: 50, Name: "treasury", Role: roles.TreasuryOfficer, Active: true},
	}
}

func newTestResolver(users []directory.User, fallback *directory.User) *Resolver {
	return NewResolver(staticCatalog{rules: testRules()}, fakeDirectory{users: users, fallback: fallback}, DefaultConfig())
}

func TestResolveNeverAssignsRequester(t *testing.T) {
	md := directory.User{ID: 40, Role: roles.ManagingDirector, Active: true}
	resolver := newTestResolver(testUsers(), &md)

	// Requester holds the branch manager role themselves.
	res, err := resolver.Resolve(context.Background(), Request{
		RequesterID:   10,
		RequesterRole: roles.BranchManager,
		Origin:        shared.OriginBranch,
		Scope:         branchScope(),
		Amount:        amt("9999.99"),
	})
	require.NoError(t, err)
	require.False(t, res.Chain.Contains(10))
	require.Equal(t, "branch-petty", res.TierName)
	// Another branch manager exists, so position 0 routes to them.
	require.Equal(t, int64(11), res.Chain[0].AssignedUserID)
}

func TestResolveEscalatesPastEmptyRole(t *testing.T) {
	// Requester is the only branch manager in scope.
	users := testUsers()
	users = append(users[:1], users[2:]...)
	md := directory.User{ID: 40, Role: roles.ManagingDirector, Active: true}
	resolver := newTestResolver(users, &md)

	res, err := resolver.Resolve(context.Background(), Request{
		RequesterID:   10,
		RequesterRole: roles.BranchManager,
		Origin:        shared.OriginBranch,
		Scope:         branchScope(),
		Amount:        amt("500.00"),
	})
	require.NoError(t, err)
	require.Len(t, res.Chain, 1)
	require.Equal(t, int64(20), res.Chain[0].AssignedUserID)
	require.True(t, res.Chain[0].AutoEscalated)
	require.Contains(t, res.Chain[0].EscalationReason, "BRANCH_MANAGER")
	require.Equal(t, []roles.Role{roles.BranchManager}, res.SkippedRoles)
}

func TestResolveFallbackAuthorityWhenEveryRoleFails(t *testing.T) {
	md := directory.User{ID: 40, Role: roles.ManagingDirector, Active: true}
	resolver := newTestResolver([]directory.User{}, &md)

	res, err := resolver.Resolve(context.Background(), Request{
		RequesterID:   10,
		RequesterRole: roles.BranchManager,
		Origin:        shared.OriginBranch,
		Scope:         branchScope(),
		Amount:        amt("500.00"),
	})
	require.NoError(t, err)
	require.Len(t, res.Chain, 1)
	require.Equal(t, int64(40), res.Chain[0].AssignedUserID)
	require.True(t, res.Chain[0].AutoEscalated)
}

func TestResolveNoFallbackAuthorityIsFatal(t *testing.T) {
	resolver := newTestResolver([]directory.User{}, nil)

	_, err := resolver.Resolve(context.Background(), Request{
		RequesterID:   10,
		RequesterRole: roles.BranchManager,
		Origin:        shared.OriginBranch,
		Scope:         branchScope(),
		Amount:        amt("500.00"),
	})
	require.ErrorIs(t, err, ErrNoFallbackAuthority)
}

func TestResolveNoApplicableTier(t *testing.T) {
	resolver := NewResolver(staticCatalog{}, fakeDirectory{}, DefaultConfig())

	_, err := resolver.Resolve(context.Background(), Request{
		RequesterID:   10,
		RequesterRole: roles.BranchManager,
		Origin:        shared.OriginBranch,
		Scope:         branchScope(),
		Amount:        amt("5.00"),
	})
	require.ErrorIs(t, err, ErrNoApplicableTier)
}

func TestResolveUrgentFastTrackCollapsesChain(t *testing.T) {
	md := directory.User{ID: 40, Role: roles.ManagingDirector, Active: true}
	resolver := newTestResolver(testUsers(), &md)

	res, err := resolver.Resolve(context.Background(), Request{
		RequesterID:   99,
		RequesterRole: roles.Requester,
		Origin:        shared.OriginBranch,
		Scope:         branchScope(),
		Amount:        amt("2000.00"),
		Urgent:        true,
	})
	require.NoError(t, err)
	require.True(t, res.FastTracked)
	require.Len(t, res.Chain, 1)
	require.Equal(t, roles.FinanceOfficer, res.Chain[0].Role)
}

func TestResolveUrgentNeverCollapsesTopTier(t *testing.T) {
	// Executive tier disallows fast-track; urgency must not shorten it.
	md := directory.User{ID: 40, Role: roles.ManagingDirector, Active: true}
	resolver := newTestResolver(testUsers(), &md)

	res, err := resolver.Resolve(context.Background(), Request{
		RequesterID:   99,
		RequesterRole: roles.Requester,
		Origin:        shared.OriginHQ,
		Scope:         shared.OrgScope{CompanyID: 1},
		Amount:        amt("500000.00"),
		Urgent:        true,
	})
	require.NoError(t, err)
	require.False(t, res.FastTracked)
	require.Len(t, res.Chain, 3)
	require.Equal(t, roles.ManagingDirector, res.Chain[2].Role)
}

func TestResolveCustodianSubstitution(t *testing.T) {
	// A treasury officer requesting funds must not route through the normal
	// branch sequence; the override sends it to finance oversight.
	md := directory.User{ID: 40, Role: roles.ManagingDirector, Active: true}
	resolver := newTestResolver(testUsers(), &md)

	res, err := resolver.Resolve(context.Background(), Request{
		RequesterID:   50,
		RequesterRole: roles.TreasuryOfficer,
		Origin:        shared.OriginBranch,
		Scope:         branchScope(),
		Amount:        amt("800.00"),
	})
	require.NoError(t, err)
	require.False(t, res.Chain.Contains(50))
	require.Equal(t, roles.FinanceOfficer, res.Chain[0].Role)
	require.Equal(t, roles.CFO, res.Chain[1].Role)
}

func TestResolveRequiresCFOAppendsCFO(t *testing.T) {
	rules := []threshold.Rule{{
		ID: 1, Name: "audit-tier", Origin: shared.OriginAny,
		MinAmount: amt("0.01"), MaxAmount: amt("1000.00"),
		RoleSequence: []roles.Role{roles.FinanceOfficer},
		RequiresCFO:  true, Priority: 1, Active: true,
	}}
	md := directory.User{ID: 40, Role: roles.ManagingDirector, Active: true}
	resolver := NewResolver(staticCatalog{rules: rules}, fakeDirectory{users: testUsers(), fallback: &md}, DefaultConfig())

	res, err := resolver.Resolve(context.Background(), Request{
		RequesterID:   99,
		RequesterRole: roles.Requester,
		Origin:        shared.OriginBranch,
		Scope:         branchScope(),
		Amount:        amt("100.00"),
	})
	require.NoError(t, err)
	require.Equal(t, roles.CFO, res.Chain[len(res.Chain)-1].Role)
}

func TestResolveDeterministicLowestID(t *testing.T) {
	users := testUsers()
	users = append(users, directory.User{ID: 9, Name: "earlier bm", Role: roles.BranchManager, Scope: branchScope(), Active: true})
	md := directory.User{ID: 40, Role: roles.ManagingDirector, Active: true}
	resolver := newTestResolver(users, &md)

	for i := 0; i < 5; i++ {
		res, err := resolver.Resolve(context.Background(), Request{
			RequesterID:   99,
			RequesterRole: roles.Requester,
			Origin:        shared.OriginBranch,
			Scope:         branchScope(),
			Amount:        amt("100.00"),
		})
		require.NoError(t, err)
		require.Equal(t, int64(9), res.Chain[0].AssignedUserID)
	}
}
