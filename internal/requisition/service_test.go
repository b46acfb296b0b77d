package requisition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/audit"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/payment"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/workflow"
)

type fakeStore struct {
	mu     sync.Mutex
	items  map[int64]Requisition
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[int64]Requisition), nextID: 10}
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[int64]Requisition, len(s.items))
	for k, v := range s.items {
		snap[k] = v
	}
	if err := fn(ctx, &fakeTx{s: s}); err != nil {
		s.items = snap
		return err
	}
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id int64) (Requisition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.items[id]
	if !ok {
		return Requisition{}, ErrNotFound
	}
	return req, nil
}

func (s *fakeStore) List(ctx context.Context, filters ListFilters, limit, offset int) ([]Requisition, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Requisition
	for _, req := range s.items {
		if filters.Status != "" && req.Status != filters.Status {
			continue
		}
		if filters.RequesterID != 0 && req.RequesterID != filters.RequesterID {
			continue
		}
		out = append(out, req)
	}
	return out, len(out), nil
}

type fakeTx struct {
	s *fakeStore
}

func (t *fakeTx) Create(ctx context.Context, req Requisition) (int64, error) {
	t.s.nextID++
	req.ID = t.s.nextID
	t.s.items[req.ID] = req
	return req.ID, nil
}

func (t *fakeTx) GetForUpdate(ctx context.Context, id int64) (Requisition, error) {
	req, ok := t.s.items[id]
	if !ok {
		return Requisition{}, ErrNotFound
	}
	return req, nil
}

func (t *fakeTx) SetResolution(ctx context.Context, id int64, tier string, chain workflow.Chain, status Status) error {
	req := t.s.items[id]
	req.AppliedTier = tier
	req.Chain = chain
	req.CurrentPosition = 0
	req.Status = status
	t.s.items[id] = req
	return nil
}

func (t *fakeTx) Advance(ctx context.Context, id int64, position int, status Status) error {
	req := t.s.items[id]
	req.CurrentPosition = position
	req.Status = status
	t.s.items[id] = req
	return nil
}

func (t *fakeTx) SetRejected(ctx context.Context, id int64, chain workflow.Chain) error {
	req := t.s.items[id]
	req.Chain = chain
	req.Status = StatusRejected
	t.s.items[id] = req
	return nil
}

type stubResolver struct {
	resolution workflow.Resolution
	err        error
	requests   []workflow.Request
}

func (r *stubResolver) Resolve(ctx context.Context, req workflow.Request) (workflow.Resolution, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return workflow.Resolution{}, r.err
	}
	return r.resolution, nil
}

type capturePayments struct {
	orders []payment.Order
	err    error
}

func (p *capturePayments) Schedule(ctx context.Context, order payment.Order) (payment.Payment, error) {
	if p.err != nil {
		return payment.Payment{}, p.err
	}
	p.orders = append(p.orders, order)
	return payment.Payment{ID: 900, RequisitionID: order.RequisitionID, Status: payment.StatusPending}, nil
}

type captureNotifier struct {
	mu        sync.Mutex
	assigned  []workflow.Position
	decisions []audit.Action
}

func (n *captureNotifier) NotifyAssigned(ctx context.Context, req Requisition, pos workflow.Position) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigned = append(n.assigned, pos)
	return nil
}

func (n *captureNotifier) NotifyDecision(ctx context.Context, req Requisition, action audit.Action) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decisions = append(n.decisions, action)
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureSink) Record(ctx context.Context, e audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) actions() []audit.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.Action, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Action)
	}
	return out
}

type countMetrics struct {
	submitted, approved, rejected, escalated int
}

func (m *countMetrics) RequisitionSubmitted(origin string) { m.submitted++ }
func (m *countMetrics) RequisitionApproved()               { m.approved++ }
func (m *countMetrics) RequisitionRejected()               { m.rejected++ }
func (m *countMetrics) ChainEscalated()                    { m.escalated++ }

type fixture struct {
	store    *fakeStore
	resolver *stubResolver
	payments *capturePayments
	notifier *captureNotifier
	sink     *captureSink
	metrics  *countMetrics
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeStore(),
		resolver: &stubResolver{},
		payments: &capturePayments{},
		notifier: &captureNotifier{},
		sink:     &captureSink{},
		metrics:  &countMetrics{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.store, f.resolver, f.payments, f.sink, f.notifier, f.metrics, logger)
	return f
}

func requester() shared.Actor {
	return shared.Actor{ID: 1, Role: roles.Requester, Name: "Requester"}
}

func approver(id int64, role roles.Role) shared.Actor {
	return shared.Actor{ID: id, Role: role, Name: "Approver"}
}

func twoStepChain() workflow.Chain {
	return workflow.Chain{
		{Role: roles.BranchManager, AssignedUserID: 2},
		{Role: roles.FinanceOfficer, AssignedUserID: 3},
	}
}

func (f *fixture) seedDraft(t *testing.T, urgent bool) int64 {
	t.Helper()
	in := CreateInput{
		RequesterID:   1,
		RequesterRole: roles.Requester,
		Origin:        shared.OriginBranch,
		Scope:         shared.OrgScope{CompanyID: 1, BranchID: 4},
		FundID:        7,
		Amount:        decimal.RequireFromString("300"),
		Purpose:       "fuel for generator",
		Urgent:        urgent,
		Method:        "CASH",
		Destination:   "front desk",
	}
	if urgent {
		in.UrgencyJustification = "outage in progress"
	}
	req, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	return req.ID
}

func (f *fixture) seedPending(t *testing.T, chain workflow.Chain) int64 {
	t.Helper()
	id := f.seedDraft(t, false)
	f.resolver.resolution = workflow.Resolution{TierName: "minor", Chain: chain}
	_, err := f.svc.Submit(context.Background(), id, requester())
	require.NoError(t, err)
	return id
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateInput{RequesterID: 1})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Create(context.Background(), CreateInput{
		RequesterID:   1,
		RequesterRole: roles.Requester,
		Origin:        shared.OriginBranch,
		FundID:        7,
		Amount:        decimal.RequireFromString("50"),
		Purpose:       "stationery",
		Urgent:        true, // justification missing
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitResolvesChain(t *testing.T) {
	f := newFixture(t)
	id := f.seedDraft(t, false)
	f.resolver.resolution = workflow.Resolution{TierName: "minor", Chain: twoStepChain()}

	req, err := f.svc.Submit(context.Background(), id, requester())
	require.NoError(t, err)
	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, "minor", req.AppliedTier)
	require.Len(t, req.Chain, 2)
	require.Equal(t, 0, req.CurrentPosition)

	require.Equal(t, []audit.Action{audit.ActionSubmitted}, f.sink.actions())
	require.Equal(t, 1, f.metrics.submitted)
	require.Len(t, f.notifier.assigned, 1)
	require.Equal(t, int64(2), f.notifier.assigned[0].AssignedUserID)
}

func TestSubmitAuditsAutoEscalation(t *testing.T) {
	f := newFixture(t)
	id := f.seedDraft(t, false)
	f.resolver.resolution = workflow.Resolution{
		TierName: "minor",
		Chain: workflow.Chain{
			{Role: roles.RegionalManager, AssignedUserID: 5, AutoEscalated: true, EscalationReason: "no active BRANCH_MANAGER in scope"},
		},
		SkippedRoles: []roles.Role{roles.BranchManager},
	}

	_, err := f.svc.Submit(context.Background(), id, requester())
	require.NoError(t, err)

	require.Equal(t, []audit.Action{audit.ActionSubmitted, audit.ActionEscalated}, f.sink.actions())
	require.Equal(t, []string{"BRANCH_MANAGER"}, f.sink.events[0].SkippedRoles)
	require.True(t, f.sink.events[1].AutoEscalated)
	require.Equal(t, 1, f.metrics.escalated)
}

func TestSubmitOnlyByRequester(t *testing.T) {
	f := newFixture(t)
	id := f.seedDraft(t, false)

	_, err := f.svc.Submit(context.Background(), id, approver(2, roles.BranchManager))
	require.ErrorIs(t, err, ErrNotCurrentApprover)
}

func TestSubmitRequiresDraft(t *testing.T) {
	f := newFixture(t)
	id := f.seedPending(t, twoStepChain())

	_, err := f.svc.Submit(context.Background(), id, requester())
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSubmitResolverFailureHaltsSubmission(t *testing.T) {
	f := newFixture(t)
	id := f.seedDraft(t, false)
	f.resolver.err = workflow.ErrNoFallbackAuthority

	_, err := f.svc.Submit(context.Background(), id, requester())
	require.ErrorIs(t, err, workflow.ErrNoFallbackAuthority)

	req, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, req.Status)
}

func TestApproveAdvancesChain(t *testing.T) {
	f := newFixture(t)
	id := f.seedPending(t, twoStepChain())

	req, err := f.svc.Approve(context.Background(), id, approver(2, roles.BranchManager), "ok")
	require.NoError(t, err)
	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, 1, req.CurrentPosition)

	require.Empty(t, f.payments.orders)
	// Assignment notifications: first approver on submit, second on advance.
	require.Len(t, f.notifier.assigned, 2)
	require.Equal(t, int64(3), f.notifier.assigned[1].AssignedUserID)
}

func TestFinalApprovalSchedulesPayment(t *testing.T) {
	f := newFixture(t)
	id := f.seedPending(t, twoStepChain())

	_, err := f.svc.Approve(context.Background(), id, approver(2, roles.BranchManager), "ok")
	require.NoError(t, err)
	req, err := f.svc.Approve(context.Background(), id, approver(3, roles.FinanceOfficer), "ok")
	require.NoError(t, err)
	require.Equal(t, StatusReviewed, req.Status)
	require.True(t, req.FullyApproved())

	require.Len(t, f.payments.orders, 1)
	order := f.payments.orders[0]
	require.Equal(t, id, order.RequisitionID)
	require.Equal(t, int64(1), order.RequesterID)
	require.Equal(t, int64(7), order.FundID)
	require.True(t, order.Amount.Equal(decimal.RequireFromString("300")))

	require.Equal(t, 1, f.metrics.approved)
	require.Equal(t, []audit.Action{audit.ActionApproved}, f.notifier.decisions)
}

func TestScheduleFailureSurfacesAfterReview(t *testing.T) {
	f := newFixture(t)
	id := f.seedPending(t, workflow.Chain{{Role: roles.BranchManager, AssignedUserID: 2}})
	f.payments.err = errors.New("queue unavailable")

	req, err := f.svc.Approve(context.Background(), id, approver(2, roles.BranchManager), "ok")
	require.Error(t, err)
	// The review already committed; only the scheduling is reported failed.
	require.Equal(t, StatusReviewed, req.Status)
}

func TestSelfApprovalRejected(t *testing.T) {
	f := newFixture(t)
	id := f.seedPending(t, workflow.Chain{{Role: roles.BranchManager, AssignedUserID: 1}})

	_, err := f.svc.Approve(context.Background(), id, requester(), "approving myself")
	require.ErrorIs(t, err, ErrSelfApproval)

	actions := f.sink.actions()
	require.Equal(t, audit.ActionAuthzDenied, actions[len(actions)-1])

	req, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 0, req.CurrentPosition)
}

func TestWrongApproverRejected(t *testing.T) {
	f := newFixture(t)
	id := f.seedPending(t, twoStepChain())

	_, err := f.svc.Approve(context.Background(), id, approver(3, roles.FinanceOfficer), "out of turn")
	require.ErrorIs(t, err, ErrNotCurrentApprover)

	actions := f.sink.actions()
	require.Equal(t, audit.ActionAuthzDenied, actions[len(actions)-1])
}

func TestConcurrentApprovalsAdvanceOnce(t *testing.T) {
	f := newFixture(t)
	id := f.seedPending(t, twoStepChain())
	manager := approver(2, roles.BranchManager)

	results := make([]error, 2)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			_, results[i] = f.svc.Approve(context.Background(), id, manager, "ok")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var advanced, outOfTurn int
	for _, err := range results {
		switch {
		case err == nil:
			advanced++
		case errors.Is(err, ErrNotCurrentApprover):
			outOfTurn++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, advanced)
	require.Equal(t, 1, outOfTurn)

	req, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, 1, req.CurrentPosition)
}

func TestRejectTruncatesChain(t *testing.T) {
	f := newFixture(t)
	chain := workflow.Chain{
		{Role: roles.BranchManager, AssignedUserID: 2},
		{Role: roles.FinanceOfficer, AssignedUserID: 3},
		{Role: roles.CFO, AssignedUserID: 4},
	}
	id := f.seedPending(t, chain)

	_, err := f.svc.Approve(context.Background(), id, approver(2, roles.BranchManager), "ok")
	require.NoError(t, err)

	req, err := f.svc.Reject(context.Background(), id, approver(3, roles.FinanceOfficer), "no budget line")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, req.Status)
	require.Len(t, req.Chain, 2)

	require.Equal(t, 1, f.metrics.rejected)
	require.Equal(t, []audit.Action{audit.ActionRejected}, f.notifier.decisions)

	// Rejected is terminal.
	_, err = f.svc.Approve(context.Background(), id, approver(3, roles.FinanceOfficer), "")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestUrgentFlowRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	id := f.seedDraft(t, true)
	f.resolver.resolution = workflow.Resolution{
		TierName:    "minor",
		Chain:       workflow.Chain{{Role: roles.BranchManager, AssignedUserID: 2}},
		FastTracked: true,
	}

	req, err := f.svc.Submit(context.Background(), id, requester())
	require.NoError(t, err)
	require.Equal(t, StatusPendingUrgency, req.Status)

	// A plain approval does not bypass urgency confirmation.
	_, err = f.svc.Approve(context.Background(), id, approver(2, roles.BranchManager), "")
	require.ErrorIs(t, err, ErrInvalidState)

	req, err = f.svc.ConfirmUrgency(context.Background(), id, approver(2, roles.BranchManager), "confirmed outage")
	require.NoError(t, err)
	require.Equal(t, StatusReviewed, req.Status)

	actions := f.sink.actions()
	require.Contains(t, actions, audit.ActionUrgencyConfirmed)
	require.Len(t, f.payments.orders, 1)
}
