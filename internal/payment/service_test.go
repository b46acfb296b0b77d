package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/audit"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/treasury"
)

type fakeStore struct {
	mu        sync.Mutex
	payments  map[int64]Payment
	funds     map[int64]treasury.Fund
	ledger    []treasury.LedgerEntry
	execs     []ExecutionRecord
	variances map[int64]Variance
	replens   []treasury.ReplenishmentRequest
	nextID    int64
	ledgerErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments:  make(map[int64]Payment),
		funds:     make(map[int64]treasury.Fund),
		variances: make(map[int64]Variance),
		nextID:    100,
	}
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

type snapshot struct {
	payments  map[int64]Payment
	funds     map[int64]treasury.Fund
	ledger    []treasury.LedgerEntry
	execs     []ExecutionRecord
	variances map[int64]Variance
	replens   []treasury.ReplenishmentRequest
	nextID    int64
}

func (s *fakeStore) snapshot() snapshot {
	snap := snapshot{
		payments:  make(map[int64]Payment, len(s.payments)),
		funds:     make(map[int64]treasury.Fund, len(s.funds)),
		variances: make(map[int64]Variance, len(s.variances)),
		ledger:    append([]treasury.LedgerEntry(nil), s.ledger...),
		execs:     append([]ExecutionRecord(nil), s.execs...),
		replens:   append([]treasury.ReplenishmentRequest(nil), s.replens...),
		nextID:    s.nextID,
	}
	for k, v := range s.payments {
		snap.payments[k] = v
	}
	for k, v := range s.funds {
		snap.funds[k] = v
	}
	for k, v := range s.variances {
		snap.variances[k] = v
	}
	return snap
}

func (s *fakeStore) restore(snap snapshot) {
	s.payments = snap.payments
	s.funds = snap.funds
	s.variances = snap.variances
	s.ledger = snap.ledger
	s.execs = snap.execs
	s.replens = snap.replens
	s.nextID = snap.nextID
}

// WithTx holds the store lock for the whole callback and rolls back by
// restoring a snapshot, mirroring transactional semantics closely enough
// for service-level tests.
func (s *fakeStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(ctx, &fakeTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id int64) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) GetByRequisition(ctx context.Context, requisitionID int64) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.RequisitionID == requisitionID {
			return p, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (s *fakeStore) List(ctx context.Context, status Status, limit, offset int) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Payment
	for _, p := range s.payments {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) GetVariance(ctx context.Context, id int64) (Variance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variances[id]
	if !ok {
		return Variance{}, ErrVarianceNotFound
	}
	return v, nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id int64, retryCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = StatusFailed
	p.RetryCount = retryCount
	p.LastError = lastError
	s.payments[id] = p
	return nil
}

func (s *fakeStore) GetFund(ctx context.Context, id int64) (treasury.Fund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.funds[id]
	if !ok {
		return treasury.Fund{}, treasury.ErrFundNotFound
	}
	return f, nil
}

type fakeTx struct {
	s *fakeStore
}

func (t *fakeTx) Create(ctx context.Context, order Order) (int64, error) {
	for _, p := range t.s.payments {
		if p.RequisitionID == order.RequisitionID {
			return 0, ErrDuplicateOrder
		}
	}
	id := t.s.id()
	t.s.payments[id] = Payment{
		ID:            id,
		RequisitionID: order.RequisitionID,
		RequesterID:   order.RequesterID,
		FundID:        order.FundID,
		Amount:        order.Amount,
		Method:        order.Method,
		Destination:   order.Destination,
		Status:        StatusPending,
		MaxRetries:    3,
	}
	return id, nil
}

func (t *fakeTx) GetForUpdate(ctx context.Context, id int64) (Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (t *fakeTx) SetOTP(ctx context.Context, id int64, hash string, issuedAt time.Time) error {
	p := t.s.payments[id]
	p.OTP = OTPState{Hash: hash, IssuedAt: issuedAt}
	p.Status = StatusAwaiting2FA
	t.s.payments[id] = p
	return nil
}

func (t *fakeTx) MarkVerified(ctx context.Context, id int64, at time.Time) error {
	p := t.s.payments[id]
	if p.OTP.Verified() {
		return ErrOTPAlreadyUsed
	}
	p.OTP.VerifiedAt = at
	t.s.payments[id] = p
	return nil
}

func (t *fakeTx) SetStatus(ctx context.Context, id int64, status Status) error {
	p := t.s.payments[id]
	p.Status = status
	t.s.payments[id] = p
	return nil
}

func (t *fakeTx) MarkSucceeded(ctx context.Context, id int64, executorID int64, at time.Time) error {
	p := t.s.payments[id]
	p.Status = StatusSucceeded
	p.ExecutorID = executorID
	p.LastError = ""
	t.s.payments[id] = p
	return nil
}

func (t *fakeTx) InsertExecutionRecord(ctx context.Context, rec ExecutionRecord) (int64, error) {
	rec.ID = t.s.id()
	t.s.execs = append(t.s.execs, rec)
	return rec.ID, nil
}

func (t *fakeTx) CreateVariance(ctx context.Context, v Variance) (int64, error) {
	v.ID = t.s.id()
	t.s.variances[v.ID] = v
	return v.ID, nil
}

func (t *fakeTx) GetVarianceForUpdate(ctx context.Context, id int64) (Variance, error) {
	v, ok := t.s.variances[id]
	if !ok {
		return Variance{}, ErrVarianceNotFound
	}
	return v, nil
}

func (t *fakeTx) SetVarianceStatus(ctx context.Context, id int64, status VarianceStatus, approvedBy int64) error {
	v := t.s.variances[id]
	v.Status = status
	v.ApprovedBy = approvedBy
	t.s.variances[id] = v
	return nil
}

func (t *fakeTx) GetFundForUpdate(ctx context.Context, id int64) (treasury.Fund, error) {
	f, ok := t.s.funds[id]
	if !ok {
		return treasury.Fund{}, treasury.ErrFundNotFound
	}
	return f, nil
}

func (t *fakeTx) UpdateFundBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	f := t.s.funds[id]
	f.Balance = balance
	t.s.funds[id] = f
	return nil
}

func (t *fakeTx) InsertLedgerEntry(ctx context.Context, entry treasury.LedgerEntry) (int64, error) {
	if t.s.ledgerErr != nil {
		return 0, t.s.ledgerErr
	}
	entry.ID = t.s.id()
	t.s.ledger = append(t.s.ledger, entry)
	return entry.ID, nil
}

func (t *fakeTx) MarkReconciled(ctx context.Context, entryID, actorID int64, at time.Time) error {
	for i := range t.s.ledger {
		if t.s.ledger[i].ID == entryID {
			if t.s.ledger[i].Reconciled {
				return treasury.ErrAlreadyReconciled
			}
			t.s.ledger[i].Reconciled = true
			t.s.ledger[i].ReconciledBy = actorID
			t.s.ledger[i].ReconciledAt = at
			return nil
		}
	}
	return treasury.ErrEntryNotFound
}

func (t *fakeTx) CreateReplenishment(ctx context.Context, req treasury.ReplenishmentRequest) (int64, error) {
	for _, r := range t.s.replens {
		if r.FundID == req.FundID {
			return 0, treasury.ErrReplenishmentPending
		}
	}
	req.ID = t.s.id()
	t.s.replens = append(t.s.replens, req)
	return req.ID, nil
}

type captureTransport struct {
	mu    sync.Mutex
	dest  string
	codes []string
}

func (c *captureTransport) Send(ctx context.Context, destination, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dest = destination
	c.codes = append(c.codes, code)
	return nil
}

func (c *captureTransport) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.codes) == 0 {
		return ""
	}
	return c.codes[len(c.codes)-1]
}

type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureSink) Record(ctx context.Context, event audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSink) actions() []audit.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Action
	for _, e := range c.events {
		out = append(out, e.Action)
	}
	return out
}

type captureReplenisher struct {
	mu    sync.Mutex
	calls []int64
}

func (c *captureReplenisher) EnsureReplenishment(ctx context.Context, fundID, actorID int64) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fundID)
	return 1, true, nil
}

type captureMetrics struct {
	mu       sync.Mutex
	executed int
	otp      int
	failures []string
}

func (m *captureMetrics) PaymentExecuted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed++
}

func (m *captureMetrics) PaymentFailed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, reason)
}

func (m *captureMetrics) OTPIssued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.otp++
}

func (m *captureMetrics) failureReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.failures...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store     *fakeStore
	svc       *Service
	transport *captureTransport
	sink      *captureSink
	replen    *captureReplenisher
	metrics   *captureMetrics
	clock     *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	transport := &captureTransport{}
	sink := &captureSink{}
	replen := &captureReplenisher{}
	metrics := &captureMetrics{}
	clock := &fakeClock{t: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
	svc := NewService(store, store, replen, transport, sink, metrics, discardLogger(), Config{
		OTPLength:   6,
		OTPValidity: 5 * time.Minute,
		MaxRetries:  3,
		BcryptCost:  bcrypt.MinCost,
	})
	svc.now = clock.Now
	return &fixture{store: store, svc: svc, transport: transport, sink: sink, replen: replen, metrics: metrics, clock: clock}
}

func (f *fixture) seedFund(id int64, balance, reorder string) {
	f.store.funds[id] = treasury.Fund{
		ID:           id,
		Name:         "branch fund",
		Balance:      decimal.RequireFromString(balance),
		ReorderLevel: decimal.RequireFromString(reorder),
		TargetLevel:  decimal.RequireFromString(balance),
	}
}

func (f *fixture) seedPayment(p Payment) Payment {
	if p.ID == 0 {
		p.ID = f.store.id()
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	f.store.payments[p.ID] = p
	return p
}

func (f *fixture) verifiedPayment(t *testing.T, requesterID, fundID int64, amount string) Payment {
	t.Helper()
	p := f.seedPayment(Payment{
		RequisitionID: f.store.id(),
		RequesterID:   requesterID,
		FundID:        fundID,
		Amount:        decimal.RequireFromString(amount),
		Method:        "CASH",
		Destination:   "treasury@example.com",
		Status:        StatusPending,
	})
	officer := shared.Actor{ID: 900, Role: roles.TreasuryOfficer}
	require.NoError(t, f.svc.RequestOTP(context.Background(), p.ID, officer))
	require.NoError(t, f.svc.VerifyOTP(context.Background(), p.ID, f.transport.last(), officer))
	got, err := f.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	return got
}

func TestScheduleIdempotent(t *testing.T) {
	f := newFixture(t)
	order := Order{
		RequisitionID: 11,
		RequesterID:   5,
		FundID:        1,
		Amount:        decimal.RequireFromString("250.00"),
		Method:        "TRANSFER",
		Destination:   "acct-77",
	}
	first, err := f.svc.Schedule(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, StatusPending, first.Status)

	second, err := f.svc.Schedule(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestRequestOTPRejectsRequester(t *testing.T) {
	f := newFixture(t)
	p := f.seedPayment(Payment{RequesterID: 5, FundID: 1, Amount: decimal.New(100, 0), Status: StatusPending})
	err := f.svc.RequestOTP(context.Background(), p.ID, shared.Actor{ID: 5, Role: roles.TreasuryOfficer})
	require.ErrorIs(t, err, ErrSelfExecution)
	require.Contains(t, f.sink.actions(), audit.ActionAuthzDenied)
}

func TestVerifyOTPSingleUse(t *testing.T) {
	f := newFixture(t)
	p := f.seedPayment(Payment{RequesterID: 5, FundID: 1, Amount: decimal.New(100, 0), Status: StatusPending})
	officer := shared.Actor{ID: 9, Role: roles.TreasuryOfficer}
	require.NoError(t, f.svc.RequestOTP(context.Background(), p.ID, officer))
	code := f.transport.last()

	require.NoError(t, f.svc.VerifyOTP(context.Background(), p.ID, code, officer))
	err := f.svc.VerifyOTP(context.Background(), p.ID, code, officer)
	require.ErrorIs(t, err, ErrOTPAlreadyUsed)
}

func TestVerifyOTPMismatch(t *testing.T) {
	f := newFixture(t)
	p := f.seedPayment(Payment{RequesterID: 5, FundID: 1, Amount: decimal.New(100, 0), Status: StatusPending})
	officer := shared.Actor{ID: 9, Role: roles.TreasuryOfficer}
	require.NoError(t, f.svc.RequestOTP(context.Background(), p.ID, officer))

	err := f.svc.VerifyOTP(context.Background(), p.ID, "000000", officer)
	require.ErrorIs(t, err, ErrOTPMismatch)
}

func TestVerifyOTPWindowBoundary(t *testing.T) {
	f := newFixture(t)
	officer := shared.Actor{ID: 9, Role: roles.TreasuryOfficer}

	p := f.seedPayment(Payment{RequesterID: 5, FundID: 1, Amount: decimal.New(100, 0), Status: StatusPending})
	require.NoError(t, f.svc.RequestOTP(context.Background(), p.ID, officer))

	// Still valid at exactly issue time plus the window.
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.svc.VerifyOTP(context.Background(), p.ID, f.transport.last(), officer))

	q := f.seedPayment(Payment{RequesterID: 5, FundID: 1, Amount: decimal.New(100, 0), Status: StatusPending})
	require.NoError(t, f.svc.RequestOTP(context.Background(), q.ID, officer))
	f.clock.Advance(5*time.Minute + time.Second)
	err := f.svc.VerifyOTP(context.Background(), q.ID, f.transport.last(), officer)
	require.ErrorIs(t, err, ErrOTPExpired)
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "1000.00", "200.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")

	executor := shared.Actor{ID: 900, Role: roles.TreasuryOfficer, IP: "10.0.0.4", UserAgent: "cli"}
	got, err := f.svc.Execute(context.Background(), p.ID, executor, Evidence{IP: executor.IP, UserAgent: executor.UserAgent})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.Equal(t, executor.ID, got.ExecutorID)

	fund, err := f.store.GetFund(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, fund.Balance.Equal(decimal.RequireFromString("700.00")))

	require.Len(t, f.store.ledger, 1)
	require.Equal(t, treasury.EntryDebit, f.store.ledger[0].Type)
	require.Len(t, f.store.execs, 1)
	require.Equal(t, "10.0.0.4", f.store.execs[0].IP)
	require.NotEmpty(t, f.store.execs[0].Reference)
	require.Contains(t, f.sink.actions(), audit.ActionPaymentExecuted)
}

func TestExecuteRejectsRequesterAsExecutor(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "1000.00", "200.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")

	_, err := f.svc.Execute(context.Background(), p.ID, shared.Actor{ID: 5, Role: roles.TreasuryOfficer}, Evidence{})
	require.ErrorIs(t, err, ErrSelfExecution)

	// Guard failures leave no trace beyond the audit record.
	fund, _ := f.store.GetFund(context.Background(), 1)
	require.True(t, fund.Balance.Equal(decimal.RequireFromString("1000.00")))
	require.Empty(t, f.store.ledger)
}

func TestExecuteRequiresVerifiedOTP(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "1000.00", "200.00")
	officer := shared.Actor{ID: 900, Role: roles.TreasuryOfficer}

	p := f.seedPayment(Payment{RequesterID: 5, FundID: 1, Amount: decimal.New(100, 0), Status: StatusPending})
	_, err := f.svc.Execute(context.Background(), p.ID, officer, Evidence{})
	require.ErrorIs(t, err, ErrOTPNotIssued)

	require.NoError(t, f.svc.RequestOTP(context.Background(), p.ID, officer))
	_, err = f.svc.Execute(context.Background(), p.ID, officer, Evidence{})
	require.ErrorIs(t, err, ErrOTPNotVerified)
}

func TestExecuteExpiredWindowRecheck(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "1000.00", "200.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")

	// Verified in time, but execution arrives after the window closed.
	f.clock.Advance(10 * time.Minute)
	_, err := f.svc.Execute(context.Background(), p.ID, shared.Actor{ID: 900, Role: roles.TreasuryOfficer}, Evidence{})
	require.ErrorIs(t, err, ErrOTPExpired)

	fund, _ := f.store.GetFund(context.Background(), 1)
	require.True(t, fund.Balance.Equal(decimal.RequireFromString("1000.00")))
}

func TestExecuteInsufficientBalanceRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "100.00", "50.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")

	_, err := f.svc.Execute(context.Background(), p.ID, shared.Actor{ID: 900, Role: roles.TreasuryOfficer}, Evidence{})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	fund, _ := f.store.GetFund(context.Background(), 1)
	require.True(t, fund.Balance.Equal(decimal.RequireFromString("100.00")))
	require.Empty(t, f.store.ledger)
}

func TestExecuteFailureBookkeeping(t *testing.T) {
	f := newFixture(t)
	// No advisory pre-check so the shortage is discovered under the lock.
	f.svc.funds = nil
	f.seedFund(1, "100.00", "50.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")

	_, err := f.svc.Execute(context.Background(), p.ID, shared.Actor{ID: 900, Role: roles.TreasuryOfficer}, Evidence{})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	got, err := f.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Contains(t, got.LastError, "insufficient")
	require.Contains(t, f.sink.actions(), audit.ActionPaymentFailed)
}

func TestExecuteOnFailedPaymentConsumesNoRetry(t *testing.T) {
	f := newFixture(t)
	f.svc.funds = nil
	f.seedFund(1, "100.00", "50.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")
	executor := shared.Actor{ID: 900, Role: roles.TreasuryOfficer}

	_, err := f.svc.Execute(context.Background(), p.ID, executor, Evidence{})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// Fund topped up, but the payment sits in FAILED until a fresh code
	// reissues. Repeating the call is a stale-state rejection, not another
	// substantive failure.
	f.store.mu.Lock()
	fund := f.store.funds[1]
	fund.Balance = decimal.RequireFromString("1000.00")
	f.store.funds[1] = fund
	f.store.mu.Unlock()

	_, err = f.svc.Execute(context.Background(), p.ID, executor, Evidence{})
	require.ErrorIs(t, err, ErrInvalidState)

	got, err := f.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
	require.Contains(t, got.LastError, "insufficient")

	// A reissued and verified code makes the retry succeed.
	require.NoError(t, f.svc.RequestOTP(context.Background(), p.ID, executor))
	require.NoError(t, f.svc.VerifyOTP(context.Background(), p.ID, f.transport.last(), executor))
	done, err := f.svc.Execute(context.Background(), p.ID, executor, Evidence{})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, done.Status)
}

func TestFailureMetricUsesFixedReasons(t *testing.T) {
	f := newFixture(t)
	f.svc.funds = nil
	f.seedFund(1, "100.00", "50.00")
	executor := shared.Actor{ID: 900, Role: roles.TreasuryOfficer}

	p := f.verifiedPayment(t, 5, 1, "300.00")
	_, err := f.svc.Execute(context.Background(), p.ID, executor, Evidence{})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// Errors bubbling out of the storage layer carry arbitrary text; the
	// metric label must not.
	q := f.verifiedPayment(t, 6, 1, "50.00")
	f.store.mu.Lock()
	f.store.ledgerErr = errors.New("ledger_entries: connection reset by peer")
	f.store.mu.Unlock()
	_, err = f.svc.Execute(context.Background(), q.ID, executor, Evidence{})
	require.Error(t, err)

	require.Equal(t, []string{"insufficient_balance", "internal"}, f.metrics.failureReasons())
}

func TestExecuteRetryLimit(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "1000.00", "200.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")

	f.store.mu.Lock()
	stored := f.store.payments[p.ID]
	stored.RetryCount = stored.MaxRetries
	f.store.payments[p.ID] = stored
	f.store.mu.Unlock()

	_, err := f.svc.Execute(context.Background(), p.ID, shared.Actor{ID: 900, Role: roles.TreasuryOfficer}, Evidence{})
	require.ErrorIs(t, err, ErrRetryLimitExceeded)
}

func TestExecuteTriggersReplenishment(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "500.00", "300.00")
	p := f.verifiedPayment(t, 5, 1, "400.00")

	_, err := f.svc.Execute(context.Background(), p.ID, shared.Actor{ID: 900, Role: roles.TreasuryOfficer}, Evidence{})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, f.replen.calls)
}

func TestExecuteConcurrentSharedFund(t *testing.T) {
	f := newFixture(t)
	// Skip the advisory read so both contenders reach the locked section.
	f.svc.funds = nil
	f.seedFund(1, "1000.00", "100.00")
	a := f.verifiedPayment(t, 5, 1, "600.00")
	b := f.verifiedPayment(t, 6, 1, "600.00")

	executor := shared.Actor{ID: 900, Role: roles.TreasuryOfficer}
	results := make([]error, 2)
	var g errgroup.Group
	g.Go(func() error {
		_, results[0] = f.svc.Execute(context.Background(), a.ID, executor, Evidence{})
		return nil
	})
	g.Go(func() error {
		_, results[1] = f.svc.Execute(context.Background(), b.ID, executor, Evidence{})
		return nil
	})
	require.NoError(t, g.Wait())

	var succeeded, shortfall int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
			shortfall++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, shortfall)

	fund, _ := f.store.GetFund(context.Background(), 1)
	require.True(t, fund.Balance.Equal(decimal.RequireFromString("400.00")))
	require.Len(t, f.store.ledger, 1)
}

func TestConfirmSettlementExactAmountReconciles(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "1000.00", "200.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")
	executor := shared.Actor{ID: 900, Role: roles.TreasuryOfficer}
	_, err := f.svc.Execute(context.Background(), p.ID, executor, Evidence{})
	require.NoError(t, err)

	v, err := f.svc.ConfirmSettlement(context.Background(), p.ID, decimal.RequireFromString("300.00"), "", executor)
	require.NoError(t, err)
	require.Zero(t, v.ID)

	got, _ := f.store.Get(context.Background(), p.ID)
	require.Equal(t, StatusReconciled, got.Status)
}

func TestConfirmSettlementOpensVariance(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "1000.00", "200.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")
	executor := shared.Actor{ID: 900, Role: roles.TreasuryOfficer}
	_, err := f.svc.Execute(context.Background(), p.ID, executor, Evidence{})
	require.NoError(t, err)

	v, err := f.svc.ConfirmSettlement(context.Background(), p.ID, decimal.RequireFromString("320.00"), "vendor surcharge", executor)
	require.NoError(t, err)
	require.Equal(t, VariancePending, v.Status)
	require.True(t, v.Delta.Equal(decimal.RequireFromString("20.00")))

	// Payment stays SUCCEEDED until the variance is approved.
	got, _ := f.store.Get(context.Background(), p.ID)
	require.Equal(t, StatusSucceeded, got.Status)
}

func TestApproveVarianceAuthorityAndSeparation(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "1000.00", "200.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")
	executor := shared.Actor{ID: 900, Role: roles.TreasuryOfficer}
	_, err := f.svc.Execute(context.Background(), p.ID, executor, Evidence{})
	require.NoError(t, err)
	v, err := f.svc.ConfirmSettlement(context.Background(), p.ID, decimal.RequireFromString("320.00"), "vendor surcharge", executor)
	require.NoError(t, err)

	err = f.svc.ApproveVariance(context.Background(), v.ID, shared.Actor{ID: 50, Role: roles.FinanceOfficer})
	require.ErrorIs(t, err, ErrVarianceAuthority)

	err = f.svc.ApproveVariance(context.Background(), v.ID, shared.Actor{ID: 900, Role: roles.CFO})
	require.ErrorIs(t, err, ErrVarianceSelfApproval)

	err = f.svc.ApproveVariance(context.Background(), v.ID, shared.Actor{ID: 70, Role: roles.CFO})
	require.NoError(t, err)

	fund, _ := f.store.GetFund(context.Background(), 1)
	require.True(t, fund.Balance.Equal(decimal.RequireFromString("680.00")))

	got, _ := f.store.Get(context.Background(), p.ID)
	require.Equal(t, StatusReconciled, got.Status)

	adjustments := 0
	for _, e := range f.store.ledger {
		if e.Type == treasury.EntryAdjustment {
			adjustments++
		}
	}
	require.Equal(t, 1, adjustments)
}

func TestApproveVarianceIdempotence(t *testing.T) {
	f := newFixture(t)
	f.seedFund(1, "1000.00", "200.00")
	p := f.verifiedPayment(t, 5, 1, "300.00")
	executor := shared.Actor{ID: 900, Role: roles.TreasuryOfficer}
	_, err := f.svc.Execute(context.Background(), p.ID, executor, Evidence{})
	require.NoError(t, err)
	v, err := f.svc.ConfirmSettlement(context.Background(), p.ID, decimal.RequireFromString("290.00"), "returned change", executor)
	require.NoError(t, err)

	cfo := shared.Actor{ID: 70, Role: roles.CFO}
	require.NoError(t, f.svc.ApproveVariance(context.Background(), v.ID, cfo))
	err = f.svc.ApproveVariance(context.Background(), v.ID, cfo)
	require.ErrorIs(t, err, ErrInvalidState)

	// A negative delta credits the fund back.
	fund, _ := f.store.GetFund(context.Background(), 1)
	require.True(t, fund.Balance.Equal(decimal.RequireFromString("710.00")))
}
