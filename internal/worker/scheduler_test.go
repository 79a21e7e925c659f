package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledger-core/internal/event"
	"ledger-core/internal/model"
	"ledger-core/internal/repository"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/money"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeEngine struct {
	mu      sync.Mutex
	settled []string
	voided  map[string]string
	payoffs []string
	errs    map[string]error
}

func (e *fakeEngine) Settle(_ context.Context, id string) (model.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settled = append(e.settled, id)
	if err := e.errs[id]; err != nil {
		return model.StateAuthorized, err
	}
	return model.StateSettled, nil
}

func (e *fakeEngine) Void(_ context.Context, id, reason string) (model.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.voided == nil {
		e.voided = make(map[string]string)
	}
	e.voided[id] = reason
	return model.StateVoided, e.errs[id]
}

func (e *fakeEngine) PayoffCredit(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payoffs = append(e.payoffs, id)
	return e.errs[id]
}

type schedFixture struct {
	t      *testing.T
	ctx    context.Context
	store  *repository.MemoryStore
	engine *fakeEngine
	events *event.Recorder
	sched  *Scheduler

	mu  sync.Mutex
	now time.Time
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	f := &schedFixture{
		t:      t,
		ctx:    context.Background(),
		engine: &fakeEngine{errs: make(map[string]error)},
		events: &event.Recorder{},
		now:    start,
	}
	f.store = repository.NewMemoryStore(f.clock)
	f.sched = NewScheduler(f.store, f.engine, Options{
		WorkerID:         "worker-a",
		LeaseExpiration:  10 * time.Minute,
		StaleAfter:       15 * time.Minute,
		PayoffRetryDelay: 24 * time.Hour,
		BatchSize:        2,
	}, WithSchedulerClock(f.clock), WithSchedulerEmitter(f.events), WithSchedulerLogger(zap.NewNop()))
	return f
}

func (f *schedFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *schedFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *schedFixture) txn(id string, state model.State, settleAfter time.Time, leases ...model.Lease) {
	f.t.Helper()
	require.NoError(f.t, f.store.CreateTransaction(f.ctx, &model.Transaction{
		ID:             id,
		Type:           model.TypeContract,
		Source:         "acct-a",
		Transfers:      []model.Transfer{{Source: "acct-a", Destination: "acct-b", Amount: money.MustParse("1")}},
		Amount:         money.MustParse("1"),
		ReferenceID:    "ref-" + id,
		State:          state,
		SysSettleAfter: settleAfter,
		Workers:        leases,
		Created:        f.clock(),
	}))
}

func (f *schedFixture) workers(id string) model.LeaseSet {
	f.t.Helper()
	txn, err := f.store.GetTransaction(f.ctx, id)
	require.NoError(f.t, err)
	return txn.Workers
}

func TestRunOnceSettlesDueTransactions(t *testing.T) {
	f := newSchedFixture(t)
	f.txn("t-due", model.StateAuthorized, start.Add(-time.Minute))
	f.txn("t-processing", model.StateProcessing, start.Add(-time.Hour))
	f.txn("t-future", model.StateAuthorized, start.Add(time.Hour))
	f.txn("t-settled", model.StateSettled, start.Add(-time.Hour))
	f.txn("t-held", model.StateAuthorized, start.Add(-time.Minute), model.Lease{ID: "worker-b", Start: start.Add(-time.Minute)})

	n, err := f.sched.RunOnce(f.ctx, AlgoSettle, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"t-due", "t-processing"}, f.engine.settled)

	assert.Empty(t, f.workers("t-due"), "lease released after processing")
	assert.Empty(t, f.workers("t-processing"))
	assert.Equal(t, model.LeaseSet{{ID: "worker-b", Start: start.Add(-time.Minute)}}, f.workers("t-held"))
}

func TestRunOnceReclaimsExpiredLeases(t *testing.T) {
	f := newSchedFixture(t)
	dead := model.Lease{ID: "worker-dead", Start: start.Add(-time.Hour)}
	f.txn("t-1", model.StateAuthorized, start.Add(-time.Hour), dead)
	f.txn("t-2", model.StateSettling, start.Add(-time.Hour), dead)

	n, err := f.sched.RunOnce(f.ctx, AlgoSettle, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"t-1", "t-2"}, f.engine.settled)
	assert.Empty(t, f.workers("t-1"))
	assert.Empty(t, f.workers("t-2"))
}

func TestReclaimExpiredReplacesOneLease(t *testing.T) {
	f := newSchedFixture(t)
	older := model.Lease{ID: "worker-dead-1", Start: start.Add(-2 * time.Hour)}
	newer := model.Lease{ID: "worker-dead-2", Start: start.Add(-time.Hour)}
	f.txn("t-1", model.StateAuthorized, start.Add(-time.Hour), older, newer)

	q := f.sched.queues[AlgoSettle]
	mine := model.Lease{ID: "worker-a", Start: start}
	id, err := q.ReclaimExpired(f.ctx, mine, start.Add(-10*time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)
	assert.Equal(t, model.LeaseSet{mine, newer}, f.workers("t-1"))

	// the survivor is expired too, but belongs to another pass
	id, err = q.ReclaimExpired(f.ctx, model.Lease{ID: "worker-c", Start: start}, start.Add(-10*time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)
	assert.Equal(t, model.LeaseSet{mine, {ID: "worker-c", Start: start}}, f.workers("t-1"))

	id, err = q.ReclaimExpired(f.ctx, model.Lease{ID: "worker-d", Start: start}, start.Add(-10*time.Minute), nil)
	require.NoError(t, err)
	assert.Empty(t, id, "no lease left to reclaim")
}

func TestReclaimExpiredLeavesLiveLeases(t *testing.T) {
	f := newSchedFixture(t)
	f.txn("t-1", model.StateAuthorized, start.Add(-time.Hour), model.Lease{ID: "worker-b", Start: start.Add(-5 * time.Minute)})

	n, err := f.sched.RunOnce(f.ctx, AlgoSettle, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.engine.settled)
}

func TestClaimRejectsSecondLease(t *testing.T) {
	f := newSchedFixture(t)
	f.txn("t-1", model.StateAuthorized, start.Add(-time.Minute))

	q := f.sched.queues[AlgoSettle]
	id, err := q.Claim(f.ctx, model.Lease{ID: "worker-a", Start: start}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)

	id, err = q.Claim(f.ctx, model.Lease{ID: "worker-b", Start: start}, "", nil)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, q.Release(f.ctx, "t-1", "worker-a"))
	require.NoError(t, q.Release(f.ctx, "t-1", "worker-a"), "releasing twice is harmless")
	require.NoError(t, q.Release(f.ctx, "missing", "worker-a"))
	assert.Empty(t, f.workers("t-1"))
}

func TestRunOnceUnknownAlgorithm(t *testing.T) {
	f := newSchedFixture(t)
	_, err := f.sched.RunOnce(f.ctx, "reconcile", "")
	assert.ErrorIs(t, err, errno.ErrUnknownAlgorithm)
	assert.False(t, f.sched.Known("reconcile"))
	assert.ElementsMatch(t, []string{AlgoSettle, AlgoVoid, AlgoCreditPayoff}, f.sched.Algorithms())
}

func TestRunOnceBatchContinuesPastErrors(t *testing.T) {
	f := newSchedFixture(t)
	f.txn("t-bad", model.StateAuthorized, start.Add(-time.Minute))
	f.txn("t-deferred", model.StateAuthorized, start.Add(-time.Minute))
	f.txn("t-good", model.StateAuthorized, start.Add(-time.Minute))
	f.engine.errs["t-bad"] = errno.Wrapf(errno.ErrGatewayUnavailable, "timeout")
	f.engine.errs["t-deferred"] = errno.ErrSettlementPending

	n, err := f.sched.RunOnce(f.ctx, AlgoSettle, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	evs := f.events.OfType(event.TypeProcessingError)
	require.Len(t, evs, 1)
	assert.Equal(t, "t-bad", evs[0].TransactionID)
	assert.Equal(t, AlgoSettle, evs[0].Algorithm)
	assert.Equal(t, errno.ErrGatewayUnavailable.Message, evs[0].Reason)
	assert.Empty(t, f.workers("t-bad"))
}

func TestRunOnceStopsOnStorageError(t *testing.T) {
	f := newSchedFixture(t)
	f.txn("t-1", model.StateAuthorized, start.Add(-time.Minute))
	f.txn("t-2", model.StateAuthorized, start.Add(-time.Minute))
	f.engine.errs["t-1"] = errno.Wrapf(errno.ErrDatabase, "connection reset")
	f.engine.errs["t-2"] = errno.Wrapf(errno.ErrDatabase, "connection reset")

	n, err := f.sched.RunOnce(f.ctx, AlgoSettle, "")
	assert.ErrorIs(t, err, errno.ErrDatabase)
	assert.Equal(t, 1, n)
	assert.Len(t, f.engine.settled, 1)
}

func TestRunOnceTarget(t *testing.T) {
	f := newSchedFixture(t)
	f.txn("t-1", model.StateAuthorized, start.Add(-time.Minute))
	f.txn("t-2", model.StateAuthorized, start.Add(-time.Minute))
	f.engine.errs["t-2"] = errno.Wrapf(errno.ErrGatewayDeclined, "card expired")

	n, err := f.sched.RunOnce(f.ctx, AlgoSettle, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"t-1"}, f.engine.settled)

	_, err = f.sched.RunOnce(f.ctx, AlgoSettle, "t-2")
	assert.ErrorIs(t, err, errno.ErrGatewayDeclined)
	assert.Empty(t, f.workers("t-2"))
	assert.Len(t, f.events.OfType(event.TypeProcessingError), 1)

	n, err = f.sched.RunOnce(f.ctx, AlgoSettle, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVoidSweepPicksStaleTransactions(t *testing.T) {
	f := newSchedFixture(t)
	f.txn("t-stale", model.StatePending, start)
	f.txn("t-voiding", model.StateVoiding, start)
	f.advance(20 * time.Minute)
	f.txn("t-fresh", model.StatePending, f.clock())
	f.txn("t-authorized", model.StateAuthorized, f.clock())

	n, err := f.sched.RunOnce(f.ctx, AlgoVoid, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]string{
		"t-stale":   "stale authorization",
		"t-voiding": "stale authorization",
	}, f.engine.voided)
}

func TestCreditPayoffSweep(t *testing.T) {
	f := newSchedFixture(t)
	due := start.Add(-time.Hour)
	later := start.Add(time.Hour)
	recent := start.Add(-time.Hour)
	old := start.Add(-48 * time.Hour)

	accounts := []*model.Account{
		{ID: "acct-due", CreditPaymentDue: &due},
		{ID: "acct-not-due", CreditPaymentDue: &later},
		{ID: "acct-none"},
		{ID: "acct-failed-recently", CreditPaymentDue: &due, Credit: model.AccountCredit{LastPayoffFailed: &recent}},
		{ID: "acct-failed-long-ago", CreditPaymentDue: &due, Credit: model.AccountCredit{LastPayoffFailed: &old}},
	}
	for _, a := range accounts {
		require.NoError(t, f.store.CreateAccount(f.ctx, a))
	}

	n, err := f.sched.RunOnce(f.ctx, AlgoCreditPayoff, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"acct-due", "acct-failed-long-ago"}, f.engine.payoffs)

	a, err := f.store.GetAccount(f.ctx, "acct-due")
	require.NoError(t, err)
	assert.Empty(t, a.Workers)
}

func TestRunOnceHonoursCancellation(t *testing.T) {
	f := newSchedFixture(t)
	f.txn("t-1", model.StateAuthorized, start.Add(-time.Minute))

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	n, err := f.sched.RunOnce(ctx, AlgoSettle, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.Empty(t, f.engine.settled)
}
