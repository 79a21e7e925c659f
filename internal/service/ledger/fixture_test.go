package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledger-core/internal/event"
	"ledger-core/internal/gateway"
	"ledger-core/internal/model"
	"ledger-core/internal/repository"
	"ledger-core/internal/service/identity"
	"ledger-core/pkg/money"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var testConfig = Config{
	SystemAccountID:    "urn:ledger:authority",
	CreditPayoffDelay:  time.Hour,
	PaymentDuePeriod:   24 * time.Hour,
	TriggerDelay:       time.Minute,
	StatusCheckBackoff: 5 * time.Minute,
	MaxStatusChecks:    2,
	PayoffRetryDelay:   24 * time.Hour,
}

type recordingTrigger struct {
	mu      sync.Mutex
	settles map[string]time.Time
	voids   []string
	// onSettle runs after a settle trigger is recorded, standing in for a
	// worker that reacts at once.
	onSettle func(id string)
}

func (r *recordingTrigger) SettleAt(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	if r.settles == nil {
		r.settles = make(map[string]time.Time)
	}
	r.settles[id] = at
	hook := r.onSettle
	r.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return nil
}

func (r *recordingTrigger) VoidNeeded(_ context.Context, id string, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voids = append(r.voids, id)
	return nil
}

func (r *recordingTrigger) settleAt(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.settles[id]
	return at, ok
}

// hookedOwners lets a test act while an authorization is between insert and
// reservation.
type hookedOwners struct {
	Owners
	mu            sync.Mutex
	beforeResolve func(ctx context.Context)
}

func (h *hookedOwners) ResolveOwners(ctx context.Context, ids []string) (map[string]string, error) {
	h.mu.Lock()
	hook := h.beforeResolve
	h.beforeResolve = nil
	h.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return h.Owners.ResolveOwners(ctx, ids)
}

func (h *hookedOwners) once(fn func(ctx context.Context)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beforeResolve = fn
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *repository.MemoryStore
	sim     *gateway.Simulated
	events  *event.Recorder
	trigger *recordingTrigger
	owners  *hookedOwners
	svc     *Service

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		sim:     gateway.NewSimulated(gateway.SimulatedConfig{}),
		events:  &event.Recorder{},
		trigger: &recordingTrigger{},
		now:     start,
	}
	f.store = repository.NewMemoryStore(f.clock)

	reg := gateway.NewRegistry(gateway.DefaultBreakerConfig(), zap.NewNop())
	reg.Register(f.sim)
	f.owners = &hookedOwners{Owners: identity.NewDirectory(f.store, f.store, nil, 0)}

	f.svc = NewService(f.store, reg, f.owners, testConfig,
		WithClock(f.clock),
		WithEmitter(f.events),
		WithTrigger(f.trigger),
		WithLogger(zap.NewNop()),
	)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// account creates a settled account: Snapshot equals Balance.
func (f *fixture) account(id, balance string, opts ...func(a *model.Account)) {
	f.t.Helper()
	a := &model.Account{ID: id, Owner: "owner-" + id, Balance: money.MustParse(balance)}
	a.Credit.Snapshot = a.Balance
	for _, opt := range opts {
		opt(a)
	}
	require.NoError(f.t, f.store.CreateAccount(f.ctx, a))
}

func (f *fixture) identity(id, email string, verified bool) {
	f.t.Helper()
	require.NoError(f.t, f.store.CreateIdentity(f.ctx, &model.Identity{ID: id, Email: email, EmailVerified: verified}))
}

func (f *fixture) get(id string) *model.Account {
	f.t.Helper()
	a, err := f.store.GetAccount(f.ctx, id)
	require.NoError(f.t, err)
	return a
}

func (f *fixture) txn(id string) *model.Transaction {
	f.t.Helper()
	txn, err := f.store.GetTransaction(f.ctx, id)
	require.NoError(f.t, err)
	return txn
}

func (f *fixture) contract(source, dest, amount string) AuthorizeRequest {
	return AuthorizeRequest{
		Type:      model.TypeContract,
		Source:    source,
		Transfers: []model.Transfer{{Destination: dest, Amount: money.MustParse(amount)}},
	}
}

func (f *fixture) deposit(token, dest, amount string) AuthorizeRequest {
	return AuthorizeRequest{
		Type:      model.TypeDeposit,
		Source:    token,
		Transfers: []model.Transfer{{Destination: dest, Amount: money.MustParse(amount)}},
	}
}

func (f *fixture) withdrawal(source, token, amount string) AuthorizeRequest {
	return AuthorizeRequest{
		Type:      model.TypeWithdrawal,
		Source:    source,
		Transfers: []model.Transfer{{Destination: token, Amount: money.MustParse(amount), External: true}},
	}
}

func (f *fixture) authorize(req AuthorizeRequest) *model.Transaction {
	f.t.Helper()
	txn, err := f.svc.Authorize(f.ctx, req)
	require.NoError(f.t, err)
	require.Equal(f.t, model.StateAuthorized, txn.State)
	return txn
}

func (f *fixture) settle(id string) {
	f.t.Helper()
	state, err := f.svc.Settle(f.ctx, id)
	require.NoError(f.t, err)
	require.Equal(f.t, model.StateSettled, state)
}

func withCredit(limit, backed string) func(a *model.Account) {
	return func(a *model.Account) {
		a.CreditLimit = money.MustParse(limit)
		a.CreditBackedAmount = money.MustParse(backed)
	}
}

func withBackup(tokens ...string) func(a *model.Account) {
	return func(a *model.Account) { a.BackupSource = tokens }
}

func withDue(at time.Time) func(a *model.Account) {
	return func(a *model.Account) { a.CreditPaymentDue = &at }
}

func withStoredValue(a *model.Account) { a.SysAllowStoredValue = true }

func assertMoney(t *testing.T, want string, got money.Money, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, money.MustParse(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func (f *fixture) allTransactions() []*model.Transaction {
	f.t.Helper()
	all, err := f.store.FindTransactions(f.ctx, repository.TransactionFilter{})
	require.NoError(f.t, err)
	return all
}
