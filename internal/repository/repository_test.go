package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-core/internal/model"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/money"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func TestRetryOnConflictRetriesUntilWritten(t *testing.T) {
	attempts := 0
	got, err := RetryOnConflict(context.Background(),
		func(context.Context) (int, error) { return attempts, nil },
		func(cur int) (int, error) { return cur + 10, nil },
		func(_ context.Context, cur, next int) error {
			attempts++
			if attempts < 3 {
				return ErrConflict
			}
			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 12, got, "recomputed from the last read")
}

func TestRetryOnConflictNoop(t *testing.T) {
	wrote := false
	got, err := RetryOnConflict(context.Background(),
		func(context.Context) (string, error) { return "current", nil },
		func(string) (string, error) { return "", ErrNoop },
		func(context.Context, string, string) error { wrote = true; return nil },
	)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, "current", got)
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := RetryOnConflict(context.Background(),
		func(context.Context) (int, error) { return 0, nil },
		func(int) (int, error) { return 0, boom },
		func(context.Context, int, int) error { t.Fatal("unexpected write"); return nil },
	)
	assert.ErrorIs(t, err, boom)
}

func TestRetryOnConflictHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryOnConflict(ctx,
		func(context.Context) (int, error) { return 0, nil },
		func(int) (int, error) { return 1, nil },
		func(context.Context, int, int) error { return ErrConflict },
	)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock)
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "a", Balance: money.MustParse("1")}))

	first, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	second, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)

	first.Balance = money.MustParse("2")
	require.NoError(t, s.UpdateAccount(ctx, first, 0))
	assert.Equal(t, int64(1), first.UpdateID)

	second.Balance = money.MustParse("3")
	assert.ErrorIs(t, s.UpdateAccount(ctx, second, 0), ErrConflict)

	stored, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2.0000000000", stored.Balance.String())
}

func TestMutateAccountConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock)
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "a", Balance: money.Zero()}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := MutateAccount(ctx, s, "a", func(a *model.Account) error {
				a.Balance = a.Balance.Add(money.MustParse("1.5"))
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "30.0000000000", a.Balance.String())
	assert.Equal(t, int64(20), a.UpdateID)
}

func TestMemoryStoreTransactionFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock)

	due := &model.Transaction{ID: "due", State: model.StateAuthorized, SysSettleAfter: now.Add(-time.Minute), ReferenceID: "r1"}
	later := &model.Transaction{ID: "later", State: model.StateAuthorized, SysSettleAfter: now.Add(time.Hour), ReferenceID: "r2"}
	leased := &model.Transaction{ID: "leased", State: model.StateAuthorized, SysSettleAfter: now.Add(-time.Hour), ReferenceID: "r3",
		Workers: model.LeaseSet{{ID: "w1", Start: now.Add(-time.Hour)}}}
	for _, txn := range []*model.Transaction{due, later, leased} {
		require.NoError(t, s.CreateTransaction(ctx, txn))
	}

	tests := []struct {
		name   string
		filter TransactionFilter
		want   []string
	}{
		{"settle window", TransactionFilter{SettleBefore: &now}, []string{"leased", "due"}},
		{"unleased", TransactionFilter{SettleBefore: &now, NoLease: true}, []string{"due"}},
		{"expired lease", TransactionFilter{LeaseStartedBefore: ptr(now.Add(-time.Minute))}, []string{"leased"}},
		{"reference", TransactionFilter{ReferenceID: "r2"}, []string{"later"}},
		{"state", TransactionFilter{States: []model.State{model.StateSettled}}, nil},
		{"limit", TransactionFilter{Limit: 1}, []string{"leased"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FindTransactions(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, txn := range got {
				ids = append(ids, txn.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryStoreAccountFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock)

	failed := now.Add(-time.Hour)
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "due", CreditPaymentDue: ptr(now.Add(-time.Minute))}))
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "future", CreditPaymentDue: ptr(now.Add(time.Minute))}))
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "failed", CreditPaymentDue: ptr(now.Add(-time.Minute)),
		Credit: model.AccountCredit{LastPayoffFailed: &failed}}))
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "plain"}))

	got, err := s.FindAccounts(ctx, AccountFilter{PaymentDueBefore: &now, PayoffFailedBefore: ptr(now.Add(-2 * time.Hour)), NoLease: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "due", got[0].ID)
}

func TestMemoryStoreCreditContacts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock)

	require.NoError(t, s.ClaimCreditContact(ctx, "a@example.com", "acct-1"))
	require.NoError(t, s.ClaimCreditContact(ctx, "a@example.com", "acct-1"), "idempotent")
	assert.ErrorIs(t, s.ClaimCreditContact(ctx, "a@example.com", "acct-2"), ErrDuplicate)

	require.NoError(t, s.ClaimCreditContact(ctx, "b@example.com", "acct-1"), "rebinding frees the old address")
	require.NoError(t, s.ClaimCreditContact(ctx, "a@example.com", "acct-2"))

	require.NoError(t, s.ReleaseCreditContact(ctx, "acct-1"))
	require.NoError(t, s.ClaimCreditContact(ctx, "b@example.com", "acct-3"))
}

func TestDuplicateQuery(t *testing.T) {
	err := DuplicateQuery{}.Validate()
	assert.ErrorIs(t, err, errno.ErrMalformedQuery)
	assert.Equal(t, errno.KindFatal, errno.KindOf(err))

	f := DuplicateQuery{ReferenceID: "ref", Source: "acct"}.Filter()
	assert.NotContains(t, f.States, model.StateVoided)
	assert.Equal(t, 1, f.Limit)
}

func ptr[T any](v T) *T { return &v }
