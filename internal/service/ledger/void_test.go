package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-core/internal/event"
	"ledger-core/internal/model"
	"ledger-core/pkg/errno"
)

func TestVoidRestoresSource(t *testing.T) {
	f := newFixture(t)
	f.account("acct-a", "100")
	f.account("acct-b", "0")

	txn := f.authorize(f.contract("acct-a", "acct-b", "40"))

	state, err := f.svc.Void(f.ctx, txn.ID, "client cancelled")
	require.NoError(t, err)
	assert.Equal(t, model.StateVoided, state)

	a := f.get("acct-a")
	assertMoney(t, "100", a.Balance)
	assertMoney(t, "100", a.Credit.Snapshot)
	assert.Empty(t, a.Outgoing)

	voided := f.txn(txn.ID)
	assert.Equal(t, "client cancelled", voided.VoidReason)
	require.NotNil(t, voided.Voided)

	// again: nothing changes and no second event
	state, err = f.svc.Void(f.ctx, txn.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, model.StateVoided, state)
	assertMoney(t, "100", f.get("acct-a").Balance)
	assert.Equal(t, "client cancelled", f.txn(txn.ID).VoidReason)
	assert.Len(t, f.events.OfType(event.TypeVoided), 1)
}

func TestVoidAfterSettleIsNoop(t *testing.T) {
	f := newFixture(t)
	f.account("acct-a", "100")
	f.account("acct-b", "0")

	txn := f.authorize(f.contract("acct-a", "acct-b", "40"))
	f.settle(txn.ID)

	state, err := f.svc.Void(f.ctx, txn.ID, "too late")
	require.NoError(t, err)
	assert.Equal(t, model.StateSettled, state)
	assertMoney(t, "60", f.get("acct-a").Balance)
	assertMoney(t, "40", f.get("acct-b").Balance)
	assert.Empty(t, f.txn(txn.ID).VoidReason)
}

func TestVoidResumesVoiding(t *testing.T) {
	f := newFixture(t)
	f.account("acct-a", "100")
	f.account("acct-b", "0")

	txn := f.authorize(f.contract("acct-a", "acct-b", "40"))
	// a previous attempt marked the transaction and died
	_, err := f.svc.mutateTransaction(f.ctx, txn.ID, func(t *model.Transaction) error {
		t.State = model.StateVoiding
		t.VoidReason = "stale"
		return nil
	})
	require.NoError(t, err)

	state, err := f.svc.Settle(f.ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateVoiding, state, "settle never touches a voiding transaction")

	state, err = f.svc.Void(f.ctx, txn.ID, "retry")
	require.NoError(t, err)
	assert.Equal(t, model.StateVoided, state)
	assert.Equal(t, "stale", f.txn(txn.ID).VoidReason)
	assertMoney(t, "100", f.get("acct-a").Balance)
}

func TestVoidDepositReleasesPendingCredit(t *testing.T) {
	f := newFixture(t)
	f.account("acct-d", "-20", withCredit("50", "0"))

	txn := f.authorize(f.deposit("simulated:card-d", "acct-d", "15"))
	assertMoney(t, "15", f.get("acct-d").Credit.Pending)

	_, err := f.svc.Void(f.ctx, txn.ID, "refunded")
	require.NoError(t, err)

	d := f.get("acct-d")
	assertMoney(t, "0", d.Credit.Pending)
	assert.Empty(t, d.Credit.Incoming)
	assertMoney(t, "-20", d.Balance)
}

func TestVoidInstantTransferContractSignalsDeposit(t *testing.T) {
	f := newFixture(t)
	f.account("acct-a", "10", withBackup("simulated:card-a"), func(a *model.Account) {
		a.SysAllowInstantTransfer = true
	})
	f.account("acct-b", "0")

	contract := f.authorize(f.contract("acct-a", "acct-b", "25"))
	require.NotNil(t, contract.Triggered)

	_, err := f.svc.Void(f.ctx, contract.ID, "cancelled")
	require.NoError(t, err)
	assert.Contains(t, f.trigger.voids, *contract.Triggered)

	// the deposit voids itself once it sees the contract is gone
	state, err := f.svc.Settle(f.ctx, *contract.Triggered)
	require.NoError(t, err)
	assert.Equal(t, model.StateVoided, state)
	assertMoney(t, "10", f.get("acct-a").Balance)
}

func TestVoidMissingTransaction(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Void(f.ctx, "missing", "x")
	assert.Error(t, err)
}

func TestVoidDuringAuthorizationRestoresBalance(t *testing.T) {
	f := newFixture(t)
	f.account("acct-a", "50")
	f.account("acct-b", "0")

	// the void lands after insert, before the source is debited
	f.owners.once(func(ctx context.Context) {
		state, err := f.svc.Void(ctx, "txn-raced", "client cancelled")
		require.NoError(t, err)
		assert.Equal(t, model.StateVoided, state)
	})

	req := f.contract("acct-a", "acct-b", "20")
	req.ID = "txn-raced"
	_, err := f.svc.Authorize(f.ctx, req)
	require.ErrorIs(t, err, errno.ErrTransactionVoided)

	assert.Equal(t, model.StateVoided, f.txn("txn-raced").State)
	a := f.get("acct-a")
	assertMoney(t, "50", a.Balance)
	assert.Empty(t, a.Outgoing)

	// voiding again finds nothing left to undo
	state, err := f.svc.Void(f.ctx, "txn-raced", "again")
	require.NoError(t, err)
	assert.Equal(t, model.StateVoided, state)
	assertMoney(t, "50", f.get("acct-a").Balance)
}

func TestVoidDuringWithdrawalAuthorizationSkipsPayout(t *testing.T) {
	f := newFixture(t)
	f.account("acct-a", "50")

	f.owners.once(func(ctx context.Context) {
		_, err := f.svc.Void(ctx, "txn-out", "client cancelled")
		require.NoError(t, err)
	})

	req := f.withdrawal("acct-a", "simulated:bank-1", "20")
	req.ID = "txn-out"
	_, err := f.svc.Authorize(f.ctx, req)
	require.ErrorIs(t, err, errno.ErrTransactionVoided)

	_, paid := f.sim.PaidOut("txn-out")
	assert.False(t, paid)
	assertMoney(t, "50", f.get("acct-a").Balance)
	assert.Empty(t, f.get("acct-a").Outgoing)
}

func TestVoidRacingAuthorizationsKeepsCreditBound(t *testing.T) {
	f := newFixture(t)
	f.account("acct-a", "100", withCredit("50", "50"))
	f.account("acct-b", "0")

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("txn-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			req := f.contract("acct-a", "acct-b", "20")
			req.ID = id
			req.ReferenceID = "order-" + id
			_, _ = f.svc.Authorize(f.ctx, req)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.Void(f.ctx, id, "client cancelled")
		}()
	}
	wg.Wait()

	authorized := 0
	a := f.get("acct-a")
	for _, txn := range f.allTransactions() {
		require.Contains(t, []model.State{model.StateAuthorized, model.StateVoided}, txn.State, txn.ID)
		_, reserved := a.Outgoing[txn.ID]
		if txn.State == model.StateAuthorized {
			authorized++
			assert.True(t, reserved, txn.ID)
		} else {
			assert.False(t, reserved, txn.ID)
		}
	}
	assert.Len(t, a.Outgoing, authorized)
	assertMoney(t, fmt.Sprint(100-20*authorized), a.Balance)
	assert.True(t, a.Balance.GreaterOrEqual(a.MinBalance()), "balance %s", a.Balance)
	assert.Nil(t, a.CreditPaymentDue)
}
