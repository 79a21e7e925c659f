package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ledger-core/internal/event"
	"ledger-core/internal/gateway"
	"ledger-core/internal/model"
	"ledger-core/internal/repository"
	"ledger-core/pkg/backoff"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/monitor"
)

// deferral reasons, also used as metric labels
const (
	deferCredit  = "credit"
	deferTrigger = "trigger"
	deferStatus  = "status"
)

// maxBackoff caps the delay between external status checks.
const maxBackoff = 24 * time.Hour

// Settle drives an authorized transaction to settled. It is safe to call
// any number of times from any number of workers. A transaction that is not
// ready yet returns ErrSettlementPending after its SysSettleAfter has been
// pushed back; one already voided returns ErrTransactionVoided.
func (s *Service) Settle(ctx context.Context, id string) (model.State, error) {
	txn, err := s.getTransaction(ctx, id)
	if err != nil {
		return "", err
	}

	switch txn.State {
	case model.StateSettled, model.StatePending, model.StateVoiding:
		return txn.State, nil
	case model.StateVoided:
		return txn.State, errno.Wrapf(errno.ErrTransactionVoided, "transaction %s", id)
	case model.StateSettling:
		return s.apply(ctx, txn)
	}

	if s.now().Before(txn.SysSettleAfter) {
		return txn.State, errno.Wrapf(errno.ErrSettlementPending, "transaction %s not before %s", id, txn.SysSettleAfter.Format(time.RFC3339))
	}

	// a processing transaction already passed its checks in an earlier attempt
	if txn.State == model.StateAuthorized {
		if ok, state, err := s.checkDependencies(ctx, txn); !ok {
			return state, err
		}
	}

	staged, err := s.stage(ctx, txn)
	if err != nil {
		return "", err
	}
	if staged.State != model.StateSettling {
		return staged.State, nil
	}
	return s.apply(ctx, staged)
}

// checkDependencies evaluates the settlement preconditions in order. When it
// reports false the returned state and error are the outcome of Settle.
func (s *Service) checkDependencies(ctx context.Context, txn *model.Transaction) (bool, model.State, error) {
	// (a) unbacked credit must have been repaid since authorization
	if txn.SysCreditPayoffs != nil {
		src, err := s.getAccount(ctx, txn.Source)
		if err != nil {
			return false, txn.State, err
		}
		if src.Credit.Payoffs <= *txn.SysCreditPayoffs {
			state, err := s.deferSettlement(ctx, txn, s.cfg.CreditPayoffDelay, deferCredit, false)
			return false, state, err
		}
	}

	// (b) linked transactions
	if txn.TriggeredBy != nil {
		trig, err := s.store.GetTransaction(ctx, *txn.TriggeredBy)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return s.voidForDependency(ctx, txn, "triggering transaction missing")
		case err != nil:
			return false, txn.State, err
		case trig.State.In(model.StateVoiding, model.StateVoided):
			return s.voidForDependency(ctx, txn, "triggering transaction voided")
		case trig.State == model.StatePending:
			state, err := s.deferSettlement(ctx, txn, s.cfg.TriggerDelay, deferTrigger, false)
			return false, state, err
		}
	}
	if txn.Triggered != nil {
		dep, err := s.store.GetTransaction(ctx, *txn.Triggered)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return s.voidForDependency(ctx, txn, "instant transfer missing")
		case err != nil:
			return false, txn.State, err
		case dep.State.In(model.StateVoiding, model.StateVoided):
			return s.voidForDependency(ctx, txn, "instant transfer voided")
		case dep.State != model.StateSettled:
			state, err := s.deferSettlement(ctx, txn, s.cfg.TriggerDelay, deferTrigger, false)
			return false, state, err
		}
	}

	// (c) the processor must have settled its side
	if txn.Type == model.TypeDeposit || txn.Type == model.TypeWithdrawal {
		return s.checkExternalStatus(ctx, txn)
	}
	return true, txn.State, nil
}

func (s *Service) voidForDependency(ctx context.Context, txn *model.Transaction, reason string) (bool, model.State, error) {
	state, err := s.Void(ctx, txn.ID, reason)
	return false, state, err
}

func (s *Service) checkExternalStatus(ctx context.Context, txn *model.Transaction) (bool, model.State, error) {
	gw, err := s.gateways.ForTransaction(txn)
	if err != nil {
		return false, txn.State, err
	}

	res, err := gw.GetTransactionStatus(ctx, txn)
	if err == nil {
		switch res.Status {
		case gateway.StatusSettled:
			return true, txn.State, nil
		case gateway.StatusVoided:
			return s.voidForDependency(ctx, txn, "gateway reported voided: "+res.Reason)
		}
	} else {
		s.log.Warn("gateway status check failed", zap.String("txn", txn.ID), zap.Error(err))
	}

	checks := txn.StatusChecks + 1
	delay := res.SettleAfterIncrement
	if delay <= 0 {
		delay = backoff.Capped(s.cfg.StatusCheckBackoff, checks-1, maxBackoff)
	}
	state, derr := s.deferSettlement(ctx, txn, delay, deferStatus, true)
	if checks > s.cfg.MaxStatusChecks && errno.KindOf(derr) == errno.KindDeferred {
		s.log.Error("external status check limit exceeded",
			zap.String("txn", txn.ID), zap.String("gateway", txn.Gateway), zap.Int("checks", checks))
		s.emit(ctx, event.Event{
			Type:          event.TypeStatusCritical,
			TransactionID: txn.ID,
			State:         state,
			Reason:        string(res.Status),
			Transaction:   txn,
		})
		return false, state, errno.Wrapf(errno.ErrStatusCheckExhausted, "transaction %s after %d checks", txn.ID, checks)
	}
	return false, state, derr
}

// deferSettlement pushes SysSettleAfter back by delay and reschedules the
// settle trigger. It only touches transactions that are still authorized.
func (s *Service) deferSettlement(ctx context.Context, txn *model.Transaction, delay time.Duration, reason string, statusCheck bool) (model.State, error) {
	next, err := s.mutateTransaction(ctx, txn.ID, func(t *model.Transaction) error {
		if t.State != model.StateAuthorized {
			return repository.ErrNoop
		}
		t.SysSettleAfter = s.now().Add(delay)
		if statusCheck {
			t.StatusChecks++
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if next.State != model.StateAuthorized {
		return next.State, nil
	}

	monitor.SettlementDeferrals.WithLabelValues(reason).Inc()
	s.log.Info("settlement deferred", append(s.txnFields(next),
		zap.String("reason", reason), zap.Time("settle_after", next.SysSettleAfter))...)
	s.emit(ctx, event.Event{
		Type:          event.TypeSettleDeferred,
		TransactionID: next.ID,
		State:         next.State,
		Reason:        reason,
	})
	s.scheduleSettle(ctx, next)
	return next.State, errno.Wrapf(errno.ErrSettlementPending, "%s, retry at %s", reason, next.SysSettleAfter.Format(time.RFC3339))
}

// stage claims a new settle id and writes it to every ledger destination.
// An attempt that finds a higher id already staged is superseded: it removes
// its own entries and reports the current state.
func (s *Service) stage(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	claimed, err := s.mutateTransaction(ctx, txn.ID, func(t *model.Transaction) error {
		if !t.State.In(model.StateAuthorized, model.StateProcessing) {
			return repository.ErrNoop
		}
		t.SettleID++
		t.State = model.StateProcessing
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed.State != model.StateProcessing {
		return claimed, nil
	}
	settleID := claimed.SettleID

	var staged []string
	for _, dest := range claimed.LedgerDestinations() {
		superseded := false
		_, err := s.mutateAccount(ctx, dest, func(a *model.Account) error {
			cur, ok := a.Incoming[claimed.ID]
			superseded = ok && cur > settleID
			if ok && cur >= settleID {
				return repository.ErrNoop
			}
			if a.Incoming == nil {
				a.Incoming = make(map[string]int64)
			}
			a.Incoming[claimed.ID] = settleID
			return nil
		})
		if err != nil {
			return nil, err
		}
		if superseded {
			return s.superseded(ctx, claimed.ID, settleID, staged)
		}
		staged = append(staged, dest)
	}

	next, err := s.mutateTransaction(ctx, claimed.ID, func(t *model.Transaction) error {
		if t.State != model.StateProcessing || t.SettleID != settleID {
			return repository.ErrNoop
		}
		t.State = model.StateSettling
		return nil
	})
	if err != nil {
		return nil, err
	}
	if next.SettleID != settleID {
		return s.superseded(ctx, claimed.ID, settleID, staged)
	}
	return next, nil
}

func (s *Service) superseded(ctx context.Context, id string, settleID int64, staged []string) (*model.Transaction, error) {
	s.log.Info("settlement attempt superseded", zap.String("txn", id), zap.Int64("settle_id", settleID))
	for _, dest := range staged {
		_, err := s.mutateAccount(ctx, dest, func(a *model.Account) error {
			if a.Incoming[id] != settleID {
				return repository.ErrNoop
			}
			delete(a.Incoming, id)
			return nil
		})
		if err != nil {
			s.log.Warn("remove superseded stage entry failed", zap.String("txn", id), zap.String("account", dest), zap.Error(err))
		}
	}
	return s.getTransaction(ctx, id)
}

// apply credits every destination staged under the final settle id, clears
// the source marker and completes the transaction.
func (s *Service) apply(ctx context.Context, txn *model.Transaction) (model.State, error) {
	for _, dest := range txn.LedgerDestinations() {
		amount := txn.AmountTo(dest)
		_, err := s.mutateAccount(ctx, dest, func(a *model.Account) error {
			sid, ok := a.Incoming[txn.ID]
			if !ok || sid > txn.SettleID {
				return repository.ErrNoop
			}
			delete(a.Incoming, txn.ID)
			if sid < txn.SettleID {
				return nil
			}

			oldBalance, oldBacked := a.CoveredBalance(), a.CreditBackedAmount
			a.Balance = a.Balance.Add(amount)
			a.Credit.Snapshot = a.Credit.Snapshot.Add(amount)
			if a.Credit.Incoming[txn.ID] {
				delete(a.Credit.Incoming, txn.ID)
				a.Credit.Pending = a.Credit.Pending.Sub(amount)
			}
			if a.Credit.InstantIncoming[txn.ID] {
				delete(a.Credit.InstantIncoming, txn.ID)
				a.Credit.Instant = a.Credit.Instant.Sub(amount)
			}
			applyCreditThreshold(a, oldBalance, oldBacked, s.now(), s.cfg.PaymentDuePeriod)
			return nil
		})
		if err != nil {
			return "", err
		}
	}

	if txn.DebitsSource() {
		_, err := s.mutateAccount(ctx, txn.Source, func(a *model.Account) error {
			if _, ok := a.Outgoing[txn.ID]; !ok {
				return repository.ErrNoop
			}
			delete(a.Outgoing, txn.ID)
			a.Credit.Snapshot = a.Credit.Snapshot.Sub(txn.Amount)
			return nil
		})
		if err != nil {
			return "", err
		}
	}

	moved := false
	final, err := s.mutateTransaction(ctx, txn.ID, func(t *model.Transaction) error {
		moved = false
		if t.State != model.StateSettling {
			return repository.ErrNoop
		}
		now := s.now()
		t.State = model.StateSettled
		t.Settled = &now
		moved = true
		return nil
	})
	if err != nil {
		return "", err
	}

	if moved {
		for _, dest := range final.LedgerDestinations() {
			s.pruneIncoming(ctx, dest, final.ID)
		}
		monitor.TransactionsTotal.WithLabelValues(string(final.Type), string(final.State)).Inc()
		s.log.Info("transaction settled", s.txnFields(final)...)
		s.emit(ctx, event.Event{
			Type:          event.TypeSettled,
			TransactionID: final.ID,
			State:         final.State,
			Amount:        final.Amount.String(),
			Transaction:   final,
		})
	}
	return final.State, nil
}

// pruneIncoming drops stage entries on accountID left by attempts that
// crashed after being superseded: an entry whose transaction is already
// settled or voided will never be applied. Failures are only logged, the
// next settlement into the account tries again.
func (s *Service) pruneIncoming(ctx context.Context, accountID, skip string) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return
	}
	for id, sid := range acct.Incoming {
		if id == skip {
			continue
		}
		txn, err := s.store.GetTransaction(ctx, id)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("prune stage entry lookup failed", zap.String("account", accountID), zap.String("txn", id), zap.Error(err))
			continue
		}
		if txn != nil && !txn.State.In(model.StateSettled, model.StateVoided) {
			continue
		}
		_, err = s.mutateAccount(ctx, accountID, func(a *model.Account) error {
			if cur, ok := a.Incoming[id]; !ok || cur != sid {
				return repository.ErrNoop
			}
			delete(a.Incoming, id)
			return nil
		})
		if err != nil {
			s.log.Warn("prune stage entry failed", zap.String("account", accountID), zap.String("txn", id), zap.Error(err))
			continue
		}
		s.log.Info("stale stage entry pruned", zap.String("account", accountID), zap.String("txn", id), zap.Int64("settle_id", sid))
	}
}
