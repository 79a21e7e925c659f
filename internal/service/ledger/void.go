package ledger

import (
	"context"

	"go.uber.org/zap"

	"ledger-core/internal/event"
	"ledger-core/internal/model"
	"ledger-core/internal/repository"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/monitor"
	"ledger-core/pkg/money"
)

// Void cancels a transaction that has not started settling and reverses its
// reservation. Calling it again, or on a transaction that is settling or
// settled, returns the current state without error.
func (s *Service) Void(ctx context.Context, id, reason string) (model.State, error) {
	txn, err := s.getTransaction(ctx, id)
	if err != nil {
		return "", err
	}
	// an authorization still running may have reserved after the void landed
	if txn.State == model.StateVoided {
		return txn.State, s.reverse(ctx, txn)
	}
	if !txn.State.In(model.StatePending, model.StateAuthorized, model.StateVoiding) {
		return txn.State, nil
	}

	marked, err := s.mutateTransaction(ctx, id, func(t *model.Transaction) error {
		if !t.State.In(model.StatePending, model.StateAuthorized) {
			return repository.ErrNoop
		}
		t.State = model.StateVoiding
		if t.VoidReason == "" {
			t.VoidReason = reason
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if marked.State != model.StateVoiding {
		return marked.State, nil
	}

	if err := s.reverse(ctx, marked); err != nil {
		return marked.State, err
	}

	moved := false
	final, err := s.mutateTransaction(ctx, id, func(t *model.Transaction) error {
		moved = false
		if t.State != model.StateVoiding {
			return repository.ErrNoop
		}
		now := s.now()
		t.State = model.StateVoided
		t.Voided = &now
		moved = true
		return nil
	})
	if err != nil {
		return "", err
	}

	if final.Triggered != nil {
		if err := s.trigger.VoidNeeded(ctx, *final.Triggered, "triggering transaction voided"); err != nil {
			s.log.Warn("void trigger not delivered", zap.String("txn", *final.Triggered), zap.Error(err))
		}
	}
	if moved {
		monitor.TransactionsTotal.WithLabelValues(string(final.Type), string(final.State)).Inc()
		s.log.Info("transaction voided", append(s.txnFields(final), zap.String("reason", final.VoidReason))...)
		s.emit(ctx, event.Event{
			Type:          event.TypeVoided,
			TransactionID: final.ID,
			State:         final.State,
			Amount:        final.Amount.String(),
			Reason:        final.VoidReason,
			Transaction:   final,
		})
	}
	return final.State, nil
}

// reverse undoes whatever authorization reserved. Every step keys on the
// marker authorization wrote, so running it again is harmless. Accounts that
// never existed are skipped: authorization may have failed on exactly that
// lookup.
func (s *Service) reverse(ctx context.Context, txn *model.Transaction) error {
	if txn.Type == model.TypeDeposit {
		switch txn.Purpose {
		case model.PurposeNone:
			return s.forEachDestination(ctx, txn, true, func(a *model.Account, amount money.Money) error {
				if !a.Credit.Incoming[txn.ID] {
					return repository.ErrNoop
				}
				delete(a.Credit.Incoming, txn.ID)
				a.Credit.Pending = a.Credit.Pending.Sub(amount)
				return nil
			})
		case model.PurposeInstantTransfer:
			// the contract this deposit covered is voided along with it, and
			// its own reversal settles the threshold
			return s.forEachDestination(ctx, txn, true, func(a *model.Account, amount money.Money) error {
				if !a.Credit.InstantIncoming[txn.ID] {
					return repository.ErrNoop
				}
				delete(a.Credit.InstantIncoming, txn.ID)
				a.Credit.Instant = a.Credit.Instant.Sub(amount)
				return nil
			})
		}
		return nil
	}

	// coverage from an instant transfer voided ahead of this contract was
	// part of the balance the contract was authorized against
	released := money.Zero()
	var depID string
	if txn.Triggered != nil {
		depID = *txn.Triggered
		dep, err := s.store.GetTransaction(ctx, depID)
		if err == nil && dep.State.In(model.StateVoiding, model.StateVoided) {
			released = dep.AmountTo(txn.Source)
		}
	}

	_, err := s.mutateAccount(ctx, txn.Source, func(a *model.Account) error {
		if _, ok := a.Outgoing[txn.ID]; !ok {
			return repository.ErrNoop
		}
		oldBalance, oldBacked := a.CoveredBalance(), a.CreditBackedAmount
		if depID != "" && !a.Credit.InstantIncoming[depID] {
			oldBalance = oldBalance.Add(released)
		}
		a.Balance = a.Balance.Add(txn.Amount)
		delete(a.Outgoing, txn.ID)
		applyCreditThreshold(a, oldBalance, oldBacked, s.now(), s.cfg.PaymentDuePeriod)
		return nil
	})
	if err != nil && !isAccountNotFound(err) {
		return err
	}
	return nil
}

func isAccountNotFound(err error) bool {
	code, _ := errno.Decode(err)
	return code == errno.ErrAccountNotFound.Code
}
