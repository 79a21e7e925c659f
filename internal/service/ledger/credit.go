package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ledger-core/internal/event"
	"ledger-core/internal/model"
	"ledger-core/internal/repository"
	"ledger-core/pkg/crypto_util"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/monitor"
	"ledger-core/pkg/money"
)

// BalanceSnapshot is the read-only credit view of an account.
type BalanceSnapshot struct {
	Balance  money.Money `json:"balance"`
	Snapshot money.Money `json:"snapshot"` // 已结算余额
	Pending  money.Money `json:"pending"`  // 待结算的充值
	Instant  money.Money `json:"instant"`  // 在途的即时转账
	// Max is the largest deposit the account can take without holding
	// stored value.
	Max money.Money `json:"max"`
	// MaxUnbacked is what it takes to bring the balance back to the
	// unbacked-credit threshold.
	MaxUnbacked      money.Money `json:"max_unbacked"`
	AllowStoredValue bool        `json:"allow_stored_value"`
}

// SetCreditLine changes the credit limit and the backed portion of it. An
// unbacked line needs a verified contact address that no other account's
// credit line is using.
func (s *Service) SetCreditLine(ctx context.Context, accountID string, limit, backed money.Money) (*model.Account, error) {
	switch {
	case limit.IsNegative() || backed.IsNegative():
		return nil, errno.Wrapf(errno.ErrInvalidCreditLine, "negative credit line")
	case backed.GreaterThan(limit):
		return nil, errno.Wrapf(errno.ErrInvalidCreditLine, "backed amount %s exceeds limit %s", backed, limit)
	}

	acct, err := s.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	unbacked := limit.GreaterThan(backed)
	if unbacked {
		email, err := s.owners.VerifiedEmail(ctx, acct.Owner)
		if err != nil {
			return nil, err
		}
		if err := s.store.ClaimCreditContact(ctx, email, accountID); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return nil, errno.Wrapf(errno.ErrContactInUse, "account %s", accountID)
			}
			return nil, err
		}
	}

	updated, err := s.mutateAccount(ctx, accountID, func(a *model.Account) error {
		if a.Balance.Neg().GreaterThan(limit) {
			return errno.Wrapf(errno.ErrInvalidCreditLine, "balance %s exceeds limit %s", a.Balance, limit)
		}
		oldBalance, oldBacked := a.CoveredBalance(), a.CreditBackedAmount
		a.CreditLimit = limit
		a.CreditBackedAmount = backed
		applyCreditThreshold(a, oldBalance, oldBacked, s.now(), s.cfg.PaymentDuePeriod)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !unbacked {
		if err := s.store.ReleaseCreditContact(ctx, accountID); err != nil {
			s.log.Warn("release credit contact failed", zap.String("account", accountID), zap.Error(err))
		}
	}
	s.log.Info("credit line updated", zap.String("account", accountID),
		zap.String("limit", limit.String()), zap.String("backed", backed.String()))
	return updated, nil
}

// SetCreditDisabled toggles the system flag. A disabled line keeps its
// existing debt but cannot be drawn on further.
func (s *Service) SetCreditDisabled(ctx context.Context, accountID string, disabled bool) (*model.Account, error) {
	return s.mutateAccount(ctx, accountID, func(a *model.Account) error {
		if a.SysCreditDisabled == disabled {
			return repository.ErrNoop
		}
		a.SysCreditDisabled = disabled
		return nil
	})
}

// BalanceSnapshot returns the credit view of an account.
func (s *Service) BalanceSnapshot(ctx context.Context, accountID string) (*BalanceSnapshot, error) {
	a, err := s.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	snap := snapshotOf(a)
	return &snap, nil
}

// snapshotOf counts staged deposits and held instant transfers as already
// paid in, so a payoff is never sized to cover them a second time.
func snapshotOf(a *model.Account) BalanceSnapshot {
	committed := a.Balance.Add(a.Credit.Pending).Add(a.Credit.Instant)
	return BalanceSnapshot{
		Balance:          a.Balance,
		Snapshot:         a.Credit.Snapshot,
		Pending:          a.Credit.Pending,
		Instant:          a.Credit.Instant,
		Max:              committed.Neg().Max(money.Zero()),
		MaxUnbacked:      a.UnbackedThreshold().Sub(committed).Max(money.Zero()),
		AllowStoredValue: a.SysAllowStoredValue,
	}
}

// payoffAmount is the deposit that repays the unbacked portion, capped so
// accounts without stored value never go positive.
func payoffAmount(snap BalanceSnapshot) money.Money {
	amount := snap.MaxUnbacked.WithPrecision(money.ExternalPrecision, money.RoundUp)
	if !snap.AllowStoredValue {
		amount = amount.Min(snap.Max.WithPrecision(money.ExternalPrecision, money.RoundDown))
	}
	return amount
}

// PayoffCredit charges the account's backup sources for its unbacked debt
// once the payment due date has passed. A payoff already underway for the
// same due date counts as success. When every source fails the failure is
// recorded on the account so the scheduler waits before trying again.
func (s *Service) PayoffCredit(ctx context.Context, accountID string) error {
	a, err := s.getAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a.CreditPaymentDue == nil || a.CreditPaymentDue.After(s.now()) {
		return nil
	}

	amount := payoffAmount(snapshotOf(a))
	if !amount.IsPositive() {
		return nil
	}
	if len(a.BackupSource) == 0 {
		err := errno.Wrapf(errno.ErrGatewayDeclined, "account %s has no backup payment source", a.ID)
		s.recordPayoffFailure(ctx, a.ID, err)
		return err
	}

	ref := crypto_util.DigestFields(string(model.PurposeCreditPayoff), a.ID, a.CreditPaymentDue.UTC().Format(time.RFC3339Nano))
	var lastErr error
	for _, token := range a.BackupSource {
		dep, err := s.Authorize(ctx, AuthorizeRequest{
			Type:        model.TypeDeposit,
			Source:      token,
			Transfers:   []model.Transfer{{Source: token, Destination: a.ID, Amount: amount}},
			ReferenceID: ref,
			Actor:       s.cfg.SystemAccountID,
			Purpose:     model.PurposeCreditPayoff,
			Duplicate:   &repository.DuplicateQuery{ReferenceID: ref},
		})
		switch {
		case err == nil:
			s.log.Info("credit payoff authorized", zap.String("account", a.ID),
				zap.String("deposit", dep.ID), zap.String("amount", dep.Amount.String()))
			return nil
		case errors.Is(err, errno.ErrDuplicateTransaction):
			s.log.Debug("credit payoff already underway", zap.String("account", a.ID))
			return nil
		case errno.IsStorage(err):
			return err
		}
		lastErr = err
	}

	s.recordPayoffFailure(ctx, a.ID, lastErr)
	return lastErr
}

func (s *Service) recordPayoffFailure(ctx context.Context, accountID string, cause error) {
	monitor.PayoffFailures.Inc()
	_, reason := errno.Decode(cause)
	_, err := s.mutateAccount(ctx, accountID, func(a *model.Account) error {
		now := s.now()
		a.Credit.LastPayoffFailed = &now
		a.Credit.LastPayoffError = cause.Error()
		return nil
	})
	if err != nil {
		s.log.Error("record payoff failure failed", zap.String("account", accountID), zap.Error(err))
	}
	s.log.Warn("credit payoff failed", zap.String("account", accountID), zap.Error(cause))
	s.emit(ctx, event.Event{
		Type:      event.TypePayoffFailed,
		AccountID: accountID,
		Reason:    reason,
	})
}
