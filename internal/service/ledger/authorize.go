package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledger-core/internal/gateway"
	"ledger-core/internal/model"
	"ledger-core/internal/repository"
	"ledger-core/pkg/crypto_util"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/monitor"
	"ledger-core/pkg/money"
	"ledger-core/pkg/validator"
)

// AuthorizeRequest is a signed and verified transaction submitted by the
// API layer. For deposits Source is the payment token being charged; for
// every other type it is the debited account.
type AuthorizeRequest struct {
	ID             string
	Type           model.TxnType    `validate:"required"`
	Source         string           `validate:"required"`
	Transfers      []model.Transfer `validate:"required,min=1"`
	ReferenceID    string
	Actor          string
	SysSettleAfter *time.Time
	Purpose        model.Purpose
	TriggeredBy    string
	// Duplicate overrides the default lookup (same reference id and source
	// among live transactions).
	Duplicate *repository.DuplicateQuery
}

// Authorize inserts the transaction and reserves its funds. On success the
// returned transaction is authorized and a settle trigger is scheduled for
// SysSettleAfter. Once the record is inserted, any failure voids it.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*model.Transaction, error) {
	txn, err := s.authorize(ctx, req)
	if err != nil {
		code, _ := errno.Decode(err)
		monitor.AuthorizationFailures.WithLabelValues(strconv.Itoa(code)).Inc()
		return nil, err
	}
	monitor.TransactionsTotal.WithLabelValues(string(txn.Type), string(txn.State)).Inc()
	return txn, nil
}

func (s *Service) authorize(ctx context.Context, req AuthorizeRequest) (*model.Transaction, error) {
	// 1. defaults and gateway adjustments
	txn, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	// 2. funding pre-check
	short := money.Zero()
	var src *model.Account
	if txn.DebitsSource() {
		if src, err = s.getAccount(ctx, txn.Source); err != nil {
			return nil, err
		}
		if short = shortfall(src, txn.Amount); short.IsPositive() && !instantTransferEligible(src, txn) {
			return nil, errno.Wrapf(errno.ErrInsufficientFunds, "account %s short by %s", src.ID, short)
		}
	}

	// 3. insert at pending
	if err := s.insert(ctx, txn, req.Duplicate); err != nil {
		return nil, err
	}

	// the instant transfer names the contract as its trigger, so it is only
	// requested once the contract exists
	allowance := money.Zero()
	var instant *model.Transaction
	if short.IsPositive() {
		if instant, err = s.instantTransfer(ctx, src, txn, short); err != nil {
			_, msg := errno.Decode(err)
			s.voidQuietly(ctx, txn.ID, "instant transfer failed: "+msg)
			return nil, err
		}
		allowance = instant.AmountTo(src.ID)
	}

	authorized, err := s.reserve(ctx, txn, allowance, instant)
	if err != nil {
		// 8. never leave a stuck pending row behind
		_, msg := errno.Decode(err)
		s.voidQuietly(ctx, txn.ID, "authorization failed: "+msg)
		if instant != nil {
			s.voidQuietly(ctx, instant.ID, "instant transfer orphaned")
		}
		s.log.Info("authorization failed", append(s.txnFields(txn), zap.Error(err))...)
		return nil, err
	}

	s.log.Info("transaction authorized", s.txnFields(authorized)...)
	s.scheduleSettle(ctx, authorized)
	return authorized, nil
}

// reserve runs steps 4–7 on an inserted transaction.
func (s *Service) reserve(ctx context.Context, txn *model.Transaction, allowance money.Money, instant *model.Transaction) (*model.Transaction, error) {
	// 4. every ledger destination must resolve to an owner
	if _, err := s.owners.ResolveOwners(ctx, txn.LedgerDestinations()); err != nil {
		return nil, err
	}

	var payoffs *int64
	if txn.Type == model.TypeDeposit {
		// 6. stored-value staging, then the charge
		if err := s.stageDeposit(ctx, txn); err != nil {
			return nil, err
		}
		if err := s.chargeDeposit(ctx, txn); err != nil {
			return nil, err
		}
	} else {
		// 5. CAS debit of the source
		p, err := s.debitSource(ctx, txn, allowance)
		if err != nil {
			return nil, err
		}
		payoffs = p
		if txn.Type == model.TypeWithdrawal {
			// nothing leaves the ledger for a transaction voided meanwhile
			if err := s.stillPending(ctx, txn.ID); err != nil {
				return nil, err
			}
			if err := s.payoutWithdrawal(ctx, txn); err != nil {
				return nil, err
			}
		}
	}

	// 7. pending -> authorized
	out, err := s.mutateTransaction(ctx, txn.ID, func(t *model.Transaction) error {
		if t.State != model.StatePending {
			return repository.ErrNoop
		}
		t.State = model.StateAuthorized
		t.SysCreditPayoffs = payoffs
		if instant != nil {
			id := instant.ID
			t.Triggered = &id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.State != model.StateAuthorized {
		return nil, errno.Wrapf(errno.ErrTransactionVoided, "transaction %s moved to %s during authorization", out.ID, out.State)
	}
	return out, nil
}

func (s *Service) stillPending(ctx context.Context, id string) error {
	cur, err := s.getTransaction(ctx, id)
	if err != nil {
		return err
	}
	if cur.State != model.StatePending {
		return errno.Wrapf(errno.ErrTransactionVoided, "transaction %s moved to %s during authorization", id, cur.State)
	}
	return nil
}

func (s *Service) prepare(ctx context.Context, req AuthorizeRequest) (*model.Transaction, error) {
	if err := validator.Struct(req); err != nil {
		return nil, errno.Wrapf(errno.ErrInvalidTransaction, "%s", validator.GetErrorMsg(err))
	}
	if !req.Type.Valid() {
		return nil, errno.Wrapf(errno.ErrInvalidTransaction, "unknown type %q", req.Type)
	}

	now := s.now()
	txn := &model.Transaction{
		ID:             req.ID,
		Type:           req.Type,
		Source:         req.Source,
		ReferenceID:    req.ReferenceID,
		Purpose:        req.Purpose,
		Actor:          req.Actor,
		State:          model.StatePending,
		Created:        now,
		SysSettleAfter: now,
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if req.SysSettleAfter != nil {
		txn.SysSettleAfter = req.SysSettleAfter.UTC()
	}
	if req.TriggeredBy != "" {
		by := req.TriggeredBy
		txn.TriggeredBy = &by
	}

	total := money.Zero()
	for _, tr := range req.Transfers {
		if tr.Source == "" {
			tr.Source = req.Source
		}
		switch {
		case tr.Source != req.Source:
			return nil, errno.Wrapf(errno.ErrInvalidTransaction, "transfer source %s differs from transaction source", tr.Source)
		case tr.Destination == "":
			return nil, errno.Wrapf(errno.ErrInvalidTransaction, "transfer without destination")
		case tr.Destination == req.Source:
			return nil, errno.Wrapf(errno.ErrInvalidTransaction, "transfer to its own source")
		case !tr.Amount.IsPositive():
			return nil, errno.Wrapf(errno.ErrInvalidTransaction, "transfer amount %s must be positive", tr.Amount)
		case tr.External && txn.Type != model.TypeWithdrawal:
			return nil, errno.Wrapf(errno.ErrInvalidTransaction, "%s cannot pay an external destination", txn.Type)
		}
		if tr.External && txn.PaymentToken == "" {
			txn.PaymentToken = tr.Destination
		}
		txn.Transfers = append(txn.Transfers, tr)
		total = total.Add(tr.Amount)
	}
	txn.Amount = total

	switch txn.Type {
	case model.TypeDeposit:
		txn.PaymentToken = txn.Source
		gw, err := s.gateways.ForToken(txn.PaymentToken)
		if err != nil {
			return nil, err
		}
		txn.Gateway = gw.Name()
		txn = gw.AdjustDepositPrecision(txn)
		if txn, err = gw.AddDepositPayees(ctx, txn); err != nil {
			return nil, err
		}
	case model.TypeWithdrawal:
		if txn.PaymentToken == "" {
			return nil, errno.Wrapf(errno.ErrInvalidTransaction, "withdrawal without external destination")
		}
		gw, err := s.gateways.ForToken(txn.PaymentToken)
		if err != nil {
			return nil, err
		}
		txn.Gateway = gw.Name()
		txn = gw.AdjustWithdrawalPrecision(txn)
		if txn, err = gw.AddWithdrawalPayees(ctx, txn); err != nil {
			return nil, err
		}
	}

	if txn.ReferenceID == "" {
		txn.ReferenceID = deriveReferenceID(txn)
	}
	return txn, nil
}

// deriveReferenceID digests what the request asks for, so a resubmitted
// request matches the live original.
func deriveReferenceID(txn *model.Transaction) string {
	fields := []string{string(txn.Type), txn.Source}
	for _, tr := range txn.Transfers {
		fields = append(fields, tr.Destination, tr.Amount.String())
	}
	return crypto_util.DigestFields(fields...)
}

// shortfall is how far a debit of amount would take src below its minimum.
func shortfall(src *model.Account, amount money.Money) money.Money {
	return src.MinBalance().Sub(src.Balance.Sub(amount))
}

func instantTransferEligible(src *model.Account, txn *model.Transaction) bool {
	return txn.Type == model.TypeContract &&
		src.SysAllowInstantTransfer &&
		txn.Amount.GreaterOrEqual(src.SysMinInstantTransfer) &&
		len(src.BackupSource) > 0
}

// instantTransfer covers a contract's shortfall with a deposit from the
// first backup source that accepts the hold.
func (s *Service) instantTransfer(ctx context.Context, src *model.Account, contract *model.Transaction, short money.Money) (*model.Transaction, error) {
	var lastErr error
	for _, token := range src.BackupSource {
		dep, err := s.Authorize(ctx, AuthorizeRequest{
			Type:        model.TypeDeposit,
			Source:      token,
			Transfers:   []model.Transfer{{Source: token, Destination: src.ID, Amount: short}},
			ReferenceID: crypto_util.DigestFields(string(model.PurposeInstantTransfer), contract.ID, token),
			Actor:       s.cfg.SystemAccountID,
			Purpose:     model.PurposeInstantTransfer,
			TriggeredBy: contract.ID,
		})
		if err == nil {
			s.log.Info("instant transfer authorized",
				zap.String("txn", contract.ID), zap.String("deposit", dep.ID), zap.String("amount", dep.Amount.String()))
			return dep, nil
		}
		if errno.IsStorage(err) {
			return nil, err
		}
		s.log.Warn("instant transfer source failed",
			zap.String("txn", contract.ID), zap.String("token", gateway.MaskToken(token)), zap.Error(err))
		lastErr = err
	}
	return nil, errno.Wrap(errno.ErrInsufficientFunds, lastErr)
}

func (s *Service) insert(ctx context.Context, txn *model.Transaction, dup *repository.DuplicateQuery) error {
	q := repository.DuplicateQuery{ReferenceID: txn.ReferenceID, Source: txn.Source}
	if dup != nil {
		q = *dup
	}
	if err := q.Validate(); err != nil {
		return err
	}

	existing, err := s.store.FindTransactions(ctx, q.Filter())
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return errno.Wrapf(errno.ErrDuplicateTransaction, "matches live transaction %s", existing[0].ID)
	}

	err = s.store.CreateTransaction(ctx, txn)
	if errors.Is(err, repository.ErrDuplicate) {
		return errno.Wrapf(errno.ErrDuplicateTransaction, "transaction %s exists", txn.ID)
	}
	return err
}

// debitSource moves the amount out of the source balance and records the
// outgoing marker. allowance is the instant-transfer amount on its way in.
// It returns the payoff counter when unbacked credit is in use.
func (s *Service) debitSource(ctx context.Context, txn *model.Transaction, allowance money.Money) (*int64, error) {
	var payoffs *int64
	_, err := s.mutateAccount(ctx, txn.Source, func(a *model.Account) error {
		payoffs = nil
		if _, ok := a.Outgoing[txn.ID]; ok {
			return repository.ErrNoop
		}
		projected := a.Balance.Sub(txn.Amount)
		if projected.Add(allowance).LessThan(a.MinBalance()) {
			return errno.Wrapf(errno.ErrInsufficientFunds, "account %s balance %s, debit %s", a.ID, a.Balance, txn.Amount)
		}

		oldBalance, oldBacked := a.CoveredBalance(), a.CreditBackedAmount
		a.Balance = projected
		if a.Outgoing == nil {
			a.Outgoing = make(map[string]time.Time)
		}
		a.Outgoing[txn.ID] = txn.SysSettleAfter
		if applyCreditThreshold(a, oldBalance, oldBacked, s.now(), s.cfg.PaymentDuePeriod) {
			p := a.Credit.Payoffs
			payoffs = &p
		}
		return nil
	})
	return payoffs, err
}

// stageDeposit records the pending credit on every destination that may
// not hold stored value, refusing deposits that would leave it positive. An
// instant transfer is recorded as coverage for the contract it funds.
func (s *Service) stageDeposit(ctx context.Context, txn *model.Transaction) error {
	if txn.Purpose == model.PurposeInstantTransfer {
		return s.forEachDestination(ctx, txn, false, func(a *model.Account, amount money.Money) error {
			if a.Credit.InstantIncoming[txn.ID] {
				return repository.ErrNoop
			}
			a.Credit.Instant = a.Credit.Instant.Add(amount)
			if a.Credit.InstantIncoming == nil {
				a.Credit.InstantIncoming = make(map[string]bool)
			}
			a.Credit.InstantIncoming[txn.ID] = true
			return nil
		})
	}
	if txn.Purpose != model.PurposeNone {
		return nil
	}
	return s.forEachDestination(ctx, txn, false, func(a *model.Account, amount money.Money) error {
		if a.SysAllowStoredValue || a.Credit.Incoming[txn.ID] {
			return repository.ErrNoop
		}
		if a.Credit.Snapshot.Add(a.Credit.Pending).Add(amount).IsPositive() {
			return errno.Wrapf(errno.ErrStoredValueProhibited, "account %s cannot hold %s", a.ID, amount)
		}
		a.Credit.Pending = a.Credit.Pending.Add(amount)
		if a.Credit.Incoming == nil {
			a.Credit.Incoming = make(map[string]bool)
		}
		a.Credit.Incoming[txn.ID] = true
		return nil
	})
}

// forEachDestination runs fn on every ledger destination of txn under a
// conditional write. With skipMissing, destinations that do not exist are
// passed over.
func (s *Service) forEachDestination(ctx context.Context, txn *model.Transaction, skipMissing bool, fn func(a *model.Account, amount money.Money) error) error {
	for _, dest := range txn.LedgerDestinations() {
		amount := txn.AmountTo(dest)
		_, err := s.mutateAccount(ctx, dest, func(a *model.Account) error { return fn(a, amount) })
		if err != nil && !(skipMissing && isAccountNotFound(err)) {
			return err
		}
	}
	return nil
}

func (s *Service) chargeDeposit(ctx context.Context, txn *model.Transaction) error {
	gw, err := s.gateways.ForTransaction(txn)
	if err != nil {
		return err
	}
	if txn.Purpose == model.PurposeInstantTransfer {
		_, err = gw.HoldDepositFunds(ctx, txn)
	} else {
		_, err = gw.ChargeDepositSource(ctx, txn)
	}
	if err != nil {
		s.log.Warn("deposit charge failed", zap.String("txn", txn.ID), zap.String("token", gateway.MaskToken(txn.PaymentToken)), zap.Error(err))
		return gatewayErr(err)
	}
	return nil
}

func (s *Service) payoutWithdrawal(ctx context.Context, txn *model.Transaction) error {
	gw, err := s.gateways.ForTransaction(txn)
	if err != nil {
		return err
	}
	if _, err := gw.CreditWithdrawalDestination(ctx, txn, txn.ExternalAmount()); err != nil {
		s.log.Warn("withdrawal payout failed", zap.String("txn", txn.ID), zap.String("token", gateway.MaskToken(txn.PaymentToken)), zap.Error(err))
		return gatewayErr(err)
	}
	return nil
}

// gatewayErr keeps processor details out of the public message.
func gatewayErr(err error) error {
	if errno.KindOf(err) == errno.KindGateway {
		return err
	}
	return errno.Wrap(errno.ErrGatewayDeclined, err)
}

func (s *Service) scheduleSettle(ctx context.Context, txn *model.Transaction) {
	if err := s.trigger.SettleAt(ctx, txn.ID, txn.SysSettleAfter); err != nil {
		s.log.Warn("settle trigger not delivered, polling will pick it up", zap.String("txn", txn.ID), zap.Error(err))
	}
}

// voidQuietly voids id, falling back to the void-needed trigger.
func (s *Service) voidQuietly(ctx context.Context, id, reason string) {
	if _, err := s.Void(ctx, id, reason); err != nil {
		s.log.Error("void failed", zap.String("txn", id), zap.String("reason", reason), zap.Error(err))
		if terr := s.trigger.VoidNeeded(ctx, id, reason); terr != nil {
			s.log.Error("void trigger not delivered", zap.String("txn", id), zap.Error(terr))
		}
	}
}
