package gateway

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"ledger-core/internal/model"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/money"
)

// SimulatedName is the gateway name of the in-process processor.
const SimulatedName = "simulated"

// SimulatedConfig configures Simulated.
type SimulatedConfig struct {
	// FeeAccountID receives the processing fee; empty disables fees.
	FeeAccountID string
	FeeRate      money.Money
	// DeclineTokens are payment tokens whose charges and payouts fail.
	DeclineTokens []string
}

// Simulated is an in-process gateway used when no real processor is wired
// (模拟模式). Every call succeeds unless the token is on the decline list, and
// statuses default to settled.
type Simulated struct {
	cfg SimulatedConfig

	mu       sync.Mutex
	statuses map[string]StatusResult
	charges  map[string]money.Money
	payouts  map[string]money.Money
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	return &Simulated{
		cfg:      cfg,
		statuses: make(map[string]StatusResult),
		charges:  make(map[string]money.Money),
		payouts:  make(map[string]money.Money),
	}
}

func (s *Simulated) Name() string { return SimulatedName }

// SetStatus fixes the status reported for a transaction.
func (s *Simulated) SetStatus(txnID string, st StatusResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[txnID] = st
}

// Decline adds token to the decline list.
func (s *Simulated) Decline(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.DeclineTokens = append(s.cfg.DeclineTokens, token)
}

// Charged returns the amount captured or held for a deposit.
func (s *Simulated) Charged(txnID string) (money.Money, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.charges[txnID]
	return m, ok
}

// PaidOut returns the amount sent out for a withdrawal.
func (s *Simulated) PaidOut(txnID string) (money.Money, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.payouts[txnID]
	return m, ok
}

func (s *Simulated) declined(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.cfg.DeclineTokens, token)
}

func (s *Simulated) ChargeDepositSource(ctx context.Context, deposit *model.Transaction) (*Result, error) {
	return s.capture(ctx, deposit)
}

func (s *Simulated) HoldDepositFunds(ctx context.Context, deposit *model.Transaction) (*Result, error) {
	return s.capture(ctx, deposit)
}

func (s *Simulated) capture(ctx context.Context, deposit *model.Transaction) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errno.Wrap(errno.ErrGatewayUnavailable, err)
	}
	if s.declined(deposit.PaymentToken) {
		return nil, errno.Wrapf(errno.ErrGatewayDeclined, "token %s declined", MaskToken(deposit.PaymentToken))
	}
	s.mu.Lock()
	s.charges[deposit.ID] = deposit.Amount
	s.mu.Unlock()
	return &Result{Reference: uuid.NewString(), Amount: deposit.Amount}, nil
}

func (s *Simulated) CreditWithdrawalDestination(ctx context.Context, withdrawal *model.Transaction, amount money.Money) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errno.Wrap(errno.ErrGatewayUnavailable, err)
	}
	if s.declined(withdrawal.PaymentToken) {
		return nil, errno.Wrapf(errno.ErrGatewayDeclined, "token %s declined", MaskToken(withdrawal.PaymentToken))
	}
	s.mu.Lock()
	s.payouts[withdrawal.ID] = amount
	s.mu.Unlock()
	return &Result{Reference: uuid.NewString(), Amount: amount}, nil
}

func (s *Simulated) GetTransactionStatus(ctx context.Context, txn *model.Transaction) (StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return StatusResult{Status: StatusError}, errno.Wrap(errno.ErrGatewayUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[txn.ID]; ok {
		return st, nil
	}
	return StatusResult{Status: StatusSettled}, nil
}

// AddDepositPayees charges the fee on top of the deposit.
func (s *Simulated) AddDepositPayees(_ context.Context, deposit *model.Transaction) (*model.Transaction, error) {
	out := deposit.Clone()
	fee := s.fee(deposit.Amount, money.RoundUp)
	if fee.IsZero() {
		return out, nil
	}
	out.Transfers = append(out.Transfers, model.Transfer{
		Source:      deposit.Source,
		Destination: s.cfg.FeeAccountID,
		Amount:      fee,
	})
	out.Amount = deposit.Amount.Add(fee)
	return out, nil
}

// AddWithdrawalPayees deducts the fee from the external leg.
func (s *Simulated) AddWithdrawalPayees(_ context.Context, withdrawal *model.Transaction) (*model.Transaction, error) {
	out := withdrawal.Clone()
	external := withdrawal.ExternalAmount()
	fee := s.fee(external, money.RoundUp)
	if fee.IsZero() {
		return out, nil
	}
	if !fee.LessThan(external) {
		return nil, errno.Wrapf(errno.ErrInvalidTransaction, "withdrawal %s does not cover the fee", external)
	}
	for i := range out.Transfers {
		if out.Transfers[i].External {
			out.Transfers[i].Amount = out.Transfers[i].Amount.Sub(fee)
			break
		}
	}
	out.Transfers = append(out.Transfers, model.Transfer{
		Source:      withdrawal.Source,
		Destination: s.cfg.FeeAccountID,
		Amount:      fee,
	})
	return out, nil
}

func (s *Simulated) fee(amount money.Money, mode money.RoundMode) money.Money {
	if s.cfg.FeeAccountID == "" || !s.cfg.FeeRate.IsPositive() {
		return money.Zero()
	}
	return amount.WithPrecision(money.ExternalPrecision, mode).Mul(s.cfg.FeeRate)
}

func (s *Simulated) AdjustDepositPrecision(deposit *model.Transaction) *model.Transaction {
	return RoundTransfers(deposit, money.RoundUp)
}

func (s *Simulated) AdjustWithdrawalPrecision(withdrawal *model.Transaction) *model.Transaction {
	return RoundTransfers(withdrawal, money.RoundDown)
}

func (s *Simulated) BlindDeposit(deposit *model.Transaction) *model.Transaction {
	return Blind(deposit)
}

func (s *Simulated) BlindWithdrawal(withdrawal *model.Transaction) *model.Transaction {
	return Blind(withdrawal)
}
