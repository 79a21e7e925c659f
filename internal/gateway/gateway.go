// Package gateway defines the boundary between the ledger and external
// payment processors.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ledger-core/internal/model"
	"ledger-core/pkg/money"
)

// Status is the processor-side state of a deposit or withdrawal.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusVoided  Status = "voided"
	StatusError   Status = "error"
)

// StatusResult is returned by GetTransactionStatus.
type StatusResult struct {
	Status Status
	// SettleAfterIncrement overrides the default backoff when non-zero.
	SettleAfterIncrement time.Duration
	Reason               string
}

// Result describes a completed charge, hold or payout.
type Result struct {
	Reference string
	Amount    money.Money
}

// Gateway is implemented once per payment processor. Blocking calls take a
// context; implementations translate processor failures into errno gateway
// errors instead of panicking.
type Gateway interface {
	Name() string

	ChargeDepositSource(ctx context.Context, deposit *model.Transaction) (*Result, error)
	// HoldDepositFunds authorizes without capturing. Used for instant transfers.
	HoldDepositFunds(ctx context.Context, deposit *model.Transaction) (*Result, error)
	CreditWithdrawalDestination(ctx context.Context, withdrawal *model.Transaction, amount money.Money) (*Result, error)
	GetTransactionStatus(ctx context.Context, txn *model.Transaction) (StatusResult, error)

	AddDepositPayees(ctx context.Context, deposit *model.Transaction) (*model.Transaction, error)
	AddWithdrawalPayees(ctx context.Context, withdrawal *model.Transaction) (*model.Transaction, error)
	AdjustDepositPrecision(deposit *model.Transaction) *model.Transaction
	AdjustWithdrawalPrecision(withdrawal *model.Transaction) *model.Transaction

	// BlindDeposit and BlindWithdrawal return copies safe to log or publish.
	BlindDeposit(deposit *model.Transaction) *model.Transaction
	BlindWithdrawal(withdrawal *model.Transaction) *model.Transaction
}

// Token is a payment token of the form "<gateway>:<id>".
type Token struct {
	Gateway string
	ID      string
}

func (t Token) String() string { return t.Gateway + ":" + t.ID }

// ParseToken splits a payment token id.
func ParseToken(s string) (Token, error) {
	name, id, ok := strings.Cut(s, ":")
	if !ok || name == "" || id == "" {
		return Token{}, fmt.Errorf("gateway: malformed payment token %q", s)
	}
	return Token{Gateway: name, ID: id}, nil
}

// MaskToken hides all but the last four characters of a token id.
func MaskToken(s string) string {
	tok, err := ParseToken(s)
	if err != nil {
		return "****"
	}
	id := tok.ID
	if len(id) > 4 {
		id = id[len(id)-4:]
	}
	return tok.Gateway + ":****" + id
}

// Blind masks the payment token wherever it appears in txn.
func Blind(txn *model.Transaction) *model.Transaction {
	if txn == nil {
		return nil
	}
	out := txn.Clone()
	token := txn.PaymentToken
	if token == "" {
		return out
	}
	masked := MaskToken(token)
	out.PaymentToken = masked
	if out.Source == token {
		out.Source = masked
	}
	for i := range out.Transfers {
		if out.Transfers[i].Source == token {
			out.Transfers[i].Source = masked
		}
		if out.Transfers[i].Destination == token {
			out.Transfers[i].Destination = masked
		}
	}
	return out
}

// RoundTransfers re-rounds every transfer to the external precision and
// recomputes the transaction amount.
func RoundTransfers(txn *model.Transaction, mode money.RoundMode) *model.Transaction {
	out := txn.Clone()
	total := money.Zero().WithPrecision(money.ExternalPrecision, mode)
	for i := range out.Transfers {
		out.Transfers[i].Amount = out.Transfers[i].Amount.WithPrecision(money.ExternalPrecision, mode)
		total = total.Add(out.Transfers[i].Amount)
	}
	out.Amount = total
	return out
}
