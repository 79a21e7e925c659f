package event

import (
	"context"
	"time"

	"ledger-core/internal/model"
)

// Topic 账本事件统一投递到该主题, 以交易或账户 ID 作为分区键
const Topic = "ledger_events"

// Type names a ledger event.
type Type string

const (
	TypeSettleNeeded    Type = "settle-needed"
	TypeVoidNeeded      Type = "void-needed"
	TypeSettled         Type = "txn.settled"
	TypeVoided          Type = "txn.voided"
	TypeSettleDeferred  Type = "settle.deferred"
	TypePayoffFailed    Type = "payoff.failed"
	TypeStatusCritical  Type = "status.critical"
	TypeProcessingError Type = "worker.error"
)

// Event is the payload published for every ledger occurrence. Transactions
// carrying a payment token are always blinded before they get here.
type Event struct {
	Type          Type               `json:"type"`
	TransactionID string             `json:"transaction_id,omitempty"`
	AccountID     string             `json:"account_id,omitempty"`
	State         model.State        `json:"state,omitempty"`
	Amount        string             `json:"amount,omitempty"` // Decimal string
	Reason        string             `json:"reason,omitempty"`
	Algorithm     string             `json:"algorithm,omitempty"`
	Transaction   *model.Transaction `json:"transaction,omitempty"`
	At            time.Time          `json:"at"`
}

// Key returns the partition key of e.
func (e Event) Key() string {
	if e.TransactionID != "" {
		return e.TransactionID
	}
	return e.AccountID
}

// Emitter publishes ledger events. Delivery is at-least-once; consumers
// must be idempotent.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }
