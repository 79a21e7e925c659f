package model

import (
	"fmt"
	"time"

	"ledger-core/pkg/money"
)

// TxnType is the closed set of transaction kinds.
type TxnType string

const (
	TypeContract   TxnType = "Contract"
	TypeDeposit    TxnType = "Deposit"
	TypeWithdrawal TxnType = "Withdrawal"
	TypeTransfer   TxnType = "Transfer"
)

// Valid reports whether t is one of the known kinds.
func (t TxnType) Valid() bool {
	switch t {
	case TypeContract, TypeDeposit, TypeWithdrawal, TypeTransfer:
		return true
	}
	return false
}

// ParseTxnType converts an external type name.
func ParseTxnType(s string) (TxnType, error) {
	t := TxnType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown transaction type %q", s)
	}
	return t, nil
}

// State is the settlement state of a transaction.
type State string

const (
	StatePending    State = "pending"
	StateAuthorized State = "authorized"
	StateProcessing State = "processing"
	StateSettling   State = "settling"
	StateSettled    State = "settled"
	StateVoiding    State = "voiding"
	StateVoided     State = "voided"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateVoided
}

// In reports whether s is one of states.
func (s State) In(states ...State) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

// Purpose marks system-generated deposits.
type Purpose string

const (
	PurposeNone            Purpose = ""
	PurposeInstantTransfer Purpose = "instant-transfer"
	PurposeCreditPayoff    Purpose = "credit-payoff"
)

// Transfer is one leg of a transaction.
type Transfer struct {
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
	Amount      money.Money `json:"amount"`
	External    bool        `json:"external,omitempty"` // 目的地为外部支付方式 (提现)
}

// Transaction 交易表
// 核心设计: 所有写操作都以 Revision 为条件 (CAS), 状态只能按状态机推进
type Transaction struct {
	ID               string      `gorm:"type:varchar(64);primaryKey" json:"id"`
	Type             TxnType     `gorm:"type:varchar(20);not null" json:"type"`
	Source           string      `gorm:"type:varchar(255);not null;index" json:"source"` // 账户 ID 或支付 token (充值)
	Transfers        []Transfer  `gorm:"type:jsonb;serializer:json;not null" json:"transfers"`
	Amount           money.Money `gorm:"type:numeric;not null" json:"amount"`
	ReferenceID      string      `gorm:"type:varchar(255);not null;index" json:"reference_id"`
	Gateway          string      `gorm:"type:varchar(64)" json:"gateway,omitempty"`
	PaymentToken     string      `gorm:"type:varchar(255)" json:"payment_token,omitempty"`
	Purpose          Purpose     `gorm:"type:varchar(32)" json:"purpose,omitempty"`
	Actor            string      `gorm:"type:varchar(255)" json:"actor,omitempty"` // 发起人身份, 系统发起时为 system account
	State            State       `gorm:"type:varchar(20);not null;index:idx_txn_state_settle" json:"state"`
	SysSettleAfter   time.Time   `gorm:"not null;index:idx_txn_state_settle" json:"sys_settle_after"`
	SettleID         int64       `gorm:"not null;default:0" json:"settle_id"`
	Workers          LeaseSet    `gorm:"type:jsonb;serializer:json" json:"workers,omitempty"`
	LeaseCount       int         `gorm:"not null;default:0;index" json:"-"` // Workers 的查询镜像
	LeaseOldest      *time.Time  `json:"-"`
	TriggeredBy      *string     `gorm:"type:varchar(64)" json:"triggered_by,omitempty"`
	Triggered        *string     `gorm:"type:varchar(64)" json:"triggered,omitempty"`
	SysCreditPayoffs *int64      `json:"sys_credit_payoffs,omitempty"`
	StatusChecks     int         `gorm:"not null;default:0" json:"status_checks"`
	VoidReason       string      `gorm:"type:text" json:"void_reason,omitempty"`
	Revision         int64       `gorm:"not null;default:0" json:"revision"` // 乐观锁版本号
	Created          time.Time   `gorm:"not null" json:"created"`
	Settled          *time.Time  `json:"settled,omitempty"`
	Voided           *time.Time  `json:"voided,omitempty"`
	UpdatedAt        time.Time   `gorm:"autoUpdateTime:false" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Destinations returns the unique destinations in transfer order.
func (t *Transaction) Destinations() []string {
	seen := make(map[string]bool, len(t.Transfers))
	out := make([]string, 0, len(t.Transfers))
	for _, tr := range t.Transfers {
		if seen[tr.Destination] {
			continue
		}
		seen[tr.Destination] = true
		out = append(out, tr.Destination)
	}
	return out
}

// LedgerDestinations returns the unique destinations that are ledger accounts.
func (t *Transaction) LedgerDestinations() []string {
	external := make(map[string]bool)
	for _, tr := range t.Transfers {
		if tr.External {
			external[tr.Destination] = true
		}
	}
	var out []string
	for _, d := range t.Destinations() {
		if !external[d] {
			out = append(out, d)
		}
	}
	return out
}

// AmountTo sums the transfers credited to destination.
func (t *Transaction) AmountTo(destination string) money.Money {
	total := money.Zero()
	for _, tr := range t.Transfers {
		if tr.Destination == destination {
			total = total.Add(tr.Amount)
		}
	}
	return total
}

// ExternalAmount sums the transfers leaving the ledger.
func (t *Transaction) ExternalAmount() money.Money {
	total := money.Zero()
	for _, tr := range t.Transfers {
		if tr.External {
			total = total.Add(tr.Amount)
		}
	}
	return total
}

// DebitsSource reports whether authorization debits a ledger account.
func (t *Transaction) DebitsSource() bool {
	return t.Type != TypeDeposit
}

// UsedUnbackedCredit reports whether authorization engaged unbacked credit.
func (t *Transaction) UsedUnbackedCredit() bool {
	return t.SysCreditPayoffs != nil
}

// SyncLeaseColumns refreshes the query columns mirrored from Workers.
func (t *Transaction) SyncLeaseColumns() {
	t.LeaseCount, t.LeaseOldest = leaseColumns(t.Workers)
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Transfers = append([]Transfer(nil), t.Transfers...)
	c.Workers = append(LeaseSet(nil), t.Workers...)
	c.LeaseOldest = cloneTime(t.LeaseOldest)
	c.Settled = cloneTime(t.Settled)
	c.Voided = cloneTime(t.Voided)
	if t.TriggeredBy != nil {
		v := *t.TriggeredBy
		c.TriggeredBy = &v
	}
	if t.Triggered != nil {
		v := *t.Triggered
		c.Triggered = &v
	}
	if t.SysCreditPayoffs != nil {
		v := *t.SysCreditPayoffs
		c.SysCreditPayoffs = &v
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
