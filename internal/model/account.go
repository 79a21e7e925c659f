package model

import (
	"maps"
	"time"

	"ledger-core/pkg/money"
)

// AccountCredit 信用额度的结算快照与还款计数
type AccountCredit struct {
	Snapshot         money.Money     `gorm:"type:numeric;not null;default:0" json:"snapshot"` // 已结算余额
	Pending          money.Money     `gorm:"type:numeric;not null;default:0" json:"pending"`  // 已授权未结算的充值
	Incoming         map[string]bool `gorm:"type:jsonb;serializer:json" json:"incoming,omitempty"`
	Instant          money.Money     `gorm:"type:numeric;not null;default:0" json:"instant"` // 在途的即时转账充值
	InstantIncoming  map[string]bool `gorm:"type:jsonb;serializer:json" json:"instant_incoming,omitempty"`
	Payoffs          int64           `gorm:"not null;default:0" json:"payoffs"` // 无担保额度还清次数
	LastPayoffFailed *time.Time      `json:"last_payoff_failed,omitempty"`
	LastPayoffError  string          `gorm:"type:text" json:"last_payoff_error,omitempty"`
}

// Account 账户表
// 核心设计: UpdateID 为乐观锁版本号, 每次成功写入 +1
type Account struct {
	ID                      string               `gorm:"type:varchar(255);primaryKey" json:"id"`
	Owner                   string               `gorm:"type:varchar(255);not null;index" json:"owner"`
	Balance                 money.Money          `gorm:"type:numeric;not null;default:0" json:"balance"`
	CreditLimit             money.Money          `gorm:"type:numeric;not null;default:0" json:"credit_limit"`
	CreditBackedAmount      money.Money          `gorm:"type:numeric;not null;default:0" json:"credit_backed_amount"`
	SysCreditDisabled       bool                 `gorm:"not null;default:false" json:"sys_credit_disabled"`
	BackupSource            []string             `gorm:"type:jsonb;serializer:json" json:"backup_source,omitempty"` // 有序的备用支付 token
	Credit                  AccountCredit        `gorm:"embedded;embeddedPrefix:credit_" json:"credit"`
	CreditPaymentDue        *time.Time           `gorm:"index" json:"credit_payment_due,omitempty"`
	Outgoing                map[string]time.Time `gorm:"type:jsonb;serializer:json" json:"outgoing,omitempty"` // txn -> sysSettleAfter
	Incoming                map[string]int64     `gorm:"type:jsonb;serializer:json" json:"incoming,omitempty"` // txn -> settleId
	SysAllowStoredValue     bool                 `gorm:"not null;default:false" json:"sys_allow_stored_value"`
	SysAllowInstantTransfer bool                 `gorm:"not null;default:false" json:"sys_allow_instant_transfer"`
	SysMinInstantTransfer   money.Money          `gorm:"type:numeric;not null;default:0" json:"sys_min_instant_transfer"`
	Workers                 LeaseSet             `gorm:"type:jsonb;serializer:json" json:"workers,omitempty"`
	LeaseCount              int                  `gorm:"not null;default:0" json:"-"`
	LeaseOldest             *time.Time           `json:"-"`
	UpdateID                int64                `gorm:"not null;default:0" json:"update_id"`
	CreatedAt               time.Time            `json:"created_at"`
	UpdatedAt               time.Time            `json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

// CreditEnabled reports whether the account may go negative.
func (a *Account) CreditEnabled() bool {
	return !a.SysCreditDisabled && a.CreditLimit.IsPositive()
}

// MinBalance is the lowest balance an authorization may leave behind.
func (a *Account) MinBalance() money.Money {
	if a.CreditEnabled() {
		return a.CreditLimit.Neg()
	}
	return money.Zero()
}

// UnbackedThreshold is the balance below which unbacked credit is in use.
func (a *Account) UnbackedThreshold() money.Money {
	return a.CreditBackedAmount.Neg()
}

// CoveredBalance counts instant-transfer deposits already held for the
// account. The unbacked-credit threshold is judged on it.
func (a *Account) CoveredBalance() money.Money {
	return a.Balance.Add(a.Credit.Instant)
}

// SyncLeaseColumns refreshes the query columns mirrored from Workers.
func (a *Account) SyncLeaseColumns() {
	a.LeaseCount, a.LeaseOldest = leaseColumns(a.Workers)
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	c.BackupSource = append([]string(nil), a.BackupSource...)
	c.Credit.Incoming = maps.Clone(a.Credit.Incoming)
	c.Credit.InstantIncoming = maps.Clone(a.Credit.InstantIncoming)
	c.Credit.LastPayoffFailed = cloneTime(a.Credit.LastPayoffFailed)
	c.CreditPaymentDue = cloneTime(a.CreditPaymentDue)
	c.Outgoing = maps.Clone(a.Outgoing)
	c.Incoming = maps.Clone(a.Incoming)
	c.Workers = append(LeaseSet(nil), a.Workers...)
	c.LeaseOldest = cloneTime(a.LeaseOldest)
	return &c
}
