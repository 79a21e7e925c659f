package model

import "time"

// Identity 账户所有人
type Identity struct {
	ID            string    `gorm:"type:varchar(255);primaryKey" json:"id"`
	Email         string    `gorm:"type:varchar(255);index" json:"email"`
	EmailVerified bool      `gorm:"not null;default:false" json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Identity) TableName() string {
	return "identities"
}

// CreditContact 一个邮箱只能担保一条无担保信用额度
type CreditContact struct {
	Email     string    `gorm:"type:varchar(255);primaryKey" json:"email"`
	AccountID string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (CreditContact) TableName() string {
	return "credit_contacts"
}
