package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"ledger-core/internal/model"
)

// GormStore is the PostgreSQL implementation of Store. Conditional writes
// are single UPDATE statements guarded by the version column; zero affected
// rows means another writer got there first.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) CreateAccount(ctx context.Context, a *model.Account) error {
	a.SyncLeaseColumns()
	return translate(s.db.WithContext(ctx).Create(a).Error)
}

func (s *GormStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (s *GormStore) UpdateAccount(ctx context.Context, next *model.Account, expect int64) error {
	next.UpdateID = expect + 1
	next.UpdatedAt = time.Now().UTC()
	next.SyncLeaseColumns()

	res := s.db.WithContext(ctx).Model(next).
		Where("update_id = ?", expect).
		Select("*").
		Updates(next)
	return ensureRowsAffected(res)
}

func (s *GormStore) FindAccounts(ctx context.Context, f AccountFilter) ([]*model.Account, error) {
	q := s.db.WithContext(ctx).Model(&model.Account{})
	if f.ID != "" {
		q = q.Where("id = ?", f.ID)
	}
	if f.PaymentDueBefore != nil {
		q = q.Where("credit_payment_due IS NOT NULL AND credit_payment_due <= ?", *f.PaymentDueBefore)
	}
	if f.PayoffFailedBefore != nil {
		q = q.Where("(credit_last_payoff_failed IS NULL OR credit_last_payoff_failed < ?)", *f.PayoffFailedBefore)
	}
	if f.NoLease {
		q = q.Where("lease_count = 0")
	}
	if f.LeaseStartedBefore != nil {
		q = q.Where("lease_count > 0 AND lease_oldest < ?", *f.LeaseStartedBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []*model.Account
	if err := q.Order("credit_payment_due ASC, id ASC").Find(&out).Error; err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

func (s *GormStore) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	t.SyncLeaseColumns()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	return translate(s.db.WithContext(ctx).Create(t).Error)
}

func (s *GormStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *GormStore) UpdateTransaction(ctx context.Context, next *model.Transaction, expect int64) error {
	next.Revision = expect + 1
	next.UpdatedAt = time.Now().UTC()
	next.SyncLeaseColumns()

	res := s.db.WithContext(ctx).Model(next).
		Where("revision = ?", expect).
		Select("*").
		Updates(next)
	return ensureRowsAffected(res)
}

func (s *GormStore) FindTransactions(ctx context.Context, f TransactionFilter) ([]*model.Transaction, error) {
	q := s.db.WithContext(ctx).Model(&model.Transaction{})
	if f.ID != "" {
		q = q.Where("id = ?", f.ID)
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		q = q.Where("state IN ?", states)
	}
	if f.SettleBefore != nil {
		q = q.Where("sys_settle_after <= ?", *f.SettleBefore)
	}
	if f.UpdatedBefore != nil {
		q = q.Where("updated_at < ?", *f.UpdatedBefore)
	}
	if f.NoLease {
		q = q.Where("lease_count = 0")
	}
	if f.LeaseStartedBefore != nil {
		q = q.Where("lease_count > 0 AND lease_oldest < ?", *f.LeaseStartedBefore)
	}
	if f.ReferenceID != "" {
		q = q.Where("reference_id = ?", f.ReferenceID)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []*model.Transaction
	if err := q.Order("sys_settle_after ASC, id ASC").Find(&out).Error; err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

func (s *GormStore) CreateIdentity(ctx context.Context, i *model.Identity) error {
	return translate(s.db.WithContext(ctx).Create(i).Error)
}

func (s *GormStore) GetIdentity(ctx context.Context, id string) (*model.Identity, error) {
	var i model.Identity
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&i).Error; err != nil {
		return nil, translate(err)
	}
	return &i, nil
}

func (s *GormStore) ClaimCreditContact(ctx context.Context, email, accountID string) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.CreditContact
		err := tx.Where("email = ?", email).First(&existing).Error
		switch {
		case err == nil && existing.AccountID == accountID:
			return nil
		case err == nil:
			return ErrDuplicate
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		// 账户换绑邮箱时释放旧记录
		if err := tx.Where("account_id = ?", accountID).Delete(&model.CreditContact{}).Error; err != nil {
			return err
		}
		return tx.Create(&model.CreditContact{Email: email, AccountID: accountID}).Error
	}))
}

func (s *GormStore) ReleaseCreditContact(ctx context.Context, accountID string) error {
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&model.CreditContact{}).Error
	return translate(err)
}

func ensureRowsAffected(res *gorm.DB) error {
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicate), errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	default:
		return storageErr(err)
	}
}
