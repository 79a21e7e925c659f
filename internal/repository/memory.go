package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"ledger-core/internal/model"
)

// MemoryStore keeps records in process memory. It honours the same version
// checks as GormStore and is used by tests and the CLI dry-run mode.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	accounts map[string]*model.Account
	txns     map[string]*model.Transaction
	ids      map[string]*model.Identity
	contacts map[string]string // email -> account
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:      now,
		accounts: make(map[string]*model.Account),
		txns:     make(map[string]*model.Transaction),
		ids:      make(map[string]*model.Identity),
		contacts: make(map[string]string),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return ErrDuplicate
	}
	a.SyncLeaseColumns()
	a.CreatedAt = s.now()
	a.UpdatedAt = a.CreatedAt
	s.accounts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) UpdateAccount(_ context.Context, next *model.Account, expect int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[next.ID]
	if !ok || cur.UpdateID != expect {
		return ErrConflict
	}
	next.UpdateID = expect + 1
	next.UpdatedAt = s.now()
	next.SyncLeaseColumns()
	s.accounts[next.ID] = next.Clone()
	return nil
}

func (s *MemoryStore) FindAccounts(_ context.Context, f AccountFilter) ([]*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Account
	for _, a := range s.accounts {
		if f.ID != "" && a.ID != f.ID {
			continue
		}
		if f.PaymentDueBefore != nil && (a.CreditPaymentDue == nil || a.CreditPaymentDue.After(*f.PaymentDueBefore)) {
			continue
		}
		if f.PayoffFailedBefore != nil && a.Credit.LastPayoffFailed != nil && !a.Credit.LastPayoffFailed.Before(*f.PayoffFailedBefore) {
			continue
		}
		if f.NoLease && a.LeaseCount != 0 {
			continue
		}
		if f.LeaseStartedBefore != nil && (a.LeaseCount == 0 || !a.LeaseOldest.Before(*f.LeaseStartedBefore)) {
			continue
		}
		out = append(out, a.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].CreditPaymentDue, out[j].CreditPaymentDue
		if di != nil && dj != nil && !di.Equal(*dj) {
			return di.Before(*dj)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, f.Limit), nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txns[t.ID]; ok {
		return ErrDuplicate
	}
	t.SyncLeaseColumns()
	t.UpdatedAt = s.now()
	s.txns[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTransaction(_ context.Context, next *model.Transaction, expect int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.txns[next.ID]
	if !ok || cur.Revision != expect {
		return ErrConflict
	}
	next.Revision = expect + 1
	next.UpdatedAt = s.now()
	next.SyncLeaseColumns()
	s.txns[next.ID] = next.Clone()
	return nil
}

func (s *MemoryStore) FindTransactions(_ context.Context, f TransactionFilter) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Transaction
	for _, t := range s.txns {
		if f.ID != "" && t.ID != f.ID {
			continue
		}
		if len(f.States) > 0 && !slices.Contains(f.States, t.State) {
			continue
		}
		if f.SettleBefore != nil && t.SysSettleAfter.After(*f.SettleBefore) {
			continue
		}
		if f.UpdatedBefore != nil && !t.UpdatedAt.Before(*f.UpdatedBefore) {
			continue
		}
		if f.NoLease && t.LeaseCount != 0 {
			continue
		}
		if f.LeaseStartedBefore != nil && (t.LeaseCount == 0 || !t.LeaseOldest.Before(*f.LeaseStartedBefore)) {
			continue
		}
		if f.ReferenceID != "" && t.ReferenceID != f.ReferenceID {
			continue
		}
		if f.Source != "" && t.Source != f.Source {
			continue
		}
		out = append(out, t.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SysSettleAfter.Equal(out[j].SysSettleAfter) {
			return out[i].SysSettleAfter.Before(out[j].SysSettleAfter)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, f.Limit), nil
}

func (s *MemoryStore) CreateIdentity(_ context.Context, i *model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[i.ID]; ok {
		return ErrDuplicate
	}
	c := *i
	s.ids[i.ID] = &c
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, id string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.ids[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *i
	return &c, nil
}

func (s *MemoryStore) ClaimCreditContact(_ context.Context, email, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.contacts[email]; ok {
		if holder == accountID {
			return nil
		}
		return ErrDuplicate
	}
	s.releaseLocked(accountID)
	s.contacts[email] = accountID
	return nil
}

func (s *MemoryStore) ReleaseCreditContact(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(accountID)
	return nil
}

func (s *MemoryStore) releaseLocked(accountID string) {
	for email, holder := range s.contacts {
		if holder == accountID {
			delete(s.contacts, email)
		}
	}
}

func limit[T any](in []T, n int) []T {
	if n > 0 && len(in) > n {
		return in[:n]
	}
	return in
}
