package worker

import (
	"context"
	"errors"
	"time"

	"ledger-core/internal/model"
	"ledger-core/internal/repository"
	"ledger-core/pkg/monitor"
)

// Queue is one class of leasable records an algorithm works through.
// Every method is a single conditional write on one record.
type Queue interface {
	// Claim leases one eligible record that nobody holds. target restricts
	// the lookup to a single id; ids in skip are ignored. It returns "" when
	// nothing was claimed.
	Claim(ctx context.Context, lease model.Lease, target string, skip map[string]bool) (string, error)
	// ReclaimExpired overwrites the expired lease of one eligible record
	// whose oldest lease started before threshold.
	ReclaimExpired(ctx context.Context, lease model.Lease, threshold time.Time, skip map[string]bool) (string, error)
	// Release drops workerID's lease from the record.
	Release(ctx context.Context, id, workerID string) error
	// Process runs the engine on a leased record.
	Process(ctx context.Context, id string) error
}

// leaseQueue implements Queue for any record type carrying a LeaseSet.
type leaseQueue[T any] struct {
	name  string
	batch int
	now   func() time.Time

	// find lists candidates: unleased when expiredBefore is nil, otherwise
	// those whose oldest lease started before it.
	find     func(ctx context.Context, now time.Time, target string, expiredBefore *time.Time, limit int) ([]T, error)
	mutate   func(ctx context.Context, id string, fn func(T) error) (T, error)
	idOf     func(T) string
	leasesOf func(T) *model.LeaseSet
	eligible func(rec T, now time.Time) bool
	process  func(ctx context.Context, id string) error
}

func (q *leaseQueue[T]) Claim(ctx context.Context, lease model.Lease, target string, skip map[string]bool) (string, error) {
	now := q.now()
	candidates, err := q.find(ctx, now, target, nil, q.batch+len(skip))
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		id := q.idOf(c)
		if skip[id] {
			continue
		}
		ok, err := q.place(ctx, id, func(rec T, set *model.LeaseSet) bool {
			if set.Len() > 0 || !q.eligible(rec, now) {
				return false
			}
			next, ok := set.Add(lease)
			*set = next
			return ok
		})
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
	}
	return "", nil
}

func (q *leaseQueue[T]) ReclaimExpired(ctx context.Context, lease model.Lease, threshold time.Time, skip map[string]bool) (string, error) {
	now := q.now()
	candidates, err := q.find(ctx, now, "", &threshold, q.batch+len(skip))
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		id := q.idOf(c)
		if skip[id] {
			continue
		}
		ok, err := q.place(ctx, id, func(rec T, set *model.LeaseSet) bool {
			if !q.eligible(rec, now) {
				return false
			}
			next, ok := set.ReplaceExpired(lease, threshold)
			*set = next
			return ok
		})
		if err != nil {
			return "", err
		}
		if ok {
			monitor.LeaseReclaims.WithLabelValues(q.name).Inc()
			return id, nil
		}
	}
	return "", nil
}

func (q *leaseQueue[T]) Release(ctx context.Context, id, workerID string) error {
	_, err := q.mutate(ctx, id, func(rec T) error {
		set := q.leasesOf(rec)
		next, removed := set.Remove(workerID)
		if !removed {
			return repository.ErrNoop
		}
		*set = next
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (q *leaseQueue[T]) Process(ctx context.Context, id string) error {
	return q.process(ctx, id)
}

// place applies fn under a conditional write and reports whether it placed
// a lease. A record that vanished counts as not placed.
func (q *leaseQueue[T]) place(ctx context.Context, id string, fn func(rec T, set *model.LeaseSet) bool) (bool, error) {
	placed := false
	_, err := q.mutate(ctx, id, func(rec T) error {
		placed = fn(rec, q.leasesOf(rec))
		if !placed {
			return repository.ErrNoop
		}
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return placed, err
}

// NewTransactionQueue builds a queue over transactions in states whose
// eligibility is decided by eligible.
func NewTransactionQueue(
	name string,
	store repository.TransactionRepository,
	states []model.State,
	filter func(f *repository.TransactionFilter, now time.Time),
	eligible func(t *model.Transaction, now time.Time) bool,
	process func(ctx context.Context, id string) error,
	now func() time.Time,
	batch int,
) Queue {
	return &leaseQueue[*model.Transaction]{
		name:  name,
		batch: batch,
		now:   now,
		find: func(ctx context.Context, now time.Time, target string, expiredBefore *time.Time, limit int) ([]*model.Transaction, error) {
			f := repository.TransactionFilter{
				ID:                 target,
				States:             states,
				NoLease:            expiredBefore == nil,
				LeaseStartedBefore: expiredBefore,
				Limit:              limit,
			}
			filter(&f, now)
			return store.FindTransactions(ctx, f)
		},
		mutate: func(ctx context.Context, id string, fn func(*model.Transaction) error) (*model.Transaction, error) {
			return repository.MutateTransaction(ctx, store, id, fn)
		},
		idOf:     func(t *model.Transaction) string { return t.ID },
		leasesOf: func(t *model.Transaction) *model.LeaseSet { return &t.Workers },
		eligible: func(t *model.Transaction, now time.Time) bool {
			return t.State.In(states...) && eligible(t, now)
		},
		process: process,
	}
}

// NewAccountQueue builds a queue over accounts.
func NewAccountQueue(
	name string,
	store repository.AccountRepository,
	filter func(f *repository.AccountFilter, now time.Time),
	eligible func(a *model.Account, now time.Time) bool,
	process func(ctx context.Context, id string) error,
	now func() time.Time,
	batch int,
) Queue {
	return &leaseQueue[*model.Account]{
		name:  name,
		batch: batch,
		now:   now,
		find: func(ctx context.Context, now time.Time, target string, expiredBefore *time.Time, limit int) ([]*model.Account, error) {
			f := repository.AccountFilter{
				ID:                 target,
				NoLease:            expiredBefore == nil,
				LeaseStartedBefore: expiredBefore,
				Limit:              limit,
			}
			filter(&f, now)
			return store.FindAccounts(ctx, f)
		},
		mutate: func(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error) {
			return repository.MutateAccount(ctx, store, id, fn)
		},
		idOf:     func(a *model.Account) string { return a.ID },
		leasesOf: func(a *model.Account) *model.LeaseSet { return &a.Workers },
		eligible: eligible,
		process:  process,
	}
}
