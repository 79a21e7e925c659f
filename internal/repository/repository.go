package repository

import (
	"context"
	"errors"
	"time"

	"ledger-core/internal/model"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/monitor"
)

var (
	// ErrConflict is returned by conditional writes whose version token no
	// longer matches. Callers re-read and recompute; it never leaves the engine.
	ErrConflict = errors.New("repository: version conflict")
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicate reports a unique-key violation.
	ErrDuplicate = errors.New("repository: duplicate key")
	// ErrNoop tells RetryOnConflict that the record needs no write.
	ErrNoop = errors.New("repository: no change")
)

// AccountRepository persists accounts. UpdateAccount is the only mutation
// and succeeds only when the stored UpdateID equals expect.
type AccountRepository interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	UpdateAccount(ctx context.Context, next *model.Account, expect int64) error
	FindAccounts(ctx context.Context, f AccountFilter) ([]*model.Account, error)
}

// TransactionRepository persists transactions, conditioned on Revision.
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	UpdateTransaction(ctx context.Context, next *model.Transaction, expect int64) error
	FindTransactions(ctx context.Context, f TransactionFilter) ([]*model.Transaction, error)
}

// IdentityRepository resolves account owners and guards credit contacts.
type IdentityRepository interface {
	CreateIdentity(ctx context.Context, i *model.Identity) error
	GetIdentity(ctx context.Context, id string) (*model.Identity, error)
	// ClaimCreditContact binds email to accountID. It is idempotent for the
	// same pair and fails with ErrDuplicate when another account holds email.
	ClaimCreditContact(ctx context.Context, email, accountID string) error
	ReleaseCreditContact(ctx context.Context, accountID string) error
}

// Store is everything the ledger engines persist.
type Store interface {
	AccountRepository
	TransactionRepository
	IdentityRepository
}

// TransactionFilter selects transactions. Zero fields do not filter.
type TransactionFilter struct {
	ID                 string
	States             []model.State
	SettleBefore       *time.Time // sys_settle_after <= t
	UpdatedBefore      *time.Time // updated_at < t
	NoLease            bool
	LeaseStartedBefore *time.Time // oldest lease start < t
	ReferenceID        string
	Source             string
	Limit              int
}

// AccountFilter selects accounts. Zero fields do not filter.
type AccountFilter struct {
	ID                 string
	PaymentDueBefore   *time.Time // credit_payment_due <= t
	PayoffFailedBefore *time.Time // last payoff never failed, or failed before t
	NoLease            bool
	LeaseStartedBefore *time.Time
	Limit              int
}

// DuplicateQuery identifies the live transaction a client request would
// duplicate.
type DuplicateQuery struct {
	ReferenceID string
	Source      string
}

// Validate rejects queries that would match unrelated transactions.
func (q DuplicateQuery) Validate() error {
	if q.ReferenceID == "" {
		return errno.Wrapf(errno.ErrMalformedQuery, "duplicate query requires a reference id")
	}
	return nil
}

// Filter converts q into a lookup over transactions that are still live.
func (q DuplicateQuery) Filter() TransactionFilter {
	return TransactionFilter{
		ReferenceID: q.ReferenceID,
		Source:      q.Source,
		States: []model.State{
			model.StatePending, model.StateAuthorized, model.StateProcessing,
			model.StateSettling, model.StateSettled,
		},
		Limit: 1,
	}
}

// RetryOnConflict runs read → mutate → write until the write is not
// rejected with ErrConflict. mutate returning ErrNoop ends the loop with the
// current record. The loop is unbounded; only ctx stops it.
func RetryOnConflict[T any](
	ctx context.Context,
	read func(ctx context.Context) (T, error),
	mutate func(cur T) (T, error),
	write func(ctx context.Context, cur, next T) error,
) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		cur, err := read(ctx)
		if err != nil {
			return zero, err
		}
		next, err := mutate(cur)
		if errors.Is(err, ErrNoop) {
			return cur, nil
		}
		if err != nil {
			return zero, err
		}
		err = write(ctx, cur, next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return zero, err
		}
		return next, nil
	}
}

// MutateAccount applies fn to a fresh copy of the account and writes it
// conditioned on the UpdateID that was read.
func MutateAccount(ctx context.Context, repo AccountRepository, id string, fn func(a *model.Account) error) (*model.Account, error) {
	return RetryOnConflict(ctx,
		func(ctx context.Context) (*model.Account, error) {
			return repo.GetAccount(ctx, id)
		},
		func(cur *model.Account) (*model.Account, error) {
			next := cur.Clone()
			if err := fn(next); err != nil {
				return nil, err
			}
			return next, nil
		},
		func(ctx context.Context, cur, next *model.Account) error {
			return countConflict("account", repo.UpdateAccount(ctx, next, cur.UpdateID))
		},
	)
}

// MutateTransaction applies fn to a fresh copy of the transaction and writes
// it conditioned on the Revision that was read.
func MutateTransaction(ctx context.Context, repo TransactionRepository, id string, fn func(t *model.Transaction) error) (*model.Transaction, error) {
	return RetryOnConflict(ctx,
		func(ctx context.Context) (*model.Transaction, error) {
			return repo.GetTransaction(ctx, id)
		},
		func(cur *model.Transaction) (*model.Transaction, error) {
			next := cur.Clone()
			if err := fn(next); err != nil {
				return nil, err
			}
			return next, nil
		},
		func(ctx context.Context, cur, next *model.Transaction) error {
			return countConflict("transaction", repo.UpdateTransaction(ctx, next, cur.Revision))
		},
	)
}

func countConflict(record string, err error) error {
	if errors.Is(err, ErrConflict) {
		monitor.CASConflicts.WithLabelValues(record).Inc()
	}
	return err
}

func storageErr(err error) error {
	return errno.Wrap(errno.ErrDatabase, err)
}
