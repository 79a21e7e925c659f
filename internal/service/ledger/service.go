// Package ledger implements the authorization, settlement and void engines
// and the credit-line manager. Every engine is a sequence of conditional
// writes against the store; no lock is held and no write is in flight while
// a payment gateway is called.
package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ledger-core/internal/event"
	"ledger-core/internal/gateway"
	"ledger-core/internal/model"
	"ledger-core/internal/repository"
	"ledger-core/pkg/config"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/logger"
)

// Config holds the engine policy.
type Config struct {
	// SystemAccountID is the actor recorded on deposits the ledger starts on
	// its own (instant transfers, credit payoffs).
	SystemAccountID    string
	CreditPayoffDelay  time.Duration
	PaymentDuePeriod   time.Duration
	TriggerDelay       time.Duration
	StatusCheckBackoff time.Duration
	MaxStatusChecks    int
	PayoffRetryDelay   time.Duration
}

// ConfigFrom maps the ledger section of the process configuration.
func ConfigFrom(c config.LedgerConfig) Config {
	return Config{
		SystemAccountID:    c.SystemAccountID,
		CreditPayoffDelay:  c.CreditPayoffDelay,
		PaymentDuePeriod:   c.PaymentDuePeriod,
		TriggerDelay:       c.TriggerDelay,
		StatusCheckBackoff: c.StatusCheckBackoff,
		MaxStatusChecks:    c.MaxStatusChecks,
		PayoffRetryDelay:   c.PayoffRetryDelay,
	}
}

// Trigger delivers the settle-needed and void-needed signals to the worker
// pool. Delivery is at-least-once.
type Trigger interface {
	SettleAt(ctx context.Context, txnID string, at time.Time) error
	VoidNeeded(ctx context.Context, txnID string, reason string) error
}

// Owners is the identity collaborator.
type Owners interface {
	ResolveOwners(ctx context.Context, accountIDs []string) (map[string]string, error)
	VerifiedEmail(ctx context.Context, identityID string) (string, error)
}

// NopTrigger drops every signal; the scheduler's polling still finds the work.
type NopTrigger struct{}

func (NopTrigger) SettleAt(context.Context, string, time.Time) error { return nil }
func (NopTrigger) VoidNeeded(context.Context, string, string) error  { return nil }

// Service is the ledger core.
type Service struct {
	store    repository.Store
	gateways *gateway.Registry
	owners   Owners
	events   event.Emitter
	trigger  Trigger
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithEmitter(e event.Emitter) Option {
	return func(s *Service) { s.events = e }
}

func WithTrigger(t Trigger) Option {
	return func(s *Service) { s.trigger = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(store repository.Store, gateways *gateway.Registry, owners Owners, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    store,
		gateways: gateways,
		owners:   owners,
		events:   event.Nop{},
		trigger:  NopTrigger{},
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the engine policy.
func (s *Service) Config() Config { return s.cfg }

// Transaction returns the current record of a transaction.
func (s *Service) Transaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.getTransaction(ctx, id)
}

// Account returns the current record of an account.
func (s *Service) Account(ctx context.Context, id string) (*model.Account, error) {
	return s.getAccount(ctx, id)
}

func (s *Service) getTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errno.Wrapf(errno.ErrTransactionNotFound, "transaction %s", id)
	}
	return txn, err
}

func (s *Service) getAccount(ctx context.Context, id string) (*model.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errno.Wrapf(errno.ErrAccountNotFound, "account %s", id)
	}
	return acct, err
}

// mutateAccount wraps repository.MutateAccount, mapping a vanished record.
func (s *Service) mutateAccount(ctx context.Context, id string, fn func(a *model.Account) error) (*model.Account, error) {
	acct, err := repository.MutateAccount(ctx, s.store, id, fn)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errno.Wrapf(errno.ErrAccountNotFound, "account %s", id)
	}
	return acct, err
}

func (s *Service) mutateTransaction(ctx context.Context, id string, fn func(t *model.Transaction) error) (*model.Transaction, error) {
	txn, err := repository.MutateTransaction(ctx, s.store, id, fn)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errno.Wrapf(errno.ErrTransactionNotFound, "transaction %s", id)
	}
	return txn, err
}

// emit publishes e; failures are logged and never fail the caller.
func (s *Service) emit(ctx context.Context, e event.Event) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if e.Transaction != nil {
		e.Transaction = s.gateways.BlindView(e.Transaction)
	}
	if err := s.events.Emit(ctx, e); err != nil {
		s.log.Error("emit event failed", zap.String("type", string(e.Type)), zap.String("key", e.Key()), zap.Error(err))
	}
}

func (s *Service) txnFields(txn *model.Transaction) []zap.Field {
	return []zap.Field{
		zap.String("txn", txn.ID),
		zap.String("type", string(txn.Type)),
		zap.String("state", string(txn.State)),
		zap.Int64("settle_id", txn.SettleID),
	}
}
