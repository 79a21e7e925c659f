package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"ledger-core/internal/model"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/money"
)

// BreakerConfig tunes the per-gateway circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig trips after five consecutive processor failures.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Registry holds the gateways available to the engines. Every gateway it
// hands out is wrapped in a circuit breaker; declines do not count as
// failures.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	cfg      BreakerConfig
	log      *zap.Logger
}

func NewRegistry(cfg BreakerConfig, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		gateways: make(map[string]Gateway),
		cfg:      cfg,
		log:      log,
	}
}

// Register adds g under g.Name(), replacing any previous entry.
func (r *Registry) Register(g Gateway) {
	cfg := r.cfg
	name := g.Name()
	settings := gobreaker.Settings{
		Name:        "gateway-" + name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("gateway circuit breaker state changed",
				zap.String("gateway", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errno.ErrGatewayDeclined)
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[name] = &guarded{inner: g, cb: gobreaker.NewCircuitBreaker(settings)}
	r.log.Info("gateway registered", zap.String("gateway", name))
}

// Get returns the named gateway.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	g, ok := r.gateways[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errno.Wrapf(errno.ErrGatewayUnavailable, "unknown gateway %q", name)
	}
	return g, nil
}

// ForToken returns the gateway owning a payment token.
func (r *Registry) ForToken(token string) (Gateway, error) {
	tok, err := ParseToken(token)
	if err != nil {
		return nil, errno.Wrap(errno.ErrInvalidTransaction, err)
	}
	return r.Get(tok.Gateway)
}

// ForTransaction returns the gateway a deposit or withdrawal was routed to.
func (r *Registry) ForTransaction(txn *model.Transaction) (Gateway, error) {
	if txn.Gateway != "" {
		return r.Get(txn.Gateway)
	}
	return r.ForToken(txn.PaymentToken)
}

// BlindView returns a loggable copy of txn, using the owning gateway's
// redaction when one is known.
func (r *Registry) BlindView(txn *model.Transaction) *model.Transaction {
	if txn == nil || txn.PaymentToken == "" {
		return txn
	}
	g, err := r.ForTransaction(txn)
	if err != nil {
		return Blind(txn)
	}
	switch txn.Type {
	case model.TypeDeposit:
		return g.BlindDeposit(txn)
	case model.TypeWithdrawal:
		return g.BlindWithdrawal(txn)
	default:
		return Blind(txn)
	}
}

// guarded routes blocking calls through a circuit breaker.
type guarded struct {
	inner Gateway
	cb    *gobreaker.CircuitBreaker
}

func (g *guarded) execute(fn func() (any, error)) (any, error) {
	out, err := g.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errno.Wrap(errno.ErrGatewayUnavailable, fmt.Errorf("gateway %s: %w", g.inner.Name(), err))
	}
	return out, err
}

func (g *guarded) Name() string { return g.inner.Name() }

func (g *guarded) ChargeDepositSource(ctx context.Context, deposit *model.Transaction) (*Result, error) {
	out, err := g.execute(func() (any, error) { return g.inner.ChargeDepositSource(ctx, deposit) })
	return asResult(out, err)
}

func (g *guarded) HoldDepositFunds(ctx context.Context, deposit *model.Transaction) (*Result, error) {
	out, err := g.execute(func() (any, error) { return g.inner.HoldDepositFunds(ctx, deposit) })
	return asResult(out, err)
}

func (g *guarded) CreditWithdrawalDestination(ctx context.Context, withdrawal *model.Transaction, amount money.Money) (*Result, error) {
	out, err := g.execute(func() (any, error) { return g.inner.CreditWithdrawalDestination(ctx, withdrawal, amount) })
	return asResult(out, err)
}

func (g *guarded) GetTransactionStatus(ctx context.Context, txn *model.Transaction) (StatusResult, error) {
	out, err := g.execute(func() (any, error) { return g.inner.GetTransactionStatus(ctx, txn) })
	if err != nil {
		return StatusResult{Status: StatusError, Reason: err.Error()}, err
	}
	return out.(StatusResult), nil
}

func (g *guarded) AddDepositPayees(ctx context.Context, deposit *model.Transaction) (*model.Transaction, error) {
	return g.inner.AddDepositPayees(ctx, deposit)
}

func (g *guarded) AddWithdrawalPayees(ctx context.Context, withdrawal *model.Transaction) (*model.Transaction, error) {
	return g.inner.AddWithdrawalPayees(ctx, withdrawal)
}

func (g *guarded) AdjustDepositPrecision(deposit *model.Transaction) *model.Transaction {
	return g.inner.AdjustDepositPrecision(deposit)
}

func (g *guarded) AdjustWithdrawalPrecision(withdrawal *model.Transaction) *model.Transaction {
	return g.inner.AdjustWithdrawalPrecision(withdrawal)
}

func (g *guarded) BlindDeposit(deposit *model.Transaction) *model.Transaction {
	return g.inner.BlindDeposit(deposit)
}

func (g *guarded) BlindWithdrawal(withdrawal *model.Transaction) *model.Transaction {
	return g.inner.BlindWithdrawal(withdrawal)
}

func asResult(out any, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	res, _ := out.(*Result)
	return res, nil
}
