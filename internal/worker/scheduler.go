// Package worker runs the ledger engines from a lease-based loop. Any number
// of worker processes may run the same algorithm against one store; a lease
// written on the record is the only coordination between them.
package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ledger-core/internal/event"
	"ledger-core/internal/model"
	"ledger-core/internal/repository"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/logger"
	"ledger-core/pkg/monitor"
)

// 调度算法
const (
	AlgoSettle       = "settle"
	AlgoVoid         = "void"
	AlgoCreditPayoff = "credit-payoff"
)

// Engine is the part of the ledger service the scheduler drives.
type Engine interface {
	Settle(ctx context.Context, id string) (model.State, error)
	Void(ctx context.Context, id, reason string) (model.State, error)
	PayoffCredit(ctx context.Context, accountID string) error
}

// Options tunes a Scheduler.
type Options struct {
	WorkerID string
	// LeaseExpiration must exceed the worst-case time to process one record.
	LeaseExpiration time.Duration
	// StaleAfter is how long a pending or voiding transaction may sit
	// untouched before the void sweep picks it up.
	StaleAfter time.Duration
	// PayoffRetryDelay spaces out payoff attempts after a failure.
	PayoffRetryDelay time.Duration
	BatchSize        int
}

// Scheduler claims, processes and releases records one at a time.
type Scheduler struct {
	opts   Options
	queues map[string]Queue
	events event.Emitter
	now    func() time.Time
	log    *zap.Logger
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func WithSchedulerEmitter(e event.Emitter) SchedulerOption {
	return func(s *Scheduler) { s.events = e }
}

func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// WithQueue registers or replaces the queue of an algorithm.
func WithQueue(algorithm string, q Queue) SchedulerOption {
	return func(s *Scheduler) { s.queues[algorithm] = q }
}

// NewScheduler builds a scheduler with the settle, void and credit-payoff
// queues over store, driving engine.
func NewScheduler(store repository.Store, engine Engine, opts Options, options ...SchedulerOption) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	s := &Scheduler{
		opts:   opts,
		queues: make(map[string]Queue),
		events: event.Nop{},
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.Named("worker"),
	}
	for _, o := range options {
		o(s)
	}
	now := func() time.Time { return s.now() }

	if _, ok := s.queues[AlgoSettle]; !ok {
		s.queues[AlgoSettle] = NewTransactionQueue(AlgoSettle, store,
			[]model.State{model.StateAuthorized, model.StateProcessing, model.StateSettling},
			func(f *repository.TransactionFilter, now time.Time) { f.SettleBefore = &now },
			func(t *model.Transaction, now time.Time) bool { return !t.SysSettleAfter.After(now) },
			func(ctx context.Context, id string) error {
				_, err := engine.Settle(ctx, id)
				return err
			},
			now, opts.BatchSize)
	}
	if _, ok := s.queues[AlgoVoid]; !ok {
		s.queues[AlgoVoid] = NewTransactionQueue(AlgoVoid, store,
			[]model.State{model.StatePending, model.StateVoiding},
			func(f *repository.TransactionFilter, now time.Time) {
				stale := now.Add(-opts.StaleAfter)
				f.UpdatedBefore = &stale
			},
			func(t *model.Transaction, now time.Time) bool { return t.UpdatedAt.Before(now.Add(-opts.StaleAfter)) },
			func(ctx context.Context, id string) error {
				_, err := engine.Void(ctx, id, "stale authorization")
				return err
			},
			now, opts.BatchSize)
	}
	if _, ok := s.queues[AlgoCreditPayoff]; !ok {
		s.queues[AlgoCreditPayoff] = NewAccountQueue(AlgoCreditPayoff, store,
			func(f *repository.AccountFilter, now time.Time) {
				retry := now.Add(-opts.PayoffRetryDelay)
				f.PaymentDueBefore = &now
				f.PayoffFailedBefore = &retry
			},
			func(a *model.Account, now time.Time) bool {
				if a.CreditPaymentDue == nil || a.CreditPaymentDue.After(now) {
					return false
				}
				failed := a.Credit.LastPayoffFailed
				return failed == nil || failed.Before(now.Add(-opts.PayoffRetryDelay))
			},
			engine.PayoffCredit,
			now, opts.BatchSize)
	}
	return s
}

// Algorithms returns the registered algorithm names.
func (s *Scheduler) Algorithms() []string {
	out := make([]string, 0, len(s.queues))
	for name := range s.queues {
		out = append(out, name)
	}
	return out
}

// Known reports whether algorithm has a queue.
func (s *Scheduler) Known(algorithm string) bool {
	_, ok := s.queues[algorithm]
	return ok
}

// RunOnce works through algorithm's queue until a pass finds nothing left to
// claim. With a target id only that record is tried, and its processing
// error is returned. Without one, processing errors are logged and emitted
// and the sweep goes on; storage errors always stop it.
func (s *Scheduler) RunOnce(ctx context.Context, algorithm, target string) (int, error) {
	q, ok := s.queues[algorithm]
	if !ok {
		return 0, errno.Wrapf(errno.ErrUnknownAlgorithm, "algorithm %q", algorithm)
	}
	timer := prometheus.NewTimer(monitor.WorkerPassDuration.WithLabelValues(algorithm))
	defer timer.ObserveDuration()

	seen := make(map[string]bool)
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		lease := model.Lease{ID: s.opts.WorkerID, Start: s.now()}
		id, err := q.Claim(ctx, lease, target, seen)
		if err != nil {
			return processed, err
		}
		if id == "" && target == "" {
			id, err = q.ReclaimExpired(ctx, lease, s.now().Add(-s.opts.LeaseExpiration), seen)
			if err != nil {
				return processed, err
			}
		}
		if id == "" {
			return processed, nil
		}
		seen[id] = true

		perr := q.Process(ctx, id)
		if rerr := q.Release(context.WithoutCancel(ctx), id, s.opts.WorkerID); rerr != nil {
			s.log.Warn("release lease failed", zap.String("algorithm", algorithm), zap.String("id", id), zap.Error(rerr))
			if errno.IsStorage(rerr) {
				return processed, rerr
			}
		}
		processed++
		s.record(ctx, algorithm, id, perr)

		if target != "" {
			return processed, perr
		}
		if perr != nil && errno.IsStorage(perr) {
			return processed, perr
		}
	}
}

func (s *Scheduler) record(ctx context.Context, algorithm, id string, err error) {
	switch kind := errno.KindOf(err); {
	case err == nil:
		monitor.WorkerPasses.WithLabelValues(algorithm, "ok").Inc()
	case kind == errno.KindDeferred:
		monitor.WorkerPasses.WithLabelValues(algorithm, "deferred").Inc()
		s.log.Debug("record deferred", zap.String("algorithm", algorithm), zap.String("id", id), zap.Error(err))
	default:
		monitor.WorkerPasses.WithLabelValues(algorithm, "error").Inc()
		s.log.Error("process record failed",
			zap.String("algorithm", algorithm), zap.String("id", id), zap.String("kind", string(kind)), zap.Error(err))
		_, reason := errno.Decode(err)
		if e := s.events.Emit(ctx, event.Event{
			Type:          event.TypeProcessingError,
			TransactionID: id,
			Algorithm:     algorithm,
			Reason:        reason,
			At:            s.now(),
		}); e != nil {
			s.log.Error("emit event failed", zap.Error(e))
		}
	}
}
