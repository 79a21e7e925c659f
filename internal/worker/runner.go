package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ledger-core/pkg/errno"
	"ledger-core/pkg/logger"
	"ledger-core/pkg/utils/lock"
)

// Runner repeats scheduler passes on a cron timer, one job per algorithm.
type Runner struct {
	cron      *cron.Cron
	scheduler *Scheduler
	locker    lock.DistributedLock
	workerID  string
	lockTTL   time.Duration
	every     time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	log       *zap.Logger
}

// NewRunner builds a runner. locker may be nil; when set, two processes
// started with the same worker id never run the same algorithm at once,
// since leases are told apart by worker id only.
func NewRunner(scheduler *Scheduler, workerID string, every, lockTTL time.Duration, locker lock.DistributedLock) *Runner {
	cl := logger.NewCronLogger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron:      cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		scheduler: scheduler,
		locker:    locker,
		workerID:  workerID,
		lockTTL:   lockTTL,
		every:     every,
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.Named("runner"),
	}
}

// Start 注册算法任务并启动调度
func (r *Runner) Start(algorithms []string) error {
	for _, algo := range algorithms {
		if !r.scheduler.Known(algo) {
			return errno.Wrapf(errno.ErrUnknownAlgorithm, "algorithm %q", algo)
		}
	}
	for _, algo := range algorithms {
		if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.every), func() { r.pass(algo) }); err != nil {
			return err
		}
	}
	r.cron.Start()
	r.log.Info("worker started", zap.String("worker", r.workerID), zap.Strings("algorithms", algorithms), zap.Duration("every", r.every))
	return nil
}

// Stop cancels running passes and waits for them to return.
func (r *Runner) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
	r.log.Info("worker stopped", zap.String("worker", r.workerID))
}

// Pass runs one scheduler pass of algo immediately.
func (r *Runner) Pass(algo string) {
	r.pass(algo)
}

func (r *Runner) pass(algo string) {
	ctx := r.ctx
	if r.locker != nil {
		key := fmt.Sprintf("ledger:worker:%s:%s", r.workerID, algo)
		locked, err := r.locker.Acquire(ctx, key, r.lockTTL)
		if err != nil || !locked {
			r.log.Warn("worker id already active, skipping pass",
				zap.String("worker", r.workerID), zap.String("algorithm", algo), zap.Error(err))
			return
		}
		defer func() {
			if err := r.locker.Release(context.WithoutCancel(ctx), key); err != nil {
				r.log.Warn("release worker lock failed", zap.String("algorithm", algo), zap.Error(err))
			}
		}()
	}

	n, err := r.scheduler.RunOnce(ctx, algo, "")
	if err != nil && ctx.Err() == nil {
		r.log.Error("scheduler pass aborted", zap.String("algorithm", algo), zap.Int("processed", n), zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("scheduler pass done", zap.String("algorithm", algo), zap.Int("processed", n))
	}
}
