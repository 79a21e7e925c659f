// Package bootstrap wires the ledger components from the process
// configuration. Both the worker binary and the CLI start from here.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ledger-core/internal/event"
	"ledger-core/internal/gateway"
	"ledger-core/internal/repository"
	"ledger-core/internal/server"
	"ledger-core/internal/service/identity"
	"ledger-core/internal/service/ledger"
	"ledger-core/internal/worker"
	"ledger-core/pkg/cache"
	"ledger-core/pkg/config"
	"ledger-core/pkg/database"
	"ledger-core/pkg/logger"
	"ledger-core/pkg/money"
)

// Container holds the long-lived dependencies of a process.
type Container struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Store     *repository.GormStore
	Gateways  *gateway.Registry
	Directory *identity.Directory
	Events    event.Emitter
	Tasks     *asynq.Client
	Ledger    *ledger.Service
	Scheduler *worker.Scheduler
	WorkerID  string
}

// New connects to Postgres and Redis and builds the engines.
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	db, err := database.ConnectPostgres(cfg.DB.DSN(), cfg.App.Env == "development")
	if err != nil {
		return nil, err
	}
	rdb, err := database.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	gateways, err := NewGateways(cfg.Gateways)
	if err != nil {
		return nil, err
	}

	store := repository.NewGormStore(db)
	// L1 进程内缓存 + L2 Redis
	c := cache.NewMultiLevelCache(
		cache.NewMemoryCache(time.Minute, 5*time.Minute),
		cache.NewRedisCache(rdb, "ledger:identity:"),
	)
	directory := identity.NewDirectory(store, store, c, 5*time.Minute)
	events := event.NewOutboxEmitter(db)
	tasks := worker.NewClient(cfg.Redis)

	svc := ledger.NewService(store, gateways, directory, ledger.ConfigFrom(cfg.Ledger),
		ledger.WithEmitter(events),
		ledger.WithTrigger(worker.NewTaskTrigger(tasks, events)),
	)

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}
	sched := worker.NewScheduler(store, svc, worker.Options{
		WorkerID:         workerID,
		LeaseExpiration:  cfg.Worker.LeaseExpiration,
		StaleAfter:       cfg.Worker.StaleAfter,
		PayoffRetryDelay: cfg.Ledger.PayoffRetryDelay,
	}, worker.WithSchedulerEmitter(events))

	logger.Info("ledger components ready", zap.String("worker", workerID))
	return &Container{
		Config:    cfg,
		DB:        db,
		Redis:     rdb,
		Store:     store,
		Gateways:  gateways,
		Directory: directory,
		Events:    events,
		Tasks:     tasks,
		Ledger:    svc,
		Scheduler: sched,
		WorkerID:  workerID,
	}, nil
}

// NewGateways builds the registry of configured gateways.
func NewGateways(cfg config.GatewaysConfig) (*gateway.Registry, error) {
	reg := gateway.NewRegistry(gateway.DefaultBreakerConfig(), logger.Named("gateway"))
	if cfg.Simulated.Enabled {
		rate, err := money.Parse(cfg.Simulated.FeeRate)
		if err != nil {
			return nil, fmt.Errorf("gateways.simulated.fee_rate: %w", err)
		}
		reg.Register(gateway.NewSimulated(gateway.SimulatedConfig{
			FeeAccountID:  cfg.Simulated.FeeAccountID,
			FeeRate:       rate,
			DeclineTokens: cfg.Simulated.DeclineTokens,
		}))
	}
	return reg, nil
}

// Close releases the connections.
func (c *Container) Close() {
	if err := c.Tasks.Close(); err != nil {
		logger.Warn("close task client", zap.Error(err))
	}
	if err := c.Redis.Close(); err != nil {
		logger.Warn("close redis", zap.Error(err))
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Checks returns the health probes of the container's connections.
func (c *Container) Checks() map[string]server.Check {
	return map[string]server.Check{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := c.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		},
	}
}
