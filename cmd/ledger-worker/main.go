package main

import (
	"context"

	"go.uber.org/zap"

	"ledger-core/internal/bootstrap"
	"ledger-core/internal/event"
	"ledger-core/internal/server"
	"ledger-core/internal/service"
	"ledger-core/internal/service/mq"
	"ledger-core/internal/worker"
	"ledger-core/pkg/config"
	"ledger-core/pkg/logger"
	"ledger-core/pkg/utils/lock"
)

func main() {
	// 1. 初始化配置与日志
	config.Init()
	logger.Init(config.Global.App.Env)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 组装账本组件
	c, err := bootstrap.New(ctx, &config.Global)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer c.Close()

	// 3. 周期调度: 每个算法一个 cron 任务
	wc := config.Global.Worker
	runner := worker.NewRunner(c.Scheduler, c.WorkerID, wc.RescheduleDelay, wc.LeaseExpiration, lock.NewRedisLock(c.Redis))
	if err := runner.Start(wc.Algorithms); err != nil {
		logger.Fatal("worker runner failed", zap.Error(err))
	}

	// 4. 延时触发任务 (asynq)
	tasks := worker.NewServer(config.Global.Redis, wc.Concurrency, worker.NewHandlers(c.Scheduler, c.Ledger))
	if err := tasks.Start(); err != nil {
		logger.Fatal("task server failed", zap.Error(err))
	}

	// 5. Outbox -> MQ
	producer, err := mq.NewProducer(config.Global.Redis.MQType, c.Redis, config.Global.Kafka, event.Topic)
	if err != nil {
		logger.Fatal("mq producer failed", zap.Error(err))
	}
	go service.NewRelayService(c.DB, producer).Start(ctx)

	// 6. 运维端点, 阻塞直到收到信号
	app := server.New(config.Global.App.HttpPort, server.NewOpsRouter(c.Checks()))
	app.OnShutdown(runner.Stop)
	app.OnShutdown(tasks.Stop)
	app.OnShutdown(cancel)
	app.OnShutdown(func() { _ = producer.Close() })
	app.Run()
}
