package worker

import (
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"ledger-core/pkg/config"
	"ledger-core/pkg/logger"
)

// Server 封装 Asynq Server, 消费结算/作废触发任务
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer 初始化 Worker Server
func NewServer(redis config.RedisConfig, concurrency int, handlers *Handlers) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redis.Addr,
			Password: redis.Password,
			DB:       redis.DB,
		},
		asynq.Config{
			// 并发数：同时处理多少个任务
			Concurrency: concurrency,
			// 作废任务优先于结算任务
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
			},
			Logger: logger.NewAsynqLogger(),
		},
	)

	mux := asynq.NewServeMux()
	handlers.Register(mux)

	return &Server{
		server: srv,
		mux:    mux,
	}
}

// Start 非阻塞启动
func (s *Server) Start() error {
	if err := s.server.Start(s.mux); err != nil {
		logger.Error("Worker Server failed", zap.Error(err))
		return err
	}
	logger.Info("Worker Server started")
	return nil
}

// Stop 停止 Worker
func (s *Server) Stop() {
	s.server.Stop()
	s.server.Shutdown()
}

// NewClient 初始化触发任务的生产端
func NewClient(redis config.RedisConfig) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redis.Addr,
		Password: redis.Password,
		DB:       redis.DB,
	})
}
