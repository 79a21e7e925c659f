package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ledger-core/internal/model"
	"ledger-core/internal/service/mq"
	"ledger-core/pkg/logger"
)

// RelayService 负责将本地消息表的账本事件搬运到 MQ
type RelayService struct {
	db       *gorm.DB
	producer mq.Producer
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewRelayService(db *gorm.DB, producer mq.Producer) *RelayService {
	return &RelayService{
		db:       db,
		producer: producer,
		interval: 500 * time.Millisecond, // 500ms 轮询一次
		batch:    50,
		log:      logger.Named("relay"),
	}
}

// Start 阻塞轮询直到 ctx 结束
func (s *RelayService) Start(ctx context.Context) {
	s.log.Info("启动消息中继服务")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("停止消息中继服务")
			return
		case <-ticker.C:
			if _, err := s.RelayOnce(ctx); err != nil {
				s.log.Error("relay pass failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce 投递一批待发送消息, 返回成功投递的条数
// 只有发送成功后才标记 SENT => At-least-once, 消费方需幂等
func (s *RelayService) RelayOnce(ctx context.Context) (int, error) {
	var messages []model.OutboxMessage
	err := s.db.WithContext(ctx).
		Where("status = ?", model.OutboxPending).
		Order("id").
		Limit(s.batch).
		Find(&messages).Error
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range messages {
		if err := s.producer.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			s.log.Warn("发送消息失败", zap.Uint64("id", msg.ID), zap.Error(err))
			// 保持消息顺序: 同一批后续消息留到下一轮
			break
		}
		if err := s.db.WithContext(ctx).Model(&msg).Update("status", model.OutboxSent).Error; err != nil {
			s.log.Warn("更新状态失败", zap.Uint64("id", msg.ID), zap.Error(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		s.log.Debug("消息已投递", zap.Int("count", sent))
	}
	return sent, nil
}
