package mq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ledger-core/pkg/config"
)

// Message 代表一条账本事件消息
type Message struct {
	ID       string            // 消息ID (Redis Stream ID 或 Kafka partition/offset)
	Topic    string            // 主题 (例如 "ledger_events")
	Key      string            // 分区键, 交易或账户 ID
	Payload  []byte            // 消息体 (JSON)
	Metadata map[string]string // 元数据
}

// Producer 生产者接口
type Producer interface {
	// Publish 发送消息
	// key: 分区键, 同一交易的事件保持有序
	Publish(ctx context.Context, topic string, key string, payload []byte) error
	Close() error
}

// Consumer 消费者接口
type Consumer interface {
	// Subscribe 订阅主题, 阻塞直到 ctx 结束
	// handler 返回 error 时消息不确认, 之后会重新投递
	Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error

	// Close 关闭消费者
	Close() error
}

// NewProducer picks the broker named by mqType ("redis" or "kafka").
func NewProducer(mqType string, rdb *redis.Client, kafka config.KafkaConfig, topic string) (Producer, error) {
	switch mqType {
	case "redis":
		return NewRedisProducer(rdb), nil
	case "kafka":
		return NewKafkaProducer(kafka.Brokers, topic), nil
	}
	return nil, fmt.Errorf("unknown mq type %q", mqType)
}

// NewConsumer picks the broker named by mqType; group names the consumer
// group and name this member of it.
func NewConsumer(mqType string, rdb *redis.Client, kafka config.KafkaConfig, group, name string) (Consumer, error) {
	switch mqType {
	case "redis":
		return NewRedisConsumer(rdb, group, name), nil
	case "kafka":
		return NewKafkaConsumer(kafka.Brokers, group), nil
	}
	return nil, fmt.Errorf("unknown mq type %q", mqType)
}
