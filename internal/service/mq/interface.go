package mq

import "context"

// Message 代表一条通用的业务消息
type Message struct {
	ID       string            // 消息ID (Redis Stream ID 或 Kafka partition/offset)
	Topic    string            // 主题 (例如 "ledger_changes")
	Key      string            // 分区键 (UserID), 同一用户的变更保持有序
	Payload  []byte            // 消息体 (JSON)
	Metadata map[string]string // 元数据
}

// Producer 生产者接口
type Producer interface {
	// Publish 发送消息
	// key: 用于分区排序 (Partition Key), 例如 UserID. 传空字符串则随机分区.
	Publish(ctx context.Context, topic string, key string, payload []byte) error
}

// Handler 返回 error 时消息不确认, 之后会重新投递
type Handler func(msg *Message) error

// Consumer 消费者接口
type Consumer interface {
	// Subscribe 阻塞消费, ctx 结束时返回 nil; 通道断开时返回 error, 由调用方决定是否重连
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close 关闭消费者
	Close() error
}
