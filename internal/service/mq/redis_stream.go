package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wallet-ledger/pkg/logger"
)

// RedisProducer 基于 Redis Streams 的 Producer
type RedisProducer struct {
	client *redis.Client
	// maxLen 每个 stream 保留的近似长度, 0 表示不裁剪
	maxLen int64
}

func NewRedisProducer(client *redis.Client, maxLen int64) *RedisProducer {
	return &RedisProducer{client: client, maxLen: maxLen}
}

// Publish XADD 到 topic 对应的 stream
func (p *RedisProducer) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: map[string]interface{}{
			"key":     key,
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", topic, err)
	}
	return nil
}

// RedisConsumer 基于消费者组的 Redis Streams Consumer
type RedisConsumer struct {
	client       *redis.Client
	group        string
	name         string
	block        time.Duration
	destroyGroup bool // 退出时删除消费组
}

func NewRedisConsumer(client *redis.Client, group, name string) *RedisConsumer {
	return &RedisConsumer{
		client: client,
		group:  group,
		name:   name,
		block:  2 * time.Second,
	}
}

// DestroyGroupOnExit 组名只属于本进程时使用, ctx 结束后 XGROUP DESTROY
func (c *RedisConsumer) DestroyGroupOnExit() {
	c.destroyGroup = true
}

// Subscribe 先处理本消费者未确认的消息, 再读新消息
func (c *RedisConsumer) Subscribe(ctx context.Context, topic string, handler Handler) error {
	// XGROUP CREATE <stream> <group> $ MKSTREAM
	err := c.client.XGroupCreateMkStream(ctx, topic, c.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("创建消费者组失败: %w", err)
	}
	defer c.cleanup(ctx, topic)

	logger.Info("开始监听主题", zap.String("topic", topic), zap.String("group", c.group), zap.String("consumer", c.name))

	// "0" 读 pending 列表, 读空后切到 ">" 只读新消息
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{topic, cursor},
			Count:    16,
			Block:    c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue // 超时无消息
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("redis xreadgroup %s: %w", topic, err)
		}

		delivered := 0
		for _, stream := range streams {
			for _, x := range stream.Messages {
				delivered++
				c.dispatch(ctx, topic, x, handler)
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

func (c *RedisConsumer) dispatch(ctx context.Context, topic string, x redis.XMessage, handler Handler) {
	val, ok := x.Values["payload"].(string)
	if !ok {
		logger.Warn("消息格式错误: payload 缺失", zap.String("topic", topic), zap.String("id", x.ID))
		c.ack(ctx, topic, x.ID)
		return
	}
	key, _ := x.Values["key"].(string)

	msg := &Message{
		ID:      x.ID,
		Topic:   topic,
		Key:     key,
		Payload: []byte(val),
	}
	if err := handler(msg); err != nil {
		logger.Warn("消息处理失败, 等待重新投递", zap.String("topic", topic), zap.String("id", x.ID), zap.Error(err))
		return
	}
	c.ack(ctx, topic, x.ID)
}

func (c *RedisConsumer) ack(ctx context.Context, topic, id string) {
	if err := c.client.XAck(ctx, topic, c.group, id).Err(); err != nil {
		logger.Warn("XACK 失败", zap.String("topic", topic), zap.String("id", id), zap.Error(err))
	}
}

// cleanup 只在正常退出时删除消费组, 断线重连时保留 pending 消息
func (c *RedisConsumer) cleanup(ctx context.Context, topic string) {
	if !c.destroyGroup || ctx.Err() == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.XGroupDestroy(dctx, topic, c.group).Err(); err != nil {
		logger.Warn("删除消费者组失败", zap.String("topic", topic), zap.String("group", c.group), zap.Error(err))
	}
}

// Close Redis 连接由调用方共享, 这里不关闭
func (c *RedisConsumer) Close() error {
	return nil
}
