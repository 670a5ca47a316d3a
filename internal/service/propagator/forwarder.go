package propagator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"wallet-ledger/internal/event"
	"wallet-ledger/internal/service/mq"
	"wallet-ledger/pkg/logger"
)

// Forwarder 把本地 WalletUpdated 转发到消息队列, 供其他服务消费
type Forwarder struct {
	events   <-chan event.WalletUpdated
	cancel   func()
	producer mq.Producer
	topic    string
}

func NewForwarder(bus *event.Bus, producer mq.Producer, topic string) *Forwarder {
	events, cancel := bus.Subscribe()
	return &Forwarder{events: events, cancel: cancel, producer: producer, topic: topic}
}

// Run 阻塞直到 ctx 结束
func (f *Forwarder) Run(ctx context.Context) {
	defer f.cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.events:
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev event.WalletUpdated) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("marshal wallet event failed", zap.String("user_id", ev.UserID), zap.Error(err))
		return
	}
	if err := f.producer.Publish(ctx, f.topic, ev.UserID, payload); err != nil {
		logger.Warn("forward wallet event failed", zap.String("user_id", ev.UserID), zap.Error(err))
	}
}
