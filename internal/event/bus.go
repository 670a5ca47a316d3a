package event

import (
	"sync"

	"go.uber.org/zap"

	"wallet-ledger/pkg/logger"
)

// Bus 进程内的 WalletUpdated 广播, 订阅者消费慢时丢弃消息而不是阻塞发布方
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan WalletUpdated
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{subs: make(map[int]chan WalletUpdated), buffer: buffer}
}

// Subscribe 返回事件 channel 和取消函数, 取消后 channel 被关闭
func (b *Bus) Subscribe() (<-chan WalletUpdated, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan WalletUpdated, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish 非阻塞发布
func (b *Bus) Publish(ev WalletUpdated) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Warn("wallet event dropped, subscriber too slow", zap.String("user_id", ev.UserID))
		}
	}
}

// Subscribers 当前订阅数
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
