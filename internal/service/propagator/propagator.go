package propagator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wallet-ledger/internal/event"
	"wallet-ledger/internal/service/ledger"
	"wallet-ledger/internal/service/mq"
	"wallet-ledger/pkg/config"
	"wallet-ledger/pkg/logger"
	"wallet-ledger/pkg/monitor"
)

var errSubscriptionEnded = errors.New("change subscription ended")

// Invalidator 缓存侧接口
type Invalidator interface {
	Invalidate(userID string)
	// IsActive 最近查询过或正在实时订阅的用户
	IsActive(userID string) bool
}

// Refresher 重新计算钱包; 返回 nil 视图表示计算已交给异步任务, 由任务自己发事件
type Refresher interface {
	ForceRefresh(ctx context.Context, userID string) (*ledger.WalletView, error)
}

// Publisher 发出 WalletUpdated
type Publisher interface {
	Publish(ev event.WalletUpdated)
}

// State 订阅状态
type State string

const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateDisabled     State = "disabled"
)

type Options struct {
	Topic       string
	MaxRetries  int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

func OptionsFromConfig(cfg config.PropagatorConfig) Options {
	o := Options{
		Topic:       cfg.Topic,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		MaxBackoff:  time.Minute,
	}
	if o.Topic == "" {
		o.Topic = "ledger_changes"
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	return o
}

func (o Options) backoff(failures int) time.Duration {
	d := o.BackoffBase << (failures - 1)
	if o.MaxBackoff > 0 && (d > o.MaxBackoff || d <= 0) {
		d = o.MaxBackoff
	}
	return d
}

// Propagator 消费上游变更通知: 失效缓存, 后台重算, 发出 WalletUpdated
type Propagator struct {
	consumer    mq.Consumer
	invalidator Invalidator
	refresher   Refresher
	publisher   Publisher
	opts        Options

	mu      sync.Mutex
	state   State
	done    chan struct{}
	pending map[string]bool
	handled int

	wg sync.WaitGroup // 后台重算
}

func New(consumer mq.Consumer, invalidator Invalidator, refresher Refresher, publisher Publisher, opts Options) *Propagator {
	return &Propagator{
		consumer:    consumer,
		invalidator: invalidator,
		refresher:   refresher,
		publisher:   publisher,
		opts:        opts,
		state:       StateIdle,
		pending:     make(map[string]bool),
	}
}

// Start 后台运行订阅; 已在运行时什么都不做, 被禁用后可以再次调用重新订阅
func (p *Propagator) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		select {
		case <-p.done:
		default:
			return
		}
	}
	done := make(chan struct{})
	p.done = done
	p.state = StateRunning

	go func() {
		defer close(done)
		p.Run(ctx)
	}()
}

// Done 当前订阅循环退出时关闭
func (p *Propagator) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Wait 等待已触发的后台重算结束
func (p *Propagator) Wait() {
	p.wg.Wait()
}

func (p *Propagator) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run 阻塞订阅直到 ctx 结束或重连次数用尽
// 一次连接处理过消息后失败计数清零
func (p *Propagator) Run(ctx context.Context) {
	failures := 0
	for {
		p.setState(StateRunning)
		monitor.PropagatorEnabled.Set(1)
		handledBefore := p.handledCount()

		err := p.consumer.Subscribe(ctx, p.opts.Topic, p.Handle(ctx))
		if ctx.Err() != nil {
			p.setState(StateIdle)
			monitor.PropagatorEnabled.Set(0)
			return
		}
		if err == nil {
			err = errSubscriptionEnded
		}
		if p.handledCount() > handledBefore {
			failures = 0
		}
		failures++

		if failures > p.opts.MaxRetries {
			p.setState(StateDisabled)
			monitor.PropagatorEnabled.Set(0)
			logger.Warn("change subscription disabled after retries",
				zap.String("topic", p.opts.Topic),
				zap.Int("retries", p.opts.MaxRetries),
				zap.Error(err),
			)
			return
		}

		wait := p.opts.backoff(failures)
		p.setState(StateReconnecting)
		monitor.PropagatorReconnects.Inc()
		logger.Warn("change subscription dropped, reconnecting",
			zap.String("topic", p.opts.Topic),
			zap.Int("attempt", failures),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			p.setState(StateIdle)
			monitor.PropagatorEnabled.Set(0)
			return
		}
	}
}

// Handle 处理一条变更通知; 无法解析的消息记录后直接确认
func (p *Propagator) Handle(ctx context.Context) mq.Handler {
	return func(msg *mq.Message) error {
		p.mu.Lock()
		p.handled++
		p.mu.Unlock()

		n, err := event.Decode(msg.Payload)
		if err != nil {
			monitor.ChangeNotifications.WithLabelValues("invalid", "").Inc()
			logger.Warn("drop change notification", zap.String("id", msg.ID), zap.Error(err))
			return nil
		}
		monitor.ChangeNotifications.WithLabelValues(string(n.Source), string(n.Kind)).Inc()

		p.invalidator.Invalidate(n.UserID)
		if !p.invalidator.IsActive(n.UserID) {
			logger.Debug("wallet invalidated", zap.String("user_id", n.UserID), zap.String("table", n.Table))
			return nil
		}
		p.schedule(ctx, n)
		return nil
	}
}

// schedule 同一用户还没开始的重算只保留一个
func (p *Propagator) schedule(ctx context.Context, n event.ChangeNotification) {
	p.mu.Lock()
	if p.pending[n.UserID] {
		p.mu.Unlock()
		return
	}
	p.pending[n.UserID] = true
	p.mu.Unlock()

	reason := fmt.Sprintf("%s:%s", n.Source, n.Kind)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.mu.Lock()
		delete(p.pending, n.UserID)
		p.mu.Unlock()

		view, err := p.refresher.ForceRefresh(ctx, n.UserID)
		if err != nil {
			logger.Warn("recompute after change failed", zap.String("user_id", n.UserID), zap.Error(err))
			return
		}
		if view == nil {
			return
		}
		p.publisher.Publish(event.WalletUpdated{
			UserID: n.UserID,
			View:   view,
			Reason: reason,
			At:     time.Now(),
		})
	}()
}

func (p *Propagator) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Propagator) handledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handled
}
