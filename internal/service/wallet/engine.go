package wallet

import (
	"context"
	"time"

	"wallet-ledger/internal/event"
	"wallet-ledger/internal/service/coordinator"
	"wallet-ledger/internal/service/ledger"
)

// Engine 对外的钱包接口: 读缓存视图, 手动刷新, 订阅更新
type Engine struct {
	coord *coordinator.Coordinator
	calc  *ledger.Calculator
	bus   *event.Bus
}

func NewEngine(coord *coordinator.Coordinator, calc *ledger.Calculator, bus *event.Bus) *Engine {
	return &Engine{coord: coord, calc: calc, bus: bus}
}

// GetWallet 从缓存或重新计算得到钱包视图
func (e *Engine) GetWallet(ctx context.Context, userID string, opts coordinator.GetOptions) (*ledger.WalletView, error) {
	return e.coord.Get(ctx, userID, opts)
}

// ForceRefresh 强制重算并通知订阅者
func (e *Engine) ForceRefresh(ctx context.Context, userID string) (*ledger.WalletView, error) {
	view, err := e.coord.ForceRefresh(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(event.WalletUpdated{
		UserID: userID,
		View:   view.Clone(),
		Reason: "manual",
		At:     time.Now(),
	})
	return view, nil
}

// Subscribe 订阅 WalletUpdated, 用完必须调用返回的取消函数
func (e *Engine) Subscribe() (<-chan event.WalletUpdated, func()) {
	return e.bus.Subscribe()
}

// Watch 实时订阅期间保持用户活跃, 变更通知到达时会重算并推送
func (e *Engine) Watch(userID string) func() {
	return e.coord.Watch(userID)
}

func (e *Engine) Tiers() []ledger.Tier {
	return e.calc.Tiers().Tiers()
}

func (e *Engine) Rates() []ledger.RateEntry {
	return e.calc.Rates().Entries()
}

// RateFor 查询单个物料的费率, 未知物料返回默认费率
func (e *Engine) RateFor(material string) ledger.RateEntry {
	return e.calc.Rates().RateFor(material)
}

func (e *Engine) Close() {
	e.coord.Close()
}
