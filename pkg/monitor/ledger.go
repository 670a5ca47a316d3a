package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 账本业务指标, 包加载时注册到默认 Registry
var (
	// WalletLookups 钱包查询次数, result: hit, computed, joined, stale, empty
	WalletLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_wallet_lookups_total",
		Help: "Wallet lookups by how they were served",
	}, []string{"result"})

	// ComputeDuration 单次钱包计算耗时
	ComputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_compute_duration_seconds",
		Help:    "Duration of a single wallet computation attempt",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// ComputeFailures 计算失败次数, reason: timeout, error
	ComputeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_compute_failures_total",
		Help: "Failed wallet computation attempts",
	}, []string{"reason"})

	// CachedWallets 当前缓存的钱包数量
	CachedWallets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_cached_wallets",
		Help: "Number of wallets held in the local cache",
	})

	// ChangeNotifications 收到的变更通知, source: collection, spend, invalid
	ChangeNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_change_notifications_total",
		Help: "Change notifications received from the ledger stores",
	}, []string{"source", "kind"})

	// PropagatorReconnects 变更订阅的重连次数
	PropagatorReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_propagator_reconnects_total",
		Help: "Reconnect attempts of the change subscription",
	})

	// PropagatorEnabled 1 表示变更订阅正在运行
	PropagatorEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_propagator_enabled",
		Help: "Whether the change subscription is running",
	})
)
