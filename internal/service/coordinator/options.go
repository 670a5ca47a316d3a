package coordinator

import (
	"time"

	"wallet-ledger/pkg/config"
)

// Options 缓存与重试策略
type Options struct {
	TTL            time.Duration // 正常结果的缓存时间
	DegradedTTL    time.Duration // 降级结果的缓存时间, 远短于 TTL
	StaleMaxAge    time.Duration // last-good 超过该时长不再作为兜底
	AttemptTimeout time.Duration // 单次计算的等待上限
	MaxAttempts    int
	BackoffBase    time.Duration
	ActiveWindow   time.Duration // 最近被查询过的用户才做后台刷新
	SnapshotTTL    time.Duration
	// RefreshConcurrency 后台刷新时的并发用户数
	RefreshConcurrency int
}

func DefaultOptions() Options {
	return Options{
		TTL:                2 * time.Minute,
		DegradedTTL:        20 * time.Second,
		StaleMaxAge:        24 * time.Hour,
		AttemptTimeout:     5 * time.Second,
		MaxAttempts:        3,
		BackoffBase:        200 * time.Millisecond,
		ActiveWindow:       5 * time.Minute,
		SnapshotTTL:        24 * time.Hour,
		RefreshConcurrency: 8,
	}
}

// OptionsFromConfig 未配置的字段使用默认值
func OptionsFromConfig(cfg config.CacheConfig) Options {
	o := DefaultOptions()
	if cfg.TTL > 0 {
		o.TTL = cfg.TTL
	}
	if cfg.DegradedTTL > 0 {
		o.DegradedTTL = cfg.DegradedTTL
	}
	if cfg.StaleMaxAge > 0 {
		o.StaleMaxAge = cfg.StaleMaxAge
	}
	if cfg.AttemptTimeout > 0 {
		o.AttemptTimeout = cfg.AttemptTimeout
	}
	if cfg.MaxAttempts > 0 {
		o.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffBase > 0 {
		o.BackoffBase = cfg.BackoffBase
	}
	if cfg.ActiveWindow > 0 {
		o.ActiveWindow = cfg.ActiveWindow
	}
	if cfg.SnapshotTTL > 0 {
		o.SnapshotTTL = cfg.SnapshotTTL
	}
	if cfg.RefreshConcurrency > 0 {
		o.RefreshConcurrency = cfg.RefreshConcurrency
	}
	return o
}

// backoff 第 n 次重试前的等待时间 (n 从 1 开始)
func (o Options) backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return o.BackoffBase << (n - 1)
}
