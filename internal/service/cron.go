package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"wallet-ledger/internal/service/ledger"
	"wallet-ledger/pkg/logger"
)

// ActiveRefresher 后台刷新活跃用户的钱包
type ActiveRefresher interface {
	RefreshActive(ctx context.Context) int
}

// PriceSource materials 表单价
type PriceSource interface {
	MaterialRates(ctx context.Context) (map[string]decimal.Decimal, error)
}

type CronService struct {
	cron      *cron.Cron
	refresher ActiveRefresher
	prices    PriceSource
	rates     *ledger.RateTable

	// base 配置中的费率, 每次同步都以它为底
	base     []ledger.RateEntry
	fallback ledger.RateEntry

	refreshInterval time.Duration
	syncInterval    time.Duration
}

// NewCronService prices 为空或 syncInterval 为 0 时不同步单价
func NewCronService(refresher ActiveRefresher, prices PriceSource, rates *ledger.RateTable, refreshInterval, syncInterval time.Duration) *CronService {
	return &CronService{
		cron:            cron.New(),
		refresher:       refresher,
		prices:          prices,
		rates:           rates,
		base:            rates.Entries(),
		fallback:        rates.Default(),
		refreshInterval: refreshInterval,
		syncInterval:    syncInterval,
	}
}

func (s *CronService) Start() error {
	if s.refreshInterval > 0 {
		if _, err := s.cron.AddFunc("@every "+s.refreshInterval.String(), s.RefreshActive); err != nil {
			return err
		}
	}
	if s.prices != nil && s.syncInterval > 0 {
		if _, err := s.cron.AddFunc("@every "+s.syncInterval.String(), s.SyncMaterialRates); err != nil {
			return err
		}
	}

	s.cron.Start()
	logger.Info("Cron Service started",
		zap.Duration("refresh_interval", s.refreshInterval),
		zap.Duration("rate_sync_interval", s.syncInterval),
	)
	return nil
}

func (s *CronService) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("Cron Service stopped")
}

// RefreshActive 每个实例只刷新自己内存中的活跃用户, 不加锁
func (s *CronService) RefreshActive() {
	n := s.refresher.RefreshActive(context.Background())
	if n > 0 {
		logger.Debug("active wallets refreshed", zap.Int("count", n))
	}
}

// SyncMaterialRates 用 materials 表的单价更新费率表, 费率在各实例内存中, 每个实例各自同步
func (s *CronService) SyncMaterialRates() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prices, err := s.prices.MaterialRates(ctx)
	if err != nil {
		logger.Warn("load material rates failed, keep current rates", zap.Error(err))
		return
	}
	if err := s.rates.Replace(ledger.MergePrices(s.base, prices, s.fallback)); err != nil {
		logger.Warn("apply material rates failed", zap.Error(err))
		return
	}
	logger.Info("material rates synced", zap.Int("materials", len(prices)))
}
