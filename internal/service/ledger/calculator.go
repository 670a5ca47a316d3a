package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"wallet-ledger/pkg/logger"
)

// weightEpsilon 浮点累加误差, 避免 9.9999999kg 被取整为 9 分
const weightEpsilon = 1e-9

// Calculator 余额计算器: 回收单 + 支出 + 费率表 -> WalletView
type Calculator struct {
	collections *LedgerReader
	spend       *SpendReader
	rates       *RateTable
	tiers       *TierTable
	impact      *ImpactCalculator
	now         func() time.Time
}

func NewCalculator(store RecordStore, rates *RateTable, tiers *TierTable, impact *ImpactCalculator) *Calculator {
	return &Calculator{
		collections: NewLedgerReader(store),
		spend:       NewSpendReader(store),
		rates:       rates,
		tiers:       tiers,
		impact:      impact,
		now:         time.Now,
	}
}

func (c *Calculator) Rates() *RateTable { return c.rates }

func (c *Calculator) Tiers() *TierTable { return c.tiers }

// ComputeWallet 上游失败只会得到 degraded 结果, 只有非法 userID 或 ctx 取消才返回 error
func (c *Calculator) ComputeWallet(ctx context.Context, userID string) (*WalletView, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	collections := c.collections.ApprovedCollections(ctx, userID)
	spend := c.spend.CountedSpend(ctx, userID)

	// 超时/取消时交给上层重试, 不能把半截结果当成真实余额
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	view := &WalletView{
		UserID:      userID,
		DataQuality: QualityOK,
		ComputedAt:  c.now(),
	}
	var warnings []string

	grossCredit := decimal.Zero
	fund := decimal.Zero
	weight := 0.0
	unattributed := 0.0
	mix := make(map[string]float64)
	unknown := make(map[string]bool)

	for _, ev := range collections.Events {
		if len(ev.Lines) == 0 {
			// 没有明细的回收单: 只计重量, 不计金额
			w := ev.TotalWeightKg
			if !validQuantity(w) {
				warnings = append(warnings, fmt.Sprintf("collection %s has invalid total weight", ev.ID))
				w = 0
			}
			weight += w
			unattributed += w
			warnings = append(warnings, fmt.Sprintf("collection %s has no material lines", ev.ID))
			logger.Warn("回收单缺少物料明细, 仅计入重量",
				zap.String("user_id", userID),
				zap.String("collection_id", ev.ID),
				zap.Float64("weight_kg", w))
			continue
		}

		for _, line := range ev.Lines {
			qty := line.QuantityKg
			if !validQuantity(qty) {
				warnings = append(warnings, fmt.Sprintf("collection %s has invalid quantity for %s", ev.ID, line.Category))
				logger.Warn("物料重量非法, 按 0 计",
					zap.String("user_id", userID),
					zap.String("collection_id", ev.ID),
					zap.String("category", line.Category),
					zap.Float64("quantity_kg", qty))
				qty = 0
			}

			rate := c.rates.RateFor(line.Category)
			if !rate.Known && !rate.Excluded && !unknown[line.Category] {
				unknown[line.Category] = true
				warnings = append(warnings, fmt.Sprintf("unknown material %q priced at default rate", line.Category))
				logger.Warn("未知物料, 使用默认费率",
					zap.String("user_id", userID),
					zap.String("category", line.Category))
			}

			price := rate.PricePerKg
			if line.UnitPrice.IsPositive() {
				price = line.UnitPrice
			}
			value := price.Mul(decimal.NewFromFloat(qty))

			// 专项物料的金额进入共享基金, 重量照常计入等级
			if rate.Excluded {
				fund = fund.Add(value)
			} else {
				grossCredit = grossCredit.Add(value)
			}
			weight += qty
			mix[line.Category] += qty
		}
	}

	balance := grossCredit.Sub(spend.Total).Round(2)
	if balance.IsNegative() {
		balance = decimal.Zero
	}

	view.Balance = balance
	view.GrossCredit = grossCredit.Round(2)
	view.FundContribution = fund.Round(2)
	view.TotalSpent = spend.Total.Round(2)
	view.CumulativeWeightKg = round(weight, 3)
	view.Points = int64(math.Floor(weight + weightEpsilon))
	view.CollectionCount = len(collections.Events)

	tier := c.tiers.TierFor(weight)
	view.Tier = tier.Name
	view.Progress = c.tiers.NextTier(weight)
	view.Impact = c.impact.CalculateMix(mix, unattributed)

	warnings = append(warnings, spend.Warnings...)
	if collections.Degraded || spend.Degraded {
		view.DataQuality = QualityDegraded
		warnings = append(warnings, collections.Failures...)
	}
	view.Unavailable = collections.Unavailable || spend.Unavailable
	view.Warnings = warnings

	return view, nil
}

// validQuantity 负数, NaN 和 Inf 都是脏数据
func validQuantity(kg float64) bool {
	return kg >= 0 && !math.IsInf(kg, 0)
}

// EmptyWallet 全部失败且没有可用缓存时返回的零值视图
func (c *Calculator) EmptyWallet(userID string) *WalletView {
	return &WalletView{
		UserID:           userID,
		Balance:          decimal.Zero,
		GrossCredit:      decimal.Zero,
		FundContribution: decimal.Zero,
		TotalSpent:       decimal.Zero,
		Tier:             c.tiers.TierFor(0).Name,
		Progress:         c.tiers.NextTier(0),
		Impact:           c.impact.Calculate(0),
		DataQuality:      QualityDegraded,
		Unavailable:      true,
		Warnings:         []string{"wallet data unavailable"},
		ComputedAt:       c.now(),
	}
}
