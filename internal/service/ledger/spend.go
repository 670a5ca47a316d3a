package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wallet-ledger/pkg/logger"
)

// SpendResult 计入余额扣减的支出合计
type SpendResult struct {
	Total       decimal.Decimal
	Counted     []SpendEvent
	Degraded    bool
	// Unavailable 提现查询失败, 扣减合计缺失主要部分
	Unavailable bool
	Warnings    []string
}

// SpendReader 汇总提现与其他负向流水 (捐赠/兑换/调整)
type SpendReader struct {
	store RecordStore
}

func NewSpendReader(store RecordStore) *SpendReader {
	return &SpendReader{store: store}
}

// CountedSpend 提现按 approved/processing/completed 计入;
// 调整流水只计负数金额, 与某笔提现 reference 相同的视为同一笔交易, 不重复扣减
func (r *SpendReader) CountedSpend(ctx context.Context, userID string) SpendResult {
	res := SpendResult{Total: decimal.Zero}

	var (
		withdrawals, adjustments []SpendEvent
		wErr, aErr               error
		g                        errgroup.Group
	)
	g.Go(func() error {
		withdrawals, wErr = r.store.Withdrawals(ctx, userID, CountedSpendStatuses)
		return nil
	})
	g.Go(func() error {
		adjustments, aErr = r.store.Adjustments(ctx, userID)
		return nil
	})
	_ = g.Wait()

	if wErr != nil {
		res.Degraded = true
		res.Unavailable = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("withdrawals unavailable: %v", wErr))
		logger.Warn("提现记录查询失败", zap.String("user_id", userID), zap.Error(wErr))
	}
	if aErr != nil {
		res.Degraded = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("adjustments unavailable: %v", aErr))
		logger.Warn("调整流水查询失败", zap.String("user_id", userID), zap.Error(aErr))
	}

	refs := make(map[string]bool)
	for _, w := range withdrawals {
		if !w.Status.Counted() {
			continue
		}
		ref := w.Reference()
		if refs[ref] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("duplicate withdrawal reference %s", ref))
			continue
		}
		refs[ref] = true

		amount := w.Amount.Abs()
		if w.Kind == "" {
			w.Kind = SpendWithdrawal
		}
		w.Amount = amount
		res.Total = res.Total.Add(amount)
		res.Counted = append(res.Counted, w)
	}

	for _, a := range adjustments {
		if !a.Amount.IsNegative() {
			continue
		}
		// 调整流水没有状态时视为已入账
		if a.Status != "" && !a.Status.Counted() {
			continue
		}
		if a.ReferenceID != "" && refs[a.ReferenceID] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("adjustment %s duplicates spend reference %s", a.ID, a.ReferenceID))
			logger.Warn("调整流水与提现重复, 跳过",
				zap.String("user_id", userID),
				zap.String("adjustment_id", a.ID),
				zap.String("reference_id", a.ReferenceID))
			continue
		}
		refs[a.Reference()] = true

		a.Amount = a.Amount.Abs()
		if a.Kind == "" {
			a.Kind = SpendAdjustment
		}
		res.Total = res.Total.Add(a.Amount)
		res.Counted = append(res.Counted, a)
	}

	return res
}
