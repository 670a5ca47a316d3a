package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpendReader_CountedSpend(t *testing.T) {
	store := newFakeStore("u-1")
	store.withdrawals = []SpendEvent{
		withdrawal("w-1", "40.00", SpendCompleted),
		withdrawal("w-2", "10.00", SpendProcessing),
		withdrawal("w-3", "5.00", SpendApproved),
		withdrawal("w-4", "99.00", SpendPending),
		withdrawal("w-5", "99.00", SpendRejected),
		withdrawal("w-6", "99.00", SpendCancelled),
	}
	store.adjustments = []SpendEvent{
		{ID: "t-1", Amount: decimal.RequireFromString("-3.50"), Kind: SpendDonation},
		{ID: "t-2", Amount: decimal.RequireFromString("-1.50"), Kind: SpendRedemption, Status: SpendCompleted},
		{ID: "t-3", Amount: decimal.RequireFromString("25.00"), Kind: SpendAdjustment},
		{ID: "t-4", Amount: decimal.RequireFromString("-7.00"), Kind: SpendRedemption, Status: SpendCancelled},
	}

	res := NewSpendReader(store).CountedSpend(context.Background(), "u-1")

	assert.False(t, res.Degraded)
	assert.Equal(t, "60.00", res.Total.StringFixed(2))
	assert.Len(t, res.Counted, 5)
	for _, e := range res.Counted {
		assert.True(t, e.Amount.IsPositive(), "支出金额统一为正数: %s", e.ID)
	}
}

func TestSpendReader_DedupeByReference(t *testing.T) {
	store := newFakeStore("u-1")
	w := withdrawal("w-1", "40.00", SpendCompleted)
	w.ReferenceID = "txn-77"
	store.withdrawals = []SpendEvent{w}
	store.adjustments = []SpendEvent{
		{ID: "t-1", Amount: decimal.RequireFromString("-40.00"), Kind: SpendAdjustment, ReferenceID: "txn-77"},
		{ID: "t-2", Amount: decimal.RequireFromString("-2.00"), Kind: SpendDonation, ReferenceID: "don-1"},
		{ID: "t-3", Amount: decimal.RequireFromString("-2.00"), Kind: SpendDonation, ReferenceID: "don-1"},
	}

	res := NewSpendReader(store).CountedSpend(context.Background(), "u-1")

	assert.Equal(t, "42.00", res.Total.StringFixed(2))
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], "txn-77")
}

func TestSpendReader_UpstreamFailure(t *testing.T) {
	store := newFakeStore("u-1")
	store.withdrawalErr = errUpstream
	store.adjustments = []SpendEvent{
		{ID: "t-1", Amount: decimal.RequireFromString("-3.00"), Kind: SpendDonation},
	}

	res := NewSpendReader(store).CountedSpend(context.Background(), "u-1")

	assert.True(t, res.Degraded)
	assert.Equal(t, "3.00", res.Total.StringFixed(2))
	assert.NotEmpty(t, res.Warnings)
}
