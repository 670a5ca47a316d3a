package ledger

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"wallet-ledger/pkg/errno"
)

// CollectionStatus 回收单状态
type CollectionStatus string

const (
	CollectionPending   CollectionStatus = "pending"
	CollectionApproved  CollectionStatus = "approved"
	CollectionCompleted CollectionStatus = "completed"
	CollectionRejected  CollectionStatus = "rejected"
)

// CreditableCollectionStatuses 只有这两个状态的回收单参与计算
var CreditableCollectionStatuses = []CollectionStatus{CollectionApproved, CollectionCompleted}

func (s CollectionStatus) Creditable() bool {
	switch CollectionStatus(strings.ToLower(string(s))) {
	case CollectionApproved, CollectionCompleted:
		return true
	}
	return false
}

// CollectionEvent 一次回收记录 (外部系统写入, 这里只读)
type CollectionEvent struct {
	ID              string
	UserID          string
	Status          CollectionStatus
	TotalWeightKg   float64
	StatusChangedAt time.Time
	Lines           []MaterialLine
}

// MaterialLine 回收单中的单个物料明细
type MaterialLine struct {
	CollectionID string
	Category     string
	QuantityKg   float64
	// UnitPrice 为零时使用费率表中的单价
	UnitPrice decimal.Decimal
}

// SpendStatus 支出记录状态
type SpendStatus string

const (
	SpendPending    SpendStatus = "pending"
	SpendApproved   SpendStatus = "approved"
	SpendProcessing SpendStatus = "processing"
	SpendCompleted  SpendStatus = "completed"
	SpendRejected   SpendStatus = "rejected"
	SpendCancelled  SpendStatus = "cancelled"
)

// CountedSpendStatuses 会扣减余额的状态
var CountedSpendStatuses = []SpendStatus{SpendApproved, SpendProcessing, SpendCompleted}

func (s SpendStatus) Counted() bool {
	switch SpendStatus(strings.ToLower(string(s))) {
	case SpendApproved, SpendProcessing, SpendCompleted:
		return true
	}
	return false
}

type SpendKind string

const (
	SpendWithdrawal SpendKind = "withdrawal"
	SpendDonation   SpendKind = "donation"
	SpendRedemption SpendKind = "redemption"
	SpendAdjustment SpendKind = "adjustment"
)

// SpendEvent 提现/捐赠/兑换/调整. Amount 对提现是正数金额, 对调整流水保留原始符号
type SpendEvent struct {
	ID          string
	UserID      string
	Amount      decimal.Decimal
	Status      SpendStatus
	Kind        SpendKind
	ReferenceID string
	OccurredAt  time.Time
}

// Reference 用于去重的稳定引用, 没有 reference_id 时退回记录 ID
func (e SpendEvent) Reference() string {
	if e.ReferenceID != "" {
		return e.ReferenceID
	}
	return e.ID
}

// Identity 同一个用户在不同数据源里的身份标识
type Identity struct {
	UserID string
	Email  string
}

// IdentityKey 回收单表中用来关联用户的字段类别
type IdentityKey string

const (
	KeyUserID IdentityKey = "user_id"
	KeyEmail  IdentityKey = "email"
	KeyActor  IdentityKey = "created_by"
)

// RecordStore 外部记录库的查询接口
type RecordStore interface {
	LookupIdentity(ctx context.Context, userID string) (Identity, error)
	CollectionsBy(ctx context.Context, key IdentityKey, value string, statuses []CollectionStatus) ([]CollectionEvent, error)
	Withdrawals(ctx context.Context, userID string, statuses []SpendStatus) ([]SpendEvent, error)
	Adjustments(ctx context.Context, userID string) ([]SpendEvent, error)
}

type DataQuality string

const (
	QualityOK       DataQuality = "ok"
	QualityDegraded DataQuality = "degraded"
)

type TierProgress struct {
	Current            string  `json:"current"`
	Next               *string `json:"next_tier"`
	WeightNeededKg     float64 `json:"weight_needed_kg"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

type Impact struct {
	CO2SavedKg       float64 `json:"co2_saved_kg"`
	WaterSavedLiters float64 `json:"water_saved_liters"`
	LandfillSavedKg  float64 `json:"landfill_saved_kg"`
}

// WalletView 钱包投影, 只缓存不落库
type WalletView struct {
	UserID             string          `json:"user_id"`
	Balance            decimal.Decimal `json:"balance"`
	GrossCredit        decimal.Decimal `json:"gross_credit"`
	FundContribution   decimal.Decimal `json:"fund_contribution"`
	TotalSpent         decimal.Decimal `json:"total_spent"`
	Points             int64           `json:"points"`
	CumulativeWeightKg float64         `json:"cumulative_weight_kg"`
	Tier               string          `json:"tier"`
	Progress           TierProgress    `json:"progress"`
	Impact             Impact          `json:"impact"`
	CollectionCount    int             `json:"collection_count"`
	DataQuality        DataQuality     `json:"data_quality"`
	Stale              bool            `json:"stale"`
	// Unavailable 回收单或提现整体查不到, 余额不可信
	Unavailable        bool            `json:"unavailable,omitempty"`
	Warnings           []string        `json:"warnings,omitempty"`
	ComputedAt         time.Time       `json:"computed_at"`
}

func (v *WalletView) Degraded() bool {
	return v.DataQuality == QualityDegraded
}

// Clone 深拷贝, 缓存中的对象不能被调用方修改
func (v *WalletView) Clone() *WalletView {
	if v == nil {
		return nil
	}
	out := *v
	if v.Progress.Next != nil {
		next := *v.Progress.Next
		out.Progress.Next = &next
	}
	if v.Warnings != nil {
		out.Warnings = append([]string(nil), v.Warnings...)
	}
	return &out
}

const maxUserIDLen = 128

// ValidateUserID 调用方传入的用户 ID 非法时立即失败, 不走降级
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errno.ErrInvalidUserID.WithMessage("user id is required")
	}
	if len(userID) > maxUserIDLen {
		return errno.ErrInvalidUserID.WithMessage("user id is too long")
	}
	for _, r := range userID {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errno.ErrInvalidUserID.WithMessage("user id contains whitespace")
		}
	}
	return nil
}
