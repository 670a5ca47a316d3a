package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"wallet-ledger/internal/event"
	"wallet-ledger/internal/service/ledger"
	"wallet-ledger/pkg/logger"
)

// 任务类型常量
const (
	TypeWalletRecompute = "wallet:recompute"
)

// uniqueWindow 同一用户在窗口内只排队一个重算任务
const uniqueWindow = 10 * time.Second

// RecomputePayload 重算任务参数
type RecomputePayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// NewRecomputeTask 创建钱包重算任务
func NewRecomputeTask(userID, reason string) (*asynq.Task, error) {
	if err := ledger.ValidateUserID(userID); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(RecomputePayload{UserID: userID, Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeWalletRecompute, payload,
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
		asynq.Unique(uniqueWindow),
	), nil
}

// Refresher 强制重算钱包
type Refresher interface {
	ForceRefresh(ctx context.Context, userID string) (*ledger.WalletView, error)
}

// Publisher 发出 WalletUpdated
type Publisher interface {
	Publish(ev event.WalletUpdated)
}

// RecomputeHandler 处理重算任务: 强制刷新缓存后发出 WalletUpdated
type RecomputeHandler struct {
	refresher Refresher
	publisher Publisher
}

func NewRecomputeHandler(refresher Refresher, publisher Publisher) *RecomputeHandler {
	return &RecomputeHandler{refresher: refresher, publisher: publisher}
}

func (h *RecomputeHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p RecomputePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		// JSON 解析失败，重试也没用
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := ledger.ValidateUserID(p.UserID); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	view, err := h.refresher.ForceRefresh(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("recompute wallet %s: %w", p.UserID, err)
	}

	h.publisher.Publish(event.WalletUpdated{
		UserID: p.UserID,
		View:   view,
		Reason: p.Reason,
		At:     time.Now(),
	})
	logger.Debug("wallet recomputed", zap.String("user_id", p.UserID), zap.String("reason", p.Reason))
	return nil
}
