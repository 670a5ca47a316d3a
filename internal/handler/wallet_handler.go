package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"wallet-ledger/internal/event"
	"wallet-ledger/internal/handler/request"
	"wallet-ledger/internal/handler/response"
	"wallet-ledger/internal/service/coordinator"
	"wallet-ledger/internal/service/ledger"
	"wallet-ledger/pkg/errno"
	"wallet-ledger/pkg/validator"
)

// WalletService 钱包查询与订阅
type WalletService interface {
	GetWallet(ctx context.Context, userID string, opts coordinator.GetOptions) (*ledger.WalletView, error)
	ForceRefresh(ctx context.Context, userID string) (*ledger.WalletView, error)
	Subscribe() (<-chan event.WalletUpdated, func())
	Watch(userID string) func()
	Tiers() []ledger.Tier
	Rates() []ledger.RateEntry
	RateFor(material string) ledger.RateEntry
}

type WalletHandler struct {
	svc       WalletService
	heartbeat time.Duration
}

func NewWalletHandler(svc WalletService) *WalletHandler {
	return &WalletHandler{svc: svc, heartbeat: 15 * time.Second}
}

// GetWallet 查询钱包
// GET /api/v1/wallet/:user_id?force_refresh=true
func (h *WalletHandler) GetWallet(c *gin.Context) {
	var uri request.WalletURI
	if err := c.ShouldBindUri(&uri); err != nil {
		response.Error(c, errno.ErrInvalidUserID.WithMessage(validator.GetErrorMsg(err)))
		return
	}
	var query request.WalletQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, errno.ErrBind.WithMessage(validator.GetErrorMsg(err)))
		return
	}

	view, err := h.svc.GetWallet(c.Request.Context(), uri.UserID, coordinator.GetOptions{ForceRefresh: query.ForceRefresh})
	if err != nil {
		response.Error(c, walletError(err))
		return
	}
	response.Success(c, view)
}

// Refresh 手动刷新
// POST /api/v1/wallet/:user_id/refresh
func (h *WalletHandler) Refresh(c *gin.Context) {
	var uri request.WalletURI
	if err := c.ShouldBindUri(&uri); err != nil {
		response.Error(c, errno.ErrInvalidUserID.WithMessage(validator.GetErrorMsg(err)))
		return
	}

	view, err := h.svc.ForceRefresh(c.Request.Context(), uri.UserID)
	if err != nil {
		response.Error(c, walletError(err))
		return
	}
	response.Success(c, view)
}

// Events 以 SSE 推送该用户的 WalletUpdated
// GET /api/v1/wallet/:user_id/events
func (h *WalletHandler) Events(c *gin.Context) {
	var uri request.WalletURI
	if err := c.ShouldBindUri(&uri); err != nil {
		response.Error(c, errno.ErrInvalidUserID.WithMessage(validator.GetErrorMsg(err)))
		return
	}

	events, cancel := h.svc.Subscribe()
	defer cancel()
	release := h.svc.Watch(uri.UserID)
	defer release()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.UserID != uri.UserID {
				continue
			}
			c.SSEvent("wallet_updated", ev)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}

// Tiers 等级表
// GET /api/v1/tiers
func (h *WalletHandler) Tiers(c *gin.Context) {
	response.Success(c, h.svc.Tiers())
}

// Rates 当前费率表
// GET /api/v1/rates
func (h *WalletHandler) Rates(c *gin.Context) {
	response.Success(c, gin.H{"rates": h.svc.Rates()})
}

// Rate 单个物料的费率
// GET /api/v1/rates/:material
func (h *WalletHandler) Rate(c *gin.Context) {
	var uri request.RateURI
	if err := c.ShouldBindUri(&uri); err != nil {
		response.Error(c, errno.ErrMaterialRequired)
		return
	}
	response.Success(c, h.svc.RateFor(uri.Material))
}

func walletError(err error) error {
	switch {
	case errors.Is(err, errno.ErrInvalidUserID):
		return err
	case errors.Is(err, coordinator.ErrClosed):
		return errno.ErrWalletUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errno.ErrRequestCancelled
	}
	return errno.InternalServerError.WithMessage(err.Error())
}
