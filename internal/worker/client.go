package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"wallet-ledger/internal/service/ledger"
	"wallet-ledger/internal/worker/tasks"
	"wallet-ledger/pkg/config"
)

// Client 封装 Asynq Client
type Client struct {
	client *asynq.Client
	reason string
}

// NewClient 初始化 Client
func NewClient(cfg config.RedisConfig) *Client {
	c := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{client: c, reason: "change"}
}

// Enqueue 将任务推送到队列
func (c *Client) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, task, opts...)
}

// ForceRefresh 把重算交给 worker, 返回 nil 视图; WalletUpdated 由任务处理器发出
func (c *Client) ForceRefresh(ctx context.Context, userID string) (*ledger.WalletView, error) {
	task, err := tasks.NewRecomputeTask(userID, c.reason)
	if err != nil {
		return nil, err
	}
	if _, err := c.Enqueue(ctx, task); err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, err
	}
	return nil, nil
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}
