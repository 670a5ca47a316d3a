package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

// failingCache 模拟 Redis 不可用
type failingCache struct{}

func (failingCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return errors.New("dial tcp: connection refused")
}

func (failingCache) Get(ctx context.Context, key string, target interface{}) error {
	return errors.New("dial tcp: connection refused")
}

func (failingCache) Delete(ctx context.Context, key string) error {
	return errors.New("dial tcp: connection refused")
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute, time.Minute)

	var got snapshot
	assert.ErrorIs(t, c.Get(ctx, "u-1", &got), ErrMiss)

	v := &snapshot{UserID: "u-1", Balance: "20.00"}
	require.NoError(t, c.Set(ctx, "u-1", v, time.Minute))
	v.Balance = "0.00" // 修改原对象不影响缓存

	require.NoError(t, c.Get(ctx, "u-1", &got))
	assert.Equal(t, "20.00", got.Balance)

	require.NoError(t, c.Delete(ctx, "u-1"))
	assert.ErrorIs(t, c.Get(ctx, "u-1", &got), ErrMiss)
}

func TestMultiLevelCache_BackfillsLocal(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryCache(time.Minute, time.Minute)
	remote := NewMemoryCache(time.Minute, time.Minute)
	m := NewMultiLevelCache(local, remote, time.Minute)

	require.NoError(t, remote.Set(ctx, "u-1", snapshot{UserID: "u-1", Balance: "5.00"}, time.Minute))

	var got snapshot
	require.NoError(t, m.Get(ctx, "u-1", &got))
	assert.Equal(t, "5.00", got.Balance)

	var fromLocal snapshot
	require.NoError(t, local.Get(ctx, "u-1", &fromLocal), "L2 命中后应回写 L1")
	assert.Equal(t, got, fromLocal)
}

func TestMultiLevelCache_RemoteDown(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryCache(time.Minute, time.Minute)
	m := NewMultiLevelCache(local, failingCache{}, time.Minute)

	assert.Error(t, m.Set(ctx, "u-1", snapshot{UserID: "u-1"}, time.Minute))

	// L1 依然写入成功
	var got snapshot
	require.NoError(t, m.Get(ctx, "u-1", &got))
	assert.Equal(t, "u-1", got.UserID)

	assert.ErrorIs(t, m.Get(ctx, "u-2", &got), ErrMiss)
}
