package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-ledger/internal/service/ledger"
	"wallet-ledger/pkg/cache"
	"wallet-ledger/pkg/config"
	"wallet-ledger/pkg/errno"
)

var errUpstream = errors.New("upstream unavailable")

// fakeComputer 每次调用交给 fn 处理, n 从 1 开始
type fakeComputer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, userID string, n int) (*ledger.WalletView, error)
}

func (f *fakeComputer) ComputeWallet(ctx context.Context, userID string) (*ledger.WalletView, error) {
	n := int(f.calls.Add(1))
	return f.fn(ctx, userID, n)
}

func (f *fakeComputer) EmptyWallet(userID string) *ledger.WalletView {
	return &ledger.WalletView{UserID: userID, Tier: "bronze", DataQuality: ledger.QualityDegraded, Unavailable: true}
}

func wallet(userID, balance string) *ledger.WalletView {
	return &ledger.WalletView{
		UserID:      userID,
		Balance:     decimal.RequireFromString(balance),
		Tier:        "bronze",
		DataQuality: ledger.QualityOK,
		ComputedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testOptions() Options {
	o := DefaultOptions()
	o.AttemptTimeout = 50 * time.Millisecond
	o.BackoffBase = time.Millisecond
	return o
}

// testClock 手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCoordinator(t *testing.T, computer Computer, snapshots cache.Cache, opts Options) (*Coordinator, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	c := New(computer, snapshots, opts)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

// waiters 当前等待该用户计算结果的调用方数量
func (c *Coordinator) waiters(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[userID]; ok {
		return f.waiters
	}
	return 0
}

func TestGet_CachesWithinTTL(t *testing.T) {
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		return wallet(userID, "20.00"), nil
	}}
	c, clock := newTestCoordinator(t, fc, nil, testOptions())
	ctx := context.Background()

	a, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	b, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, int32(1), fc.calls.Load())

	// 返回的是副本
	a.Warnings = append(a.Warnings, "mutated")
	again, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, again.Warnings)

	clock.Advance(2*time.Minute + time.Second)
	_, err = c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), fc.calls.Load())
}

func TestGet_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		<-release
		return wallet(userID, "5.00"), nil
	}}
	opts := testOptions()
	opts.AttemptTimeout = 5 * time.Second
	c, _ := newTestCoordinator(t, fc, nil, opts)

	const callers = 10
	var wg sync.WaitGroup
	views := make([]*ledger.WalletView, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "u-1", GetOptions{})
			assert.NoError(t, err)
			views[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return c.waiters("u-1") == callers }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fc.calls.Load())
	for _, v := range views {
		require.NotNil(t, v)
		assert.Equal(t, "5.00", v.Balance.StringFixed(2))
	}
}

func TestForceRefresh_NeverReturnsEarlierComputation(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		if n == 1 {
			<-release
			return wallet(userID, "1.00"), nil
		}
		return wallet(userID, "2.00"), nil
	}}
	opts := testOptions()
	opts.AttemptTimeout = 5 * time.Second
	c, _ := newTestCoordinator(t, fc, nil, opts)

	first := make(chan *ledger.WalletView, 1)
	go func() {
		v, _ := c.Get(context.Background(), "u-1", GetOptions{})
		first <- v
	}()
	require.Eventually(t, func() bool { return fc.calls.Load() == 1 }, time.Second, time.Millisecond)

	forced := make(chan *ledger.WalletView, 1)
	go func() {
		v, _ := c.ForceRefresh(context.Background(), "u-1")
		forced <- v
	}()

	// 强制刷新不会和进行中的计算并发
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fc.calls.Load())
	close(release)

	assert.Equal(t, "1.00", (<-first).Balance.StringFixed(2))
	assert.Equal(t, "2.00", (<-forced).Balance.StringFixed(2))
	assert.Equal(t, int32(2), fc.calls.Load())

	// 强制刷新的结果写入缓存
	v, err := c.Get(context.Background(), "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2.00", v.Balance.StringFixed(2))
	assert.Equal(t, int32(2), fc.calls.Load())
}

func TestGet_TimeoutRetriesThenServesStale(t *testing.T) {
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		if n == 1 {
			return wallet(userID, "10.00"), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c, _ := newTestCoordinator(t, fc, nil, testOptions())
	ctx := context.Background()

	_, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)

	v, err := c.ForceRefresh(ctx, "u-1")
	require.NoError(t, err, "上游失败不能抛给调用方")
	assert.Equal(t, "10.00", v.Balance.StringFixed(2))
	assert.True(t, v.Stale)
	assert.True(t, v.Degraded())
	assert.NotEmpty(t, v.Warnings)
	assert.Equal(t, int32(1+3), fc.calls.Load())
}

func TestGet_FailureWithoutLastGoodIsEmptyAndShortLived(t *testing.T) {
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		if n <= 3 {
			return nil, errUpstream
		}
		return wallet(userID, "7.00"), nil
	}}
	c, clock := newTestCoordinator(t, fc, nil, testOptions())
	ctx := context.Background()

	v, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.True(t, v.Degraded())
	assert.False(t, v.Stale)
	assert.True(t, v.Balance.IsZero())
	assert.Equal(t, int32(3), fc.calls.Load())

	// 降级结果在短 TTL 内直接命中
	_, err = c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), fc.calls.Load())

	clock.Advance(21 * time.Second)
	v, err = c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.False(t, v.Degraded())
	assert.Equal(t, "7.00", v.Balance.StringFixed(2))
}

func TestGet_PartialDegradedResultIsServed(t *testing.T) {
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		switch n {
		case 1:
			return wallet(userID, "42.00"), nil
		case 2:
			// 身份查询失败, 其余数据源正常, 新提现已经可见
			v := wallet(userID, "2.00")
			v.DataQuality = ledger.QualityDegraded
			v.Warnings = []string{"identity: upstream unavailable"}
			return v, nil
		}
		v := wallet(userID, "0.00")
		v.DataQuality = ledger.QualityDegraded
		v.Unavailable = true
		return v, nil
	}}
	c, clock := newTestCoordinator(t, fc, nil, testOptions())
	ctx := context.Background()

	_, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)

	c.Invalidate("u-1")
	v, err := c.ForceRefresh(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "2.00", v.Balance.StringFixed(2))
	assert.False(t, v.Stale)
	assert.True(t, v.Degraded())
	assert.Contains(t, v.Warnings, "identity: upstream unavailable")

	// 部分降级的结果只缓存 DegradedTTL
	clock.Advance(10 * time.Second)
	v, err = c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2.00", v.Balance.StringFixed(2))
	assert.Equal(t, int32(2), fc.calls.Load())

	// 部分降级的结果不会替换 last-good
	clock.Advance(11 * time.Second)
	v, err = c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), fc.calls.Load())
	assert.Equal(t, "42.00", v.Balance.StringFixed(2))
	assert.True(t, v.Stale)
}

func TestGet_UnavailableResultFallsBackToLastGood(t *testing.T) {
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		if n == 1 {
			return wallet(userID, "42.00"), nil
		}
		v := wallet(userID, "0.00")
		v.DataQuality = ledger.QualityDegraded
		v.Unavailable = true
		v.Warnings = []string{"collections by user_id: upstream unavailable"}
		return v, nil
	}}
	c, clock := newTestCoordinator(t, fc, nil, testOptions())
	ctx := context.Background()

	_, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	v, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "42.00", v.Balance.StringFixed(2))
	assert.True(t, v.Stale)
	assert.True(t, v.Degraded())
	assert.Contains(t, v.Warnings, "collections by user_id: upstream unavailable")

	// 过了 StaleMaxAge 就不再使用 last-good
	clock.Advance(25 * time.Hour)
	v, err = c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.True(t, v.Balance.IsZero())
	assert.True(t, v.Unavailable)
	assert.False(t, v.Stale)
}

func TestGet_LateAttemptDoesNotOverwriteLaterAttempt(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		if n == 1 {
			<-release
			return wallet(userID, "1.00"), nil
		}
		return wallet(userID, "2.00"), nil
	}}
	opts := testOptions()
	opts.MaxAttempts = 2
	c, _ := newTestCoordinator(t, fc, nil, opts)
	ctx := context.Background()

	v, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2.00", v.Balance.StringFixed(2))

	// 第一次 attempt 的迟到结果落地
	close(release)
	c.wg.Wait()

	v, err = c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2.00", v.Balance.StringFixed(2))
	assert.Equal(t, int32(2), fc.calls.Load())

	c.mu.Lock()
	assert.Equal(t, "2.00", c.entries["u-1"].lastGood.Balance.StringFixed(2))
	c.mu.Unlock()
}

func TestGet_LateResultPopulatesCache(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		select {
		case <-release:
			return wallet(userID, "9.50"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	opts := testOptions()
	opts.MaxAttempts = 1
	opts.AttemptTimeout = 100 * time.Millisecond
	c, _ := newTestCoordinator(t, fc, nil, opts)
	ctx := context.Background()

	v, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.True(t, v.Degraded())

	close(release)
	require.Eventually(t, func() bool {
		v, err := c.Get(ctx, "u-1", GetOptions{})
		return err == nil && !v.Degraded() && v.Balance.Equal(decimal.RequireFromString("9.50"))
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), fc.calls.Load(), "迟到结果直接进入缓存, 不重新计算")
}

func TestGet_InvalidUserID(t *testing.T) {
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		return wallet(userID, "1.00"), nil
	}}
	c, _ := newTestCoordinator(t, fc, nil, testOptions())

	for _, id := range []string{"", "  ", "a b"} {
		_, err := c.Get(context.Background(), id, GetOptions{})
		assert.True(t, errors.Is(err, errno.ErrInvalidUserID), "id=%q", id)
	}
	assert.Equal(t, int32(0), fc.calls.Load())
}

func TestGet_CallerContextCancelled(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		<-release
		return wallet(userID, "1.00"), nil
	}}
	opts := testOptions()
	opts.AttemptTimeout = 5 * time.Second
	c, _ := newTestCoordinator(t, fc, nil, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "u-1", GetOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 调用方放弃等待, 计算本身继续并写入缓存
	close(release)
	require.Eventually(t, func() bool { return c.waiters("u-1") == 0 }, time.Second, time.Millisecond)
	v, err := c.Get(context.Background(), "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1.00", v.Balance.StringFixed(2))
	assert.Equal(t, int32(1), fc.calls.Load())
}

func TestInvalidate(t *testing.T) {
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		if n == 2 {
			return nil, errUpstream
		}
		return wallet(userID, "3.00"), nil
	}}
	opts := testOptions()
	opts.MaxAttempts = 1
	c, _ := newTestCoordinator(t, fc, nil, opts)
	ctx := context.Background()

	_, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)

	c.Invalidate("u-1")
	c.Invalidate("unknown")

	// 失效后重新计算, 失败时仍可用 last-good
	v, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), fc.calls.Load())
	assert.True(t, v.Stale)
	assert.Equal(t, "3.00", v.Balance.StringFixed(2))
}

func TestRefreshActive(t *testing.T) {
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		return wallet(userID, "1.00"), nil
	}}
	c, clock := newTestCoordinator(t, fc, nil, testOptions())
	ctx := context.Background()

	_, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	_, err = c.Get(ctx, "u-2", GetOptions{})
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	_, err = c.Get(ctx, "u-2", GetOptions{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.False(t, c.IsActive("u-1"))
	assert.True(t, c.IsActive("u-2"))
	assert.Equal(t, []string{"u-2"}, c.ActiveUsers())

	before := fc.calls.Load()
	assert.Equal(t, 1, c.RefreshActive(ctx))
	assert.Equal(t, before+1, fc.calls.Load())

	// 后台刷新不算用户活跃
	_, err = c.Refresh(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, c.IsActive("u-1"))
}

func TestWatch_KeepsUserActive(t *testing.T) {
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		return wallet(userID, "1.00"), nil
	}}
	c, clock := newTestCoordinator(t, fc, nil, testOptions())

	assert.False(t, c.IsActive("u-1"))
	release := c.Watch("u-1")
	assert.True(t, c.IsActive("u-1"), "订阅中但从未查询")

	clock.Advance(time.Hour)
	assert.True(t, c.IsActive("u-1"))
	assert.Equal(t, []string{"u-1"}, c.ActiveUsers())

	// 订阅期间不会被清理
	clock.Advance(48 * time.Hour)
	c.evict()
	assert.True(t, c.IsActive("u-1"))

	release()
	release()
	assert.True(t, c.IsActive("u-1"), "取消订阅后还在 ActiveWindow 内")
	clock.Advance(6 * time.Minute)
	assert.False(t, c.IsActive("u-1"))
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	snapshots := cache.NewMemoryCache(time.Hour, time.Hour)

	good := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		return wallet(userID, "12.30"), nil
	}}
	c, _ := newTestCoordinator(t, good, snapshots, testOptions())
	_, err := c.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)

	var stored ledger.WalletView
	require.NoError(t, snapshots.Get(ctx, "wallet:view:u-1", &stored))
	assert.Equal(t, "12.30", stored.Balance.StringFixed(2))

	// 新实例没有本地 last-good, 上游失败时使用快照
	failing := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		return nil, errUpstream
	}}
	opts := testOptions()
	opts.MaxAttempts = 1
	restarted, clock := newTestCoordinator(t, failing, snapshots, opts)
	clock.now = stored.ComputedAt.Add(time.Hour)

	v, err := restarted.Get(ctx, "u-1", GetOptions{})
	require.NoError(t, err)
	assert.True(t, v.Stale)
	assert.Equal(t, "12.30", v.Balance.StringFixed(2))
}

func TestClose(t *testing.T) {
	fc := &fakeComputer{fn: func(ctx context.Context, userID string, n int) (*ledger.WalletView, error) {
		return wallet(userID, "1.00"), nil
	}}
	c := New(fc, nil, testOptions())
	c.Close()

	_, err := c.Get(context.Background(), "u-1", GetOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Refresh(context.Background(), "u-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOptions_Backoff(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, time.Duration(0), o.backoff(0))
	assert.Equal(t, 200*time.Millisecond, o.backoff(1))
	assert.Equal(t, 400*time.Millisecond, o.backoff(2))
	assert.Equal(t, 800*time.Millisecond, o.backoff(3))
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(config.CacheConfig{
		TTL:                time.Minute,
		RefreshConcurrency: 32,
	})
	assert.Equal(t, time.Minute, o.TTL)
	assert.Equal(t, 32, o.RefreshConcurrency)
	assert.Equal(t, 20*time.Second, o.DegradedTTL)

	// 未配置时使用默认值
	assert.Equal(t, 8, OptionsFromConfig(config.CacheConfig{}).RefreshConcurrency)
}
