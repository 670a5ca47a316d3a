package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wallet-ledger/internal/service/ledger"
	"wallet-ledger/pkg/cache"
	"wallet-ledger/pkg/errno"
	"wallet-ledger/pkg/logger"
	"wallet-ledger/pkg/monitor"
)

// ErrClosed Coordinator 已关闭
var ErrClosed = errors.New("wallet coordinator closed")

var errAttemptTimeout = errors.New("wallet computation attempt timed out")

// Computer 计算单个用户的钱包视图
type Computer interface {
	ComputeWallet(ctx context.Context, userID string) (*ledger.WalletView, error)
	EmptyWallet(userID string) *ledger.WalletView
}

// GetOptions 单次查询选项
type GetOptions struct {
	// ForceRefresh 跳过缓存读取, 结果一定来自本次调用之后开始的计算
	ForceRefresh bool
}

type entry struct {
	view      *ledger.WalletView
	expiresAt time.Time
	source    version // 产生 view 的计算

	lastGood   *ledger.WalletView
	lastGoodAt time.Time
	good       version

	// invalidatedSeq 失效时最新的计算序号, 不大于它的计算结果不再当作新鲜数据
	invalidatedSeq uint64
	lastSeen       time.Time
	watchers       int // 实时订阅数
}

// flight 一个用户同一时刻只有一个进行中的计算
type flight struct {
	seq     uint64
	done    chan struct{}
	waiters int

	view *ledger.WalletView
	err  error
}

type result struct {
	view *ledger.WalletView
	err  error
}

// version 计算序号加重试序号; 同一次计算里后面的 attempt 更新
type version struct {
	seq     uint64
	attempt int
}

// noAttempt 结果不是由某个 attempt 直接产生 (兜底或空视图)
const noAttempt = -1

func (v version) newerThan(o version) bool {
	if v.seq != o.seq {
		return v.seq > o.seq
	}
	return v.attempt > o.attempt
}

// Coordinator 钱包视图的进程内缓存
// 同一用户的计算串行且去重, 不同用户并行; 锁只保护内存状态, 不跨 I/O 持有
type Coordinator struct {
	computer  Computer
	snapshots cache.Cache
	opts      Options
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	seq     uint64
	entries map[string]*entry
	flights map[string]*flight
	closed  bool
}

// New snapshots 可以为 nil, 非空时用于进程重启后恢复 last-good
func New(computer Computer, snapshots cache.Cache, opts Options) *Coordinator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RefreshConcurrency < 1 {
		opts.RefreshConcurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		computer:  computer,
		snapshots: snapshots,
		opts:      opts,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
		flights:   make(map[string]*flight),
	}
}

// Get 返回用户钱包视图; 只有用户 ID 非法或调用方 ctx 结束时返回错误
func (c *Coordinator) Get(ctx context.Context, userID string, opts GetOptions) (*ledger.WalletView, error) {
	if err := ledger.ValidateUserID(userID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e := c.entryLocked(userID)
	e.lastSeen = c.now()
	if !opts.ForceRefresh && e.view != nil && c.now().Before(e.expiresAt) {
		view := e.view.Clone()
		c.mu.Unlock()
		monitor.WalletLookups.WithLabelValues("hit").Inc()
		return view, nil
	}
	c.mu.Unlock()

	if opts.ForceRefresh {
		return c.forceRefresh(ctx, userID)
	}
	return c.await(ctx, c.joinOrStart(userID))
}

// ForceRefresh 等价于 Get(ForceRefresh: true)
func (c *Coordinator) ForceRefresh(ctx context.Context, userID string) (*ledger.WalletView, error) {
	return c.Get(ctx, userID, GetOptions{ForceRefresh: true})
}

// Refresh 后台刷新: 跳过缓存读取, 已有计算时直接复用, 不更新用户活跃时间
func (c *Coordinator) Refresh(ctx context.Context, userID string) (*ledger.WalletView, error) {
	if err := ledger.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.await(ctx, c.joinOrStart(userID))
}

// Invalidate 丢弃缓存视图, 保留 last-good 作为失败兜底
func (c *Coordinator) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		if _, inflight := c.flights[userID]; !inflight {
			return
		}
		e = c.entryLocked(userID)
	}
	e.view = nil
	e.expiresAt = time.Time{}
	e.invalidatedSeq = c.seq
}

// Watch 订阅期间用户一直算作活跃, 变更通知会触发重算; 结束订阅时调用返回的函数
func (c *Coordinator) Watch(userID string) (release func()) {
	c.mu.Lock()
	e := c.entryLocked(userID)
	e.watchers++
	e.lastSeen = c.now()
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			e.watchers--
			e.lastSeen = c.now()
			c.mu.Unlock()
		})
	}
}

// IsActive 用户正在订阅, 或最近 ActiveWindow 内被查询过
func (c *Coordinator) IsActive(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	return ok && c.isActiveLocked(e, c.now())
}

// ActiveUsers 按用户 ID 排序
func (c *Coordinator) ActiveUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var users []string
	for id, e := range c.entries {
		if c.isActiveLocked(e, now) {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// RefreshActive 刷新所有活跃用户并清理长期未访问的条目, 返回刷新的用户数
func (c *Coordinator) RefreshActive(ctx context.Context) int {
	users := c.ActiveUsers()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.RefreshConcurrency)
	for _, id := range users {
		id := id
		g.Go(func() error {
			if _, err := c.Refresh(gctx, id); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("background wallet refresh failed", zap.String("user_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	c.evict()
	return len(users)
}

// Close 停止所有计算并等待后台 goroutine 退出
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) isActiveLocked(e *entry, now time.Time) bool {
	if e.watchers > 0 {
		return true
	}
	return !e.lastSeen.IsZero() && now.Sub(e.lastSeen) <= c.opts.ActiveWindow
}

func (c *Coordinator) entryLocked(userID string) *entry {
	e, ok := c.entries[userID]
	if !ok {
		e = &entry{}
		c.entries[userID] = e
		monitor.CachedWallets.Set(float64(len(c.entries)))
	}
	return e
}

// evict 删除 StaleMaxAge 内没被查询, 没有订阅也没有进行中计算的条目
func (c *Coordinator) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, e := range c.entries {
		if _, inflight := c.flights[id]; inflight || e.watchers > 0 {
			continue
		}
		if now.Sub(e.lastSeen) > c.opts.StaleMaxAge && now.Sub(e.lastGoodAt) > c.opts.StaleMaxAge {
			delete(c.entries, id)
		}
	}
	monitor.CachedWallets.Set(float64(len(c.entries)))
}

// joinOrStart 复用进行中的计算, 没有时新开一个
func (c *Coordinator) joinOrStart(userID string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.flights[userID]; ok {
		f.waiters++
		monitor.WalletLookups.WithLabelValues("joined").Inc()
		return f
	}
	return c.startLocked(userID)
}

// forceRefresh 只复用本次调用之后开始的计算; 更早的计算先等它结束, 同一用户仍然不会并发计算
func (c *Coordinator) forceRefresh(ctx context.Context, userID string) (*ledger.WalletView, error) {
	c.mu.Lock()
	minSeq := c.seq
	for {
		f, ok := c.flights[userID]
		if !ok {
			f = c.startLocked(userID)
			c.mu.Unlock()
			return c.await(ctx, f)
		}
		if f.seq > minSeq {
			f.waiters++
			c.mu.Unlock()
			monitor.WalletLookups.WithLabelValues("joined").Inc()
			return c.await(ctx, f)
		}
		c.mu.Unlock()

		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
}

func (c *Coordinator) startLocked(userID string) *flight {
	if c.closed {
		f := &flight{done: make(chan struct{}), err: ErrClosed}
		close(f.done)
		return f
	}

	c.seq++
	f := &flight{seq: c.seq, done: make(chan struct{}), waiters: 1}
	c.flights[userID] = f

	c.wg.Add(1)
	go c.run(userID, f)
	monitor.WalletLookups.WithLabelValues("computed").Inc()
	return f
}

func (c *Coordinator) await(ctx context.Context, f *flight) (*ledger.WalletView, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.view.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) run(userID string, f *flight) {
	defer c.wg.Done()

	view, attempt, err := c.computeWithRetry(userID, f.seq)

	var seed *ledger.WalletView
	switch {
	case err != nil && !isCallerError(err), err == nil && view.Unavailable:
		seed = c.loadSnapshot(userID)
	case err == nil && !view.Degraded():
		c.saveSnapshot(userID, view)
	}

	c.resolve(userID, f, version{seq: f.seq, attempt: attempt}, view, err, seed)
}

// computeWithRetry 返回成功的 attempt 序号, 失败时为 noAttempt
func (c *Coordinator) computeWithRetry(userID string, seq uint64) (*ledger.WalletView, int, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.opts.backoff(attempt))
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return nil, noAttempt, c.ctx.Err()
			}
		}

		view, err := c.attempt(userID, version{seq: seq, attempt: attempt})
		if err == nil {
			return view, attempt, nil
		}
		if isCallerError(err) || c.ctx.Err() != nil {
			return nil, noAttempt, err
		}

		lastErr = err
		logger.Warn("wallet computation attempt failed",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.opts.MaxAttempts),
			zap.Error(err),
		)
	}
	return nil, noAttempt, lastErr
}

// attempt 调用方最多等 AttemptTimeout; 超时的计算继续跑完, 结果由 storeLate 择机写入缓存
func (c *Coordinator) attempt(userID string, ver version) (*ledger.WalletView, error) {
	ctx, cancel := context.WithTimeout(c.ctx, 3*c.opts.AttemptTimeout)
	results := make(chan result, 1)
	start := time.Now()

	go func() {
		view, err := c.computer.ComputeWallet(ctx, userID)
		monitor.ComputeDuration.Observe(time.Since(start).Seconds())
		results <- result{view: view, err: err}
	}()

	timer := time.NewTimer(c.opts.AttemptTimeout)
	defer timer.Stop()

	select {
	case r := <-results:
		cancel()
		if r.err == nil && r.view == nil {
			r.err = fmt.Errorf("empty wallet view for %s", userID)
		}
		if r.err != nil {
			monitor.ComputeFailures.WithLabelValues("error").Inc()
		}
		return r.view, r.err
	case <-timer.C:
		monitor.ComputeFailures.WithLabelValues("timeout").Inc()
		c.wg.Add(1)
		go c.storeLate(userID, ver, results, cancel)
		return nil, errAttemptTimeout
	case <-c.ctx.Done():
		cancel()
		return nil, c.ctx.Err()
	}
}

// storeLate 超时计算的迟到结果: 比缓存里的数据新时写入缓存
// 同一次计算里后面 attempt 的结果不会被前面 attempt 的迟到结果覆盖
func (c *Coordinator) storeLate(userID string, ver version, results <-chan result, cancel context.CancelFunc) {
	defer c.wg.Done()
	defer cancel()

	var r result
	select {
	case r = <-results:
	case <-c.ctx.Done():
		return
	}
	if r.err != nil || r.view == nil || r.view.Unavailable {
		return
	}
	good := !r.view.Degraded()

	c.mu.Lock()
	e := c.entryLocked(userID)
	now := c.now()
	if good && ver.newerThan(e.good) {
		e.lastGood = r.view
		e.lastGoodAt = now
		e.good = ver
	}
	stored := false
	if ver.newerThan(e.source) && ver.seq > e.invalidatedSeq {
		ttl := c.opts.TTL
		if !good {
			ttl = c.opts.DegradedTTL
		}
		e.view = r.view
		e.expiresAt = now.Add(ttl)
		e.source = ver
		stored = true
	}
	c.mu.Unlock()

	logger.Info("late wallet computation landed",
		zap.String("user_id", userID),
		zap.Uint64("seq", ver.seq),
		zap.Int("attempt", ver.attempt+1),
		zap.Bool("cached", stored),
	)
	if good {
		c.saveSnapshot(userID, r.view)
	}
}

// resolve 决定本次计算对外的结果并写缓存
// 部分数据源失败的视图照常返回, 只有计算失败或数据整体不可用才退回 last-good
func (c *Coordinator) resolve(userID string, f *flight, ver version, view *ledger.WalletView, err error, seed *ledger.WalletView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if c.flights[userID] == f {
			delete(c.flights, userID)
		}
		close(f.done)
	}()

	if isCallerError(err) {
		f.err = err
		return
	}

	e := c.entryLocked(userID)
	now := c.now()
	if e.lastGood == nil && seed != nil {
		e.lastGood = seed
		e.lastGoodAt = seed.ComputedAt
	}

	var out *ledger.WalletView
	ttl := c.opts.DegradedTTL

	switch {
	case err != nil && e.view != nil && e.source.seq == f.seq && e.source.attempt != noAttempt:
		// 超时的 attempt 已经迟到写入缓存
		out = e.view
		if !out.Degraded() {
			ttl = c.opts.TTL
		}
		ver = e.source
	case err != nil && e.good.seq == f.seq && e.lastGood != nil:
		// 超时的那次计算已经迟到写入
		out = e.lastGood
		ttl = c.opts.TTL
		ver = e.good
	case err != nil:
		out = c.fallback(userID, e, now, []string{fmt.Sprintf("wallet computation failed: %v", err)})
		if out == nil {
			out = c.computer.EmptyWallet(userID)
			monitor.WalletLookups.WithLabelValues("empty").Inc()
		}
		logger.Error("wallet computation exhausted retries",
			zap.String("user_id", userID),
			zap.Bool("stale", out.Stale),
			zap.Error(err),
		)
	case view.Unavailable:
		out = c.fallback(userID, e, now, view.Warnings)
		if out == nil {
			out = view
		}
	case view.Degraded():
		out = view
	default:
		out = view
		ttl = c.opts.TTL
		e.lastGood = view
		e.lastGoodAt = now
		e.good = ver
	}

	if ver.newerThan(e.source) {
		e.source = ver
	}
	e.view = out
	e.expiresAt = now.Add(ttl)
	if f.seq <= e.invalidatedSeq {
		// 计算开始于失效之前, 只返回给等待方, 不当作新鲜缓存
		e.expiresAt = now
	}
	f.view = out
}

// fallback last-good 未过期时返回其标记为 stale 的副本
func (c *Coordinator) fallback(userID string, e *entry, now time.Time, warnings []string) *ledger.WalletView {
	if e.lastGood == nil || now.Sub(e.lastGoodAt) > c.opts.StaleMaxAge {
		return nil
	}

	out := e.lastGood.Clone()
	out.Stale = true
	out.DataQuality = ledger.QualityDegraded
	out.Warnings = append(out.Warnings, warnings...)
	monitor.WalletLookups.WithLabelValues("stale").Inc()
	logger.Warn("serving last good wallet",
		zap.String("user_id", userID),
		zap.Time("computed_at", out.ComputedAt),
	)
	return out
}

func (c *Coordinator) snapshotKey(userID string) string {
	return "wallet:view:" + userID
}

func (c *Coordinator) loadSnapshot(userID string) *ledger.WalletView {
	if c.snapshots == nil {
		return nil
	}

	c.mu.Lock()
	e, ok := c.entries[userID]
	has := ok && e.lastGood != nil
	c.mu.Unlock()
	if has {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.AttemptTimeout)
	defer cancel()

	var snap ledger.WalletView
	if err := c.snapshots.Get(ctx, c.snapshotKey(userID), &snap); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.Warn("load wallet snapshot failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil
	}
	if snap.UserID != userID || snap.Degraded() {
		return nil
	}
	return &snap
}

func (c *Coordinator) saveSnapshot(userID string, view *ledger.WalletView) {
	if c.snapshots == nil || view == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AttemptTimeout)
	defer cancel()
	if err := c.snapshots.Set(ctx, c.snapshotKey(userID), view, c.opts.SnapshotTTL); err != nil {
		logger.Warn("save wallet snapshot failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func isCallerError(err error) bool {
	return err != nil && errors.Is(err, errno.ErrInvalidUserID)
}
