package ledger

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wallet-ledger/pkg/logger"
)

// CollectionResult Ledger Reader 的结果. 查询失败不会抛错, 只会标记 Degraded
type CollectionResult struct {
	Events []CollectionEvent
	// Degraded 至少一个身份维度查询失败
	Degraded bool
	// Unavailable 所有身份维度都失败, Events 为空
	Unavailable bool
	Failures    []string
}

// LedgerReader 读取用户已审核/已完成的回收单
type LedgerReader struct {
	store RecordStore
}

func NewLedgerReader(store RecordStore) *LedgerReader {
	return &LedgerReader{store: store}
}

type identityQuery struct {
	key   IdentityKey
	value string
}

// ApprovedCollections 按 user_id / email / created_by 三个维度查询后合并去重.
// 上游对同一用户的记录方式不一致, 只查一个维度会漏单
func (r *LedgerReader) ApprovedCollections(ctx context.Context, userID string) CollectionResult {
	var res CollectionResult

	identity, err := r.store.LookupIdentity(ctx, userID)
	if err != nil {
		logger.Warn("查询用户身份失败, 跳过 email 维度", zap.String("user_id", userID), zap.Error(err))
		res.Degraded = true
		res.Failures = append(res.Failures, fmt.Sprintf("identity: %v", err))
		identity = Identity{UserID: userID}
	}

	queries := []identityQuery{{KeyUserID, userID}}
	if identity.Email != "" {
		queries = append(queries, identityQuery{KeyEmail, identity.Email})
	}
	queries = append(queries, identityQuery{KeyActor, userID})

	results := make([][]CollectionEvent, len(queries))
	errs := make([]error, len(queries))

	// 各维度并行查询, 单个失败不影响其他维度
	var g errgroup.Group
	for i, q := range queries {
		g.Go(func() error {
			results[i], errs[i] = r.store.CollectionsBy(ctx, q.key, q.value, CreditableCollectionStatuses)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	seen := make(map[string]bool)
	for i, q := range queries {
		if errs[i] != nil {
			failed++
			res.Degraded = true
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", q.key, errs[i]))
			logger.Warn("回收单查询失败",
				zap.String("user_id", userID),
				zap.String("key", string(q.key)),
				zap.Error(errs[i]))
			continue
		}
		for _, ev := range results[i] {
			// 上游过滤条件不可信, 这里再按状态过滤一次
			if !ev.Status.Creditable() || seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			res.Events = append(res.Events, ev)
		}
	}

	if failed == len(queries) {
		res.Unavailable = true
		res.Events = nil
	}

	sort.SliceStable(res.Events, func(i, j int) bool {
		a, b := res.Events[i], res.Events[j]
		if !a.StatusChangedAt.Equal(b.StatusChangedAt) {
			return a.StatusChangedAt.Before(b.StatusChangedAt)
		}
		return a.ID < b.ID
	})
	return res
}
