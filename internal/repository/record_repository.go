package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wallet-ledger/internal/service/ledger"
	"wallet-ledger/pkg/logger"
)

// 上游各表的候选列名, 按优先级排列
var (
	ownerColumns      = []string{"user_id", "customer_id"}
	emailColumns      = []string{"customer_email", "email", "user_email"}
	actorColumns      = []string{"created_by", "collector_id"}
	statusColumns     = []string{"status", "collection_status"}
	weightColumns     = []string{"total_weight_kg", "weight_kg", "total_weight"}
	changedAtColumns  = []string{"updated_at", "status_changed_at", "created_at"}
	categoryColumns   = []string{"material_name", "material_type", "category"}
	quantityColumns   = []string{"quantity_kg", "weight_kg", "quantity"}
	unitPriceColumns  = []string{"unit_price", "price_per_kg"}
	referenceColumns  = []string{"reference_id", "transaction_id", "withdrawal_id"}
	txnKindColumns    = []string{"transaction_type", "type", "kind"}
	materialNameCols  = []string{"name", "material_name"}
	materialPriceCols = []string{"price_per_kg", "unit_price", "rate"}
)

type collectionRow struct {
	ID              string
	UserID          string
	Status          string
	TotalWeightKg   float64
	StatusChangedAt *time.Time
}

type lineRow struct {
	CollectionID string
	Category     string
	QuantityKg   float64
	UnitPrice    string
}

type spendRow struct {
	ID          string
	UserID      string
	Amount      string
	Status      string
	Kind        string
	ReferenceID string
	OccurredAt  *time.Time
}

// RecordRepository 基于 gorm 的只读账本记录库
// 上游 schema 不统一, 每个字段都按候选列名逐个尝试
type RecordRepository struct {
	db     *gorm.DB
	schema *schemaCache
}

func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db, schema: newSchemaCache(db)}
}

var _ ledger.RecordStore = (*RecordRepository)(nil)

// LookupIdentity 查不到用户时只返回 user id, 不算错误
func (r *RecordRepository) LookupIdentity(ctx context.Context, userID string) (ledger.Identity, error) {
	id := ledger.Identity{UserID: userID}

	err := r.schema.withColumns(ctx, "users", func(cols columnSet) error {
		emailCol, err := cols.require("users", "email", "user_email")
		if err != nil {
			return err
		}

		var emails []string
		err = r.db.WithContext(ctx).Table("users").
			Select(fmt.Sprintf("COALESCE(%s, '')", emailCol)).
			Where(textExpr("id")+" = ?", userID).
			Limit(1).
			Scan(&emails).Error
		if err != nil {
			return err
		}
		if len(emails) > 0 {
			id.Email = strings.TrimSpace(emails[0])
		}
		return nil
	})
	return id, err
}

// CollectionsBy 按一种身份字段查询回收单及其物料明细
func (r *RecordRepository) CollectionsBy(ctx context.Context, key ledger.IdentityKey, value string, statuses []ledger.CollectionStatus) ([]ledger.CollectionEvent, error) {
	var rows []collectionRow
	err := r.schema.withColumns(ctx, "collections", func(cols columnSet) error {
		keyCol, err := cols.require("collections", identityColumns(key)...)
		if err != nil {
			return err
		}
		statusCol, err := cols.require("collections", statusColumns...)
		if err != nil {
			return err
		}

		ownerExpr := textExpr(keyCol)
		if owner, ok := cols.pick(ownerColumns...); ok {
			ownerExpr = textExpr(owner)
		}
		selects := []string{
			textExpr("id") + " AS id",
			fmt.Sprintf("COALESCE(%s, '') AS user_id", ownerExpr),
			statusCol + " AS status",
			fmt.Sprintf("COALESCE(%s, 0) AS total_weight_kg", optional(cols, "0", weightColumns...)),
			optional(cols, "NULL", changedAtColumns...) + " AS status_changed_at",
		}

		where := textExpr(keyCol) + " = ?"
		if key == ledger.KeyEmail {
			where = fmt.Sprintf("LOWER(%s) = LOWER(?)", keyCol)
		}

		rows = rows[:0]
		return r.db.WithContext(ctx).Table("collections").
			Select(strings.Join(selects, ", ")).
			Where(where, value).
			Where(fmt.Sprintf("LOWER(%s) IN ?", statusCol), lowerStatuses(statuses)).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	lines, err := r.materialLines(ctx, ids)
	if err != nil {
		return nil, err
	}

	events := make([]ledger.CollectionEvent, 0, len(rows))
	for _, row := range rows {
		ev := ledger.CollectionEvent{
			ID:            row.ID,
			UserID:        row.UserID,
			Status:        ledger.CollectionStatus(strings.ToLower(row.Status)),
			TotalWeightKg: row.TotalWeightKg,
			Lines:         lines[row.ID],
		}
		if row.StatusChangedAt != nil {
			ev.StatusChangedAt = *row.StatusChangedAt
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *RecordRepository) materialLines(ctx context.Context, collectionIDs []string) (map[string][]ledger.MaterialLine, error) {
	var rows []lineRow
	err := r.schema.withColumns(ctx, "collection_materials", func(cols columnSet) error {
		categoryCol, err := cols.require("collection_materials", categoryColumns...)
		if err != nil {
			return err
		}
		quantityCol, err := cols.require("collection_materials", quantityColumns...)
		if err != nil {
			return err
		}

		selects := []string{
			textExpr("collection_id") + " AS collection_id",
			fmt.Sprintf("COALESCE(%s, '') AS category", categoryCol),
			fmt.Sprintf("COALESCE(%s, 0) AS quantity_kg", quantityCol),
			fmt.Sprintf("COALESCE(%s, '0') AS unit_price", textExpr(optional(cols, "0", unitPriceColumns...))),
		}

		rows = rows[:0]
		return r.db.WithContext(ctx).Table("collection_materials").
			Select(strings.Join(selects, ", ")).
			Where(textExpr("collection_id")+" IN ?", collectionIDs).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]ledger.MaterialLine, len(collectionIDs))
	for _, row := range rows {
		out[row.CollectionID] = append(out[row.CollectionID], ledger.MaterialLine{
			CollectionID: row.CollectionID,
			Category:     row.Category,
			QuantityKg:   row.QuantityKg,
			UnitPrice:    parseAmount(row.UnitPrice, "collection_materials", row.CollectionID),
		})
	}
	return out, nil
}

// Withdrawals 提现申请, 金额按库里的原值返回
func (r *RecordRepository) Withdrawals(ctx context.Context, userID string, statuses []ledger.SpendStatus) ([]ledger.SpendEvent, error) {
	var rows []spendRow
	err := r.schema.withColumns(ctx, "withdrawal_requests", func(cols columnSet) error {
		ownerCol, err := cols.require("withdrawal_requests", ownerColumns...)
		if err != nil {
			return err
		}
		statusCol, err := cols.require("withdrawal_requests", statusColumns...)
		if err != nil {
			return err
		}

		rows = rows[:0]
		return r.db.WithContext(ctx).Table("withdrawal_requests").
			Select(spendSelect(cols, ownerCol, statusCol, fmt.Sprintf("'%s'", ledger.SpendWithdrawal))).
			Where(textExpr(ownerCol)+" = ?", userID).
			Where(fmt.Sprintf("LOWER(%s) IN ?", statusCol), lowerSpendStatuses(statuses)).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return toSpendEvents(rows, "withdrawal_requests", ledger.SpendWithdrawal), nil
}

// Adjustments 钱包流水中的负数记录 (捐赠, 兑换, 人工调整)
func (r *RecordRepository) Adjustments(ctx context.Context, userID string) ([]ledger.SpendEvent, error) {
	var rows []spendRow
	err := r.schema.withColumns(ctx, "wallet_transactions", func(cols columnSet) error {
		ownerCol, err := cols.require("wallet_transactions", ownerColumns...)
		if err != nil {
			return err
		}
		statusCol := optional(cols, "''", statusColumns...)
		kindCol := optional(cols, fmt.Sprintf("'%s'", ledger.SpendAdjustment), txnKindColumns...)

		rows = rows[:0]
		return r.db.WithContext(ctx).Table("wallet_transactions").
			Select(spendSelect(cols, ownerCol, statusCol, kindCol)).
			Where(textExpr(ownerCol)+" = ?", userID).
			Where("amount < 0").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return toSpendEvents(rows, "wallet_transactions", ledger.SpendAdjustment), nil
}

// MaterialRates materials 表中的单价, 只返回启用的物料
func (r *RecordRepository) MaterialRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	type materialRow struct {
		Name       string
		PricePerKg string
	}

	var rows []materialRow
	err := r.schema.withColumns(ctx, "materials", func(cols columnSet) error {
		nameCol, err := cols.require("materials", materialNameCols...)
		if err != nil {
			return err
		}
		priceCol, err := cols.require("materials", materialPriceCols...)
		if err != nil {
			return err
		}

		q := r.db.WithContext(ctx).Table("materials").
			Select(fmt.Sprintf("%s AS name, %s AS price_per_kg", nameCol, textExpr(priceCol))).
			Where(priceCol + " IS NOT NULL")
		if activeCol, ok := cols.pick("is_active", "active"); ok {
			q = q.Where(activeCol + " = TRUE")
		}

		rows = rows[:0]
		return q.Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		price, err := decimal.NewFromString(strings.TrimSpace(row.PricePerKg))
		if err != nil || price.IsNegative() || strings.TrimSpace(row.Name) == "" {
			logger.Warn("skip invalid material rate", zap.String("material", row.Name), zap.String("price", row.PricePerKg))
			continue
		}
		out[row.Name] = price
	}
	return out, nil
}

func identityColumns(key ledger.IdentityKey) []string {
	switch key {
	case ledger.KeyEmail:
		return emailColumns
	case ledger.KeyActor:
		return actorColumns
	default:
		return ownerColumns
	}
}

func spendSelect(cols columnSet, ownerCol, statusExpr, kindExpr string) string {
	return strings.Join([]string{
		textExpr("id") + " AS id",
		textExpr(ownerCol) + " AS user_id",
		textExpr("amount") + " AS amount",
		fmt.Sprintf("COALESCE(%s, '') AS status", textExpr(statusExpr)),
		fmt.Sprintf("COALESCE(%s, '') AS kind", textExpr(kindExpr)),
		fmt.Sprintf("COALESCE(%s, '') AS reference_id", textExpr(optional(cols, "NULL", referenceColumns...))),
		optional(cols, "NULL", "created_at", "updated_at") + " AS occurred_at",
	}, ", ")
}

func toSpendEvents(rows []spendRow, table string, defaultKind ledger.SpendKind) []ledger.SpendEvent {
	events := make([]ledger.SpendEvent, 0, len(rows))
	for _, row := range rows {
		kind := ledger.SpendKind(strings.ToLower(strings.TrimSpace(row.Kind)))
		if kind == "" {
			kind = defaultKind
		}
		ev := ledger.SpendEvent{
			ID:          row.ID,
			UserID:      row.UserID,
			Amount:      parseAmount(row.Amount, table, row.ID),
			Status:      ledger.SpendStatus(strings.ToLower(strings.TrimSpace(row.Status))),
			Kind:        kind,
			ReferenceID: strings.TrimSpace(row.ReferenceID),
		}
		if row.OccurredAt != nil {
			ev.OccurredAt = *row.OccurredAt
		}
		events = append(events, ev)
	}
	return events
}

// parseAmount numeric 以文本读出, 解析失败按 0 处理并告警
func parseAmount(s, table, id string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		logger.Warn("unparsable amount", zap.String("table", table), zap.String("id", id), zap.String("value", s))
		return decimal.Zero
	}
	return d
}

func lowerStatuses(statuses []ledger.CollectionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, strings.ToLower(string(s)))
	}
	return out
}

func lowerSpendStatuses(statuses []ledger.SpendStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, strings.ToLower(string(s)))
	}
	return out
}
