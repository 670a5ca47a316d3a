package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wallet-ledger/internal/service/ledger"
)

// ChangeKind 上游记录的变更类型
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeSource 变更发生在哪一类账本记录上
type ChangeSource string

const (
	SourceCollection ChangeSource = "collection"
	SourceSpend      ChangeSource = "spend"
)

// tableSources 上游表名到记录类别的映射
var tableSources = map[string]ChangeSource{
	"collections":          SourceCollection,
	"collection_materials": SourceCollection,
	"withdrawal_requests":  SourceSpend,
	"wallet_transactions":  SourceSpend,
}

// ErrUnknownTable 变更来自账本不关心的表
var ErrUnknownTable = errors.New("change notification for unknown table")

// ChangeNotification 上游变更通知
// Topic: ledger_changes
type ChangeNotification struct {
	Kind       ChangeKind   `json:"kind"`
	Source     ChangeSource `json:"source"`
	Table      string       `json:"table"`
	UserID     string       `json:"user_id"`
	RecordID   string       `json:"record_id"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// rawChange 线上格式, op 来自触发器的 TG_OP
type rawChange struct {
	Op         string    `json:"op"`
	Table      string    `json:"table"`
	UserID     string    `json:"user_id"`
	RecordID   string    `json:"record_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Decode 解析变更通知, 无法识别的消息返回错误
func Decode(payload []byte) (ChangeNotification, error) {
	var raw rawChange
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ChangeNotification{}, fmt.Errorf("decode change notification: %w", err)
	}
	return NewChangeNotification(raw.Op, raw.Table, raw.UserID, raw.RecordID, raw.OccurredAt)
}

// NewChangeNotification 校验并归一化一条变更 (op 为 TG_OP 或小写写法)
func NewChangeNotification(op, table, userID, recordID string, at time.Time) (ChangeNotification, error) {
	kind, err := parseKind(op)
	if err != nil {
		return ChangeNotification{}, err
	}

	name := strings.ToLower(strings.TrimSpace(table))
	source, ok := tableSources[name]
	if !ok {
		return ChangeNotification{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	if err := ledger.ValidateUserID(userID); err != nil {
		return ChangeNotification{}, fmt.Errorf("change notification for %s: %w", name, err)
	}

	return ChangeNotification{
		Kind:       kind,
		Source:     source,
		Table:      name,
		UserID:     userID,
		RecordID:   recordID,
		OccurredAt: at,
	}, nil
}

// Encode 序列化为线上格式, 供中继和测试使用
func Encode(n ChangeNotification) ([]byte, error) {
	return json.Marshal(rawChange{
		Op:         string(n.Kind),
		Table:      n.Table,
		UserID:     n.UserID,
		RecordID:   n.RecordID,
		OccurredAt: n.OccurredAt,
	})
}

func parseKind(op string) (ChangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "insert", "insertion":
		return ChangeInsert, nil
	case "update":
		return ChangeUpdate, nil
	case "delete", "deletion":
		return ChangeDelete, nil
	default:
		return "", fmt.Errorf("unknown change op %q", op)
	}
}

// WalletUpdated 钱包视图重新计算后发出
// Topic: wallet_events_updated
type WalletUpdated struct {
	UserID string             `json:"user_id"`
	View   *ledger.WalletView `json:"view"`
	Reason string             `json:"reason"` // 触发原因, 例如 "collection:update"
	At     time.Time          `json:"at"`
}
