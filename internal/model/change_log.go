package model

import (
	"time"
)

// ChangeLog 状态
const (
	ChangeLogPending = "PENDING"
	ChangeLogSent    = "SENT"
	ChangeLogFailed  = "FAILED"
)

// ChangeLog 上游表触发器写入的变更记录 (本地消息表), 由 RelayService 投递到 MQ
type ChangeLog struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceTable string     `gorm:"column:source_table;type:varchar(64);not null" json:"source_table"`
	Op          string     `gorm:"type:varchar(16);not null" json:"op"` // INSERT, UPDATE, DELETE
	UserID      string     `gorm:"type:varchar(128);not null;index" json:"user_id"`
	RecordID    string     `gorm:"type:varchar(128)" json:"record_id"`
	Status      string     `gorm:"type:varchar(16);not null;default:'PENDING';index" json:"status"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at"`
}

func (ChangeLog) TableName() string {
	return "ledger_change_log"
}
