package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"wallet-ledger/internal/event"
	"wallet-ledger/internal/model"
	"wallet-ledger/internal/service/mq"
	"wallet-ledger/pkg/logger"
	"wallet-ledger/pkg/utils/lock"
)

const (
	relayLockKey     = "relay:ledger_change_log"
	relayMaxAttempts = 5
)

// RelayService 把触发器写入 ledger_change_log 的变更搬运到 MQ
type RelayService struct {
	db       *gorm.DB
	producer mq.Producer
	locker   lock.DistributedLock // 可为空, 单实例部署不需要
	topic    string
	interval time.Duration
	batch    int
}

func NewRelayService(db *gorm.DB, producer mq.Producer, locker lock.DistributedLock, topic string) *RelayService {
	return &RelayService{
		db:       db,
		producer: producer,
		locker:   locker,
		topic:    topic,
		interval: 500 * time.Millisecond,
		batch:    50,
	}
}

func (s *RelayService) Start(ctx context.Context) {
	logger.Info("change relay started", zap.String("topic", s.topic))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("change relay stopped")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

// ProcessPending 投递一批 PENDING 记录, 返回成功条数
// 发送成功后才标记 SENT, 至少投递一次, 消费端按用户失效缓存本身是幂等的
func (s *RelayService) ProcessPending(ctx context.Context) int {
	if s.locker != nil {
		locked, err := s.locker.Acquire(ctx, relayLockKey, 10*time.Second)
		if err != nil || !locked {
			return 0
		}
		defer func() {
			if err := s.locker.Release(ctx, relayLockKey); err != nil {
				logger.Warn("release relay lock failed", zap.Error(err))
			}
		}()
	}

	var rows []model.ChangeLog
	err := s.db.WithContext(ctx).
		Where("status = ?", model.ChangeLogPending).
		Order("id").
		Limit(s.batch).
		Find(&rows).Error
	if err != nil {
		logger.Warn("load pending changes failed", zap.Error(err))
		return 0
	}

	sent := 0
	for i := range rows {
		row := &rows[i]
		n, err := toNotification(row)
		if err != nil {
			logger.Warn("drop malformed change", zap.Uint64("id", row.ID), zap.Error(err))
			s.mark(ctx, row, model.ChangeLogFailed)
			continue
		}
		payload, err := event.Encode(n)
		if err != nil {
			s.mark(ctx, row, model.ChangeLogFailed)
			continue
		}

		if err := s.producer.Publish(ctx, s.topic, n.UserID, payload); err != nil {
			logger.Warn("publish change failed", zap.Uint64("id", row.ID), zap.Int("attempts", row.Attempts+1), zap.Error(err))
			s.retry(ctx, row)
			continue
		}
		s.mark(ctx, row, model.ChangeLogSent)
		sent++
	}

	if sent > 0 {
		logger.Debug("changes relayed", zap.Int("count", sent))
	}
	return sent
}

func (s *RelayService) mark(ctx context.Context, row *model.ChangeLog, status string) {
	updates := map[string]interface{}{"status": status}
	if status == model.ChangeLogSent {
		updates["sent_at"] = time.Now()
	}
	if err := s.db.WithContext(ctx).Model(row).Updates(updates).Error; err != nil {
		logger.Warn("update change status failed", zap.Uint64("id", row.ID), zap.String("status", status), zap.Error(err))
	}
}

func (s *RelayService) retry(ctx context.Context, row *model.ChangeLog) {
	attempts := row.Attempts + 1
	updates := map[string]interface{}{"attempts": attempts}
	if attempts >= relayMaxAttempts {
		updates["status"] = model.ChangeLogFailed
	}
	if err := s.db.WithContext(ctx).Model(row).Updates(updates).Error; err != nil {
		logger.Warn("update change attempts failed", zap.Uint64("id", row.ID), zap.Error(err))
	}
}

func toNotification(row *model.ChangeLog) (event.ChangeNotification, error) {
	return event.NewChangeNotification(row.Op, row.SourceTable, row.UserID, row.RecordID, row.CreatedAt)
}
