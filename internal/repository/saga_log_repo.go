package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"fulfillment/internal/model"
)

// SagaLogRepository saga log repository interface
type SagaLogRepository interface {
	// Record stores one handled message
	Record(ctx context.Context, entry *model.SagaLog) error

	// ListByOrder lists the newest entries of an order, across participants
	ListByOrder(ctx context.Context, ref model.OrderRef, limit int) ([]model.SagaLog, error)

	// ListBySaga lists every entry of a saga in handling order
	ListBySaga(ctx context.Context, sagaID string) ([]model.SagaLog, error)

	// PurgeBefore deletes entries older than t, the oldest first and at most
	// limit of them; a limit of 0 deletes them all
	PurgeBefore(ctx context.Context, t time.Time, limit int) (int64, error)
}

type sagaLogRepository struct {
	db *gorm.DB
}

// NewSagaLogRepository creates a saga log repository
func NewSagaLogRepository(db *gorm.DB) SagaLogRepository {
	return &sagaLogRepository{db: db}
}

func (r *sagaLogRepository) Record(ctx context.Context, entry *model.SagaLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *sagaLogRepository) ListByOrder(ctx context.Context, ref model.OrderRef, limit int) ([]model.SagaLog, error) {
	var logs []model.SagaLog
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND order_id = ?", ref.UserID, ref.OrderID).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

func (r *sagaLogRepository) ListBySaga(ctx context.Context, sagaID string) ([]model.SagaLog, error) {
	var logs []model.SagaLog
	err := r.db.WithContext(ctx).
		Where("saga_id = ?", sagaID).
		Order("id ASC").
		Find(&logs).Error
	return logs, err
}

func (r *sagaLogRepository) PurgeBefore(ctx context.Context, t time.Time, limit int) (int64, error) {
	if limit <= 0 {
		result := r.db.WithContext(ctx).
			Where("created_at < ?", t).
			Delete(&model.SagaLog{})
		return result.RowsAffected, result.Error
	}

	var ids []uint64
	err := r.db.WithContext(ctx).
		Model(&model.SagaLog{}).
		Where("created_at < ?", t).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	result := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&model.SagaLog{})
	return result.RowsAffected, result.Error
}
