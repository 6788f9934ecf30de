package repository

import (
	"context"
	"time"

	"github.com/edgelink/fleet/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdempotencyRepository 外部事件去重仓储
type IdempotencyRepository interface {
	// Claim 仅在事件未处理过时写入，重复事件返回 ErrConditionFailed
	Claim(ctx context.Context, record *domain.IdempotencyRecord) error
	Release(ctx context.Context, eventID string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type idempotencyRepository struct {
	db *gorm.DB
}

// NewIdempotencyRepository 创建去重仓储实例
func NewIdempotencyRepository(db *gorm.DB) IdempotencyRepository {
	return &idempotencyRepository{db: db}
}

func (r *idempotencyRepository) Claim(ctx context.Context, record *domain.IdempotencyRecord) error {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (r *idempotencyRepository) Release(ctx context.Context, eventID string) error {
	return r.db.WithContext(ctx).Delete(&domain.IdempotencyRecord{}, "event_id = ?", eventID).Error
}

// PurgeExpired 删除超过保留期的记录
func (r *idempotencyRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&domain.IdempotencyRecord{})
	return tx.RowsAffected, tx.Error
}
