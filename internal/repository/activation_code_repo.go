package repository

import (
	"context"

	"github.com/edgelink/fleet/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActivationCodeRepository 激活码仓储接口
type ActivationCodeRepository interface {
	// Create 仅在激活码不存在时写入，冲突返回 ErrConditionFailed
	Create(ctx context.Context, code *domain.ActivationCode) error
	Get(ctx context.Context, code string) (*domain.ActivationCode, error)
	// Consume 删除仍指向 deviceID 的激活码，否则返回 ErrConditionFailed
	Consume(ctx context.Context, code, deviceID string) error
	Delete(ctx context.Context, code string) error
	// DeleteByDevice 删除设备的全部激活码，返回删除数量
	DeleteByDevice(ctx context.Context, deviceID string) (int64, error)
}

type activationCodeRepository struct {
	db *gorm.DB
}

// NewActivationCodeRepository 创建激活码仓储实例
func NewActivationCodeRepository(db *gorm.DB) ActivationCodeRepository {
	return &activationCodeRepository{db: db}
}

func (r *activationCodeRepository) Create(ctx context.Context, code *domain.ActivationCode) error {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(code)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (r *activationCodeRepository) Get(ctx context.Context, code string) (*domain.ActivationCode, error) {
	var record domain.ActivationCode
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&record).Error; err != nil {
		return nil, translate(err)
	}
	return &record, nil
}

func (r *activationCodeRepository) Consume(ctx context.Context, code, deviceID string) error {
	tx := r.db.WithContext(ctx).
		Where("code = ? AND device_id = ?", code, deviceID).
		Delete(&domain.ActivationCode{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (r *activationCodeRepository) Delete(ctx context.Context, code string) error {
	return r.db.WithContext(ctx).Delete(&domain.ActivationCode{}, "code = ?", code).Error
}

func (r *activationCodeRepository) DeleteByDevice(ctx context.Context, deviceID string) (int64, error) {
	tx := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&domain.ActivationCode{})
	return tx.RowsAffected, tx.Error
}
