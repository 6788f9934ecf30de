package repository

import (
	"context"

	"github.com/edgelink/fleet/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPageSize = 100

// DevicePage 分页结果，NextToken 为空表示没有更多数据
type DevicePage struct {
	Items     []domain.Device
	NextToken string
}

// ActivateUpdate 激活写入的字段
type ActivateUpdate struct {
	UserID      string
	DisplayName string
	Now         int64
	ExpiresAt   int64
}

// RenewUpdate 续期写入，PreviousExpiresAt 为读取时的过期时间
//
// Reference 非空时只续期尚未被同一引用续期过的设备。
type RenewUpdate struct {
	PreviousExpiresAt int64
	ExpiresAt         int64
	Now               int64
	Source            string
	Reference         string
}

// RehabilitateUpdate 恢复写入
type RehabilitateUpdate struct {
	PreviousExpiresAt int64
	ExpiresAt         int64
	Now               int64
}

// ExpireUpdate 过期写入，Expected 和 Bucket 为扫描时读到的生命周期状态与分桶
type ExpireUpdate struct {
	Expected  domain.LifecycleStatus
	Bucket    string
	ExpiresAt int64
	Now       int64
}

// DeviceRepository 设备元数据仓储接口
//
// 所有状态迁移都是单条带条件的 UPDATE，条件不成立时返回 ErrConditionFailed，
// 记录不存在时返回 ErrNotFound。
type DeviceRepository interface {
	// Insert 仅在 deviceId 不存在时写入
	Insert(ctx context.Context, device *domain.Device) error
	Get(ctx context.Context, deviceID string) (*domain.Device, error)
	Delete(ctx context.Context, deviceID string) error

	// ListByUser 通过用户索引分页查询
	ListByUser(ctx context.Context, userID, pageToken string, limit int) (*DevicePage, error)
	// ListByBucket 通过生命周期分桶索引分页查询 expiresAt <= expiresBefore 的设备
	ListByBucket(ctx context.Context, bucket string, expiresBefore int64, pageToken string, limit int) (*DevicePage, error)

	CompleteProvisioning(ctx context.Context, deviceID string) error
	// SetActivationCode 仅对未绑定用户的设备记录新的激活码
	SetActivationCode(ctx context.Context, deviceID, code string) error
	Activate(ctx context.Context, deviceID string, u ActivateUpdate) error
	Renew(ctx context.Context, deviceID string, u RenewUpdate) error
	Revoke(ctx context.Context, deviceID string, now int64) error
	Rehabilitate(ctx context.Context, deviceID string, u RehabilitateUpdate) error
	Expire(ctx context.Context, deviceID string, u ExpireUpdate) error
}

type deviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository 创建设备仓储实例
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

func (r *deviceRepository) Insert(ctx context.Context, device *domain.Device) error {
	device.LifecycleBucket = domain.LifecycleBucket(device.LifecycleStatus, device.ExpiresAt)

	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(device)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (r *deviceRepository) Get(ctx context.Context, deviceID string) (*domain.Device, error) {
	var device domain.Device
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		First(&device).Error
	if err != nil {
		return nil, translate(err)
	}
	return &device, nil
}

func (r *deviceRepository) Delete(ctx context.Context, deviceID string) error {
	return r.db.WithContext(ctx).Delete(&domain.Device{}, "device_id = ?", deviceID).Error
}

func (r *deviceRepository) ListByUser(ctx context.Context, userID, pageToken string, limit int) (*DevicePage, error) {
	cursor, err := decodeCursor(pageToken)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if cursor != nil {
		query = query.Where("device_id > ?", cursor.DeviceID)
	}

	var devices []domain.Device
	if err := query.Order("device_id ASC").Limit(limit + 1).Find(&devices).Error; err != nil {
		return nil, err
	}

	page := &DevicePage{Items: devices}
	if len(devices) > limit {
		page.Items = devices[:limit]
		page.NextToken = encodeCursor(pageCursor{DeviceID: devices[limit-1].DeviceID})
	}
	return page, nil
}

func (r *deviceRepository) ListByBucket(ctx context.Context, bucket string, expiresBefore int64, pageToken string, limit int) (*DevicePage, error) {
	cursor, err := decodeCursor(pageToken)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	query := r.db.WithContext(ctx).
		Where("lifecycle_bucket = ? AND expires_at <= ?", bucket, expiresBefore)
	if cursor != nil {
		query = query.Where("((expires_at > ?) OR (expires_at = ? AND device_id > ?))",
			cursor.ExpiresAt, cursor.ExpiresAt, cursor.DeviceID)
	}

	var devices []domain.Device
	err = query.Order("expires_at ASC").Order("device_id ASC").Limit(limit + 1).Find(&devices).Error
	if err != nil {
		return nil, err
	}

	page := &DevicePage{Items: devices}
	if len(devices) > limit {
		last := devices[limit-1]
		page.Items = devices[:limit]
		page.NextToken = encodeCursor(pageCursor{ExpiresAt: last.ExpiresAt, DeviceID: last.DeviceID})
	}
	return page, nil
}

func (r *deviceRepository) CompleteProvisioning(ctx context.Context, deviceID string) error {
	return r.conditionalUpdate(ctx, deviceID,
		func(q *gorm.DB) *gorm.DB {
			return q.Where("status = ?", domain.DeviceStatusProvisioning)
		},
		map[string]interface{}{"status": domain.DeviceStatusActive},
	)
}

func (r *deviceRepository) SetActivationCode(ctx context.Context, deviceID, code string) error {
	return r.conditionalUpdate(ctx, deviceID,
		func(q *gorm.DB) *gorm.DB {
			return q.Where("(user_id IS NULL OR user_id = '' OR user_id = ?)", domain.UnassignedUser)
		},
		map[string]interface{}{"activation_code": code},
	)
}

func (r *deviceRepository) Activate(ctx context.Context, deviceID string, u ActivateUpdate) error {
	return r.conditionalUpdate(ctx, deviceID,
		func(q *gorm.DB) *gorm.DB {
			return q.
				Where("lifecycle_status IN ?", []domain.LifecycleStatus{domain.LifecycleTrial, domain.LifecycleExpired}).
				Where("(user_id IS NULL OR user_id = '' OR user_id = ?)", domain.UnassignedUser)
		},
		map[string]interface{}{
			"user_id":           u.UserID,
			"display_name":      u.DisplayName,
			"last_renewal_date": u.Now,
			"activated_at":      u.Now,
			"expires_at":        u.ExpiresAt,
			"lifecycle_status":  domain.LifecycleActive,
			"lifecycle_bucket":  domain.LifecycleBucket(domain.LifecycleActive, u.ExpiresAt),
			"activation_code":   nil,
		},
	)
}

func (r *deviceRepository) Renew(ctx context.Context, deviceID string, u RenewUpdate) error {
	updates := map[string]interface{}{
		"expires_at":        u.ExpiresAt,
		"lifecycle_status":  domain.LifecycleActive,
		"lifecycle_bucket":  domain.LifecycleBucket(domain.LifecycleActive, u.ExpiresAt),
		"last_renewal_date": u.Now,
		"renewal_source":    u.Source,
	}
	if u.Reference != "" {
		updates["renewal_ref"] = u.Reference
	}

	return r.conditionalUpdate(ctx, deviceID,
		func(q *gorm.DB) *gorm.DB {
			q = q.
				Where("status <> ?", domain.DeviceStatusRevoked).
				Where("expires_at = ?", u.PreviousExpiresAt)
			if u.Reference != "" {
				q = q.Where("renewal_ref <> ?", u.Reference)
			}
			return q
		},
		updates,
	)
}

func (r *deviceRepository) Revoke(ctx context.Context, deviceID string, now int64) error {
	return r.conditionalUpdate(ctx, deviceID,
		func(q *gorm.DB) *gorm.DB {
			return q.Where("status <> ?", domain.DeviceStatusRevoked)
		},
		map[string]interface{}{
			"status":     domain.DeviceStatusRevoked,
			"revoked_at": now,
		},
	)
}

func (r *deviceRepository) Rehabilitate(ctx context.Context, deviceID string, u RehabilitateUpdate) error {
	return r.conditionalUpdate(ctx, deviceID,
		func(q *gorm.DB) *gorm.DB {
			return q.
				Where("status = ?", domain.DeviceStatusRevoked).
				Where("expires_at = ?", u.PreviousExpiresAt)
		},
		map[string]interface{}{
			"status":            domain.DeviceStatusActive,
			"expires_at":        u.ExpiresAt,
			"lifecycle_status":  domain.LifecycleActive,
			"lifecycle_bucket":  domain.LifecycleBucket(domain.LifecycleActive, u.ExpiresAt),
			"rehabilitated_at":  u.Now,
			"last_renewal_date": u.Now,
		},
	)
}

func (r *deviceRepository) Expire(ctx context.Context, deviceID string, u ExpireUpdate) error {
	return r.conditionalUpdate(ctx, deviceID,
		func(q *gorm.DB) *gorm.DB {
			return q.
				Where("lifecycle_status = ? AND lifecycle_bucket = ?", u.Expected, u.Bucket).
				Where("expires_at = ? AND expires_at <= ?", u.ExpiresAt, u.Now)
		},
		map[string]interface{}{
			"lifecycle_status": domain.LifecycleExpired,
			"lifecycle_bucket": domain.LifecycleBucket(domain.LifecycleExpired, u.ExpiresAt),
			"expired_at":       u.Now,
		},
	)
}

// conditionalUpdate 执行带条件的单行更新，并区分“不存在”和“条件不成立”
func (r *deviceRepository) conditionalUpdate(ctx context.Context, deviceID string, cond func(*gorm.DB) *gorm.DB, updates map[string]interface{}) error {
	tx := cond(r.db.WithContext(ctx).Model(&domain.Device{}).Where("device_id = ?", deviceID)).
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Device{}).Where("device_id = ?", deviceID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConditionFailed
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultPageSize
	}
	return limit
}
