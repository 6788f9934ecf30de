package repository

import (
	"context"
	"time"

	"github.com/edgelink/fleet/internal/domain"
	"gorm.io/gorm"
)

// AuditLogRepository 审计日志仓储接口（只追加，不可变）
type AuditLogRepository interface {
	// Create 创建新审计日志（唯一的写操作）
	Create(ctx context.Context, log *domain.AuditLog) error

	// FindByFilters 根据过滤条件查找审计日志
	FindByFilters(ctx context.Context, filters *AuditLogFilters) ([]*domain.AuditLog, int64, error)
}

// AuditLogFilters 审计日志查询过滤条件
type AuditLogFilters struct {
	Actor        *string
	Action       *string
	ResourceType *string // device 或 user
	ResourceID   *string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

// auditLogRepository AuditLog仓储的GORM实现
type auditLogRepository struct {
	db *gorm.DB
}

// NewAuditLogRepository 创建AuditLog仓储实例
func NewAuditLogRepository(db *gorm.DB) AuditLogRepository {
	return &auditLogRepository{db: db}
}

// Create 创建新审计日志
func (r *auditLogRepository) Create(ctx context.Context, log *domain.AuditLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// FindByFilters 根据过滤条件查找审计日志
func (r *auditLogRepository) FindByFilters(ctx context.Context, filters *AuditLogFilters) ([]*domain.AuditLog, int64, error) {
	var logs []*domain.AuditLog
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.AuditLog{})

	if filters.Actor != nil {
		query = query.Where("actor = ?", *filters.Actor)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.ResourceType != nil {
		query = query.Where("resource_type = ?", *filters.ResourceType)
	}
	if filters.ResourceID != nil {
		query = query.Where("resource_id = ?", *filters.ResourceID)
	}
	if filters.StartTime != nil {
		query = query.Where("created_at >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("created_at <= ?", *filters.EndTime)
	}

	// 获取总数
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 应用分页和排序（按时间倒序）
	query = query.Order("created_at DESC")
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	err := query.Find(&logs).Error
	return logs, total, err
}
