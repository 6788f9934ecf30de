package repository

import (
	"context"

	"github.com/edgelink/fleet/internal/domain"
	"gorm.io/gorm"
)

// TelemetryFilters 遥测查询条件，时间为 Unix 秒的闭区间
type TelemetryFilters struct {
	UserID    string
	DeviceIDs []string
	Metrics   []string
	FromTs    int64
	ToTs      int64
	Limit     int
}

// DailyAggregate 单个指标在一个 UTC 自然日内的统计
type DailyAggregate struct {
	Metric string  `gorm:"column:metric"`
	Day    int64   `gorm:"column:bucket_day"` // 当日零点的 Unix 秒
	Count  int     `gorm:"column:point_count"`
	Sum    float64 `gorm:"column:value_sum"`
	Min    float64 `gorm:"column:value_min"`
	Max    float64 `gorm:"column:value_max"`
}

// TelemetryRepository 遥测数据仓储
type TelemetryRepository interface {
	CreateBatch(ctx context.Context, points []domain.TelemetryPoint) error
	// Find 按时间倒序返回
	Find(ctx context.Context, filters TelemetryFilters) ([]domain.TelemetryPoint, error)
	// AggregateDaily 在数据库内按指标和 UTC 日分组，忽略 Limit
	AggregateDaily(ctx context.Context, filters TelemetryFilters) ([]DailyAggregate, error)
}

type telemetryRepository struct {
	db *gorm.DB
}

// NewTelemetryRepository 创建遥测仓储实例
func NewTelemetryRepository(db *gorm.DB) TelemetryRepository {
	return &telemetryRepository{db: db}
}

func (r *telemetryRepository) CreateBatch(ctx context.Context, points []domain.TelemetryPoint) error {
	if len(points) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(points, 500).Error
}

func (r *telemetryRepository) Find(ctx context.Context, filters TelemetryFilters) ([]domain.TelemetryPoint, error) {
	query := r.filtered(ctx, filters)
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}

	var points []domain.TelemetryPoint
	err := query.Order("ts DESC").Order("id DESC").Find(&points).Error
	return points, err
}

func (r *telemetryRepository) AggregateDaily(ctx context.Context, filters TelemetryFilters) ([]DailyAggregate, error) {
	var rows []DailyAggregate
	err := r.filtered(ctx, filters).
		Model(&domain.TelemetryPoint{}).
		Select("metric, ts - ts % 86400 AS bucket_day, COUNT(*) AS point_count, " +
			"SUM(value) AS value_sum, MIN(value) AS value_min, MAX(value) AS value_max").
		Group("metric").
		Group("ts - ts % 86400").
		Order("metric ASC").
		Order("bucket_day ASC").
		Scan(&rows).Error
	return rows, err
}

func (r *telemetryRepository) filtered(ctx context.Context, filters TelemetryFilters) *gorm.DB {
	query := r.db.WithContext(ctx).
		Where("ts >= ? AND ts <= ?", filters.FromTs, filters.ToTs)

	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}
	if len(filters.DeviceIDs) > 0 {
		query = query.Where("device_id IN ?", filters.DeviceIDs)
	}
	if len(filters.Metrics) > 0 {
		query = query.Where("metric IN ?", filters.Metrics)
	}
	return query
}
