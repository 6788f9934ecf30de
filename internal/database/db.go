package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewPostgresDB 创建数据库连接（Fx兼容），停止时关闭连接池
func NewPostgresDB(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := New(&cfg.Database, log)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	go monitorConnectionPool(sqlDB, log, stop)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			close(stop)
			return sqlDB.Close()
		},
	})
	return db, nil
}

// New 创建数据库连接
func New(cfg *config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 获取底层sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	maxOpenConns := cfg.MaxOpenConns
	if maxOpenConns == 0 {
		maxOpenConns = 50
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = maxOpenConns / 2
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	log.Info("Database connection pool configured",
		zap.Int("max_open", maxOpenConns),
		zap.Int("max_idle", maxIdleConns),
		zap.Duration("max_lifetime", connMaxLifetime),
	)

	// 测试连接
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		log.Info("Running database auto-migration")
		if err := AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return db, nil
}

// AutoMigrate 自动迁移所有模型（开发环境和测试使用，生产环境使用 cmd/migrate）
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Device{},
		&domain.ActivationCode{},
		&domain.IdempotencyRecord{},
		&domain.TelemetryPoint{},
		&domain.Thing{},
		&domain.Certificate{},
		&domain.CertificateAttachment{},
		&domain.AuditLog{},
	)
}

// monitorConnectionPool 定期记录连接池指标
func monitorConnectionPool(sqlDB *sql.DB, log *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		stats := sqlDB.Stats()
		log.Debug("Connection pool stats",
			zap.Int("open", stats.OpenConnections),
			zap.Int("in_use", stats.InUse),
			zap.Int("idle", stats.Idle),
			zap.Int64("wait_count", stats.WaitCount),
			zap.Duration("wait_duration", stats.WaitDuration),
		)

		if stats.OpenConnections > 0 && float64(stats.InUse)/float64(stats.OpenConnections) > 0.9 {
			log.Warn("Connection pool is nearly saturated",
				zap.Int("in_use", stats.InUse),
				zap.Int("open", stats.OpenConnections),
			)
		}
	}
}
