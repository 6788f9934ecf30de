// Package migrations 内嵌生产环境使用的 PostgreSQL 迁移脚本
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed *.sql
var migrations embed.FS

// Migrator 数据库迁移器
type Migrator struct {
	db *sql.DB
	m  *migrate.Migrate
}

// Source 返回内嵌迁移脚本的源驱动
func Source() (source.Driver, error) {
	driver, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}
	return driver, nil
}

// Open 连接数据库并创建迁移器，Close 时一并关闭连接
func Open(databaseURL string) (*Migrator, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrator, err := NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return migrator, nil
}

// NewMigrator 基于已有连接创建迁移器
func NewMigrator(db *sql.DB) (*Migrator, error) {
	sourceDriver, err := Source()
	if err != nil {
		return nil, err
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return &Migrator{db: db, m: m}, nil
}

// Up 执行所有待执行的迁移
func (migrator *Migrator) Up() error {
	if err := migrator.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate up: %w", err)
	}
	return nil
}

// Down 回滚所有迁移
func (migrator *Migrator) Down() error {
	if err := migrator.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate down: %w", err)
	}
	return nil
}

// Steps 正数前进、负数回退指定步数
func (migrator *Migrator) Steps(n int) error {
	if err := migrator.m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate steps: %w", err)
	}
	return nil
}

// Version 获取当前迁移版本，未迁移时返回 0
func (migrator *Migrator) Version() (uint, bool, error) {
	version, dirty, err := migrator.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Close 关闭迁移器和数据库连接
func (migrator *Migrator) Close() error {
	sourceErr, dbErr := migrator.m.Close()
	return errors.Join(sourceErr, dbErr)
}
