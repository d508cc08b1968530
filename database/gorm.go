package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *Config) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// 自动迁移
	if err := db.AutoMigrate(
		&DiscrepancyRecord{},
		&AdminConfig{},
		&ResetAudit{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// FindDiscrepancy 按 (终端, 符号) 查找差异记录，不存在时返回 nil
func (g *GormDatabase) FindDiscrepancy(ctx context.Context, broker, symbol string) (*DiscrepancyRecord, error) {
	var rec DiscrepancyRecord
	err := g.db.WithContext(ctx).
		Where("broker = ? AND symbol = ?", broker, symbol).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertDiscrepancy 条件更新插入差异记录，冲突键 (broker, symbol)
func (g *GormDatabase) UpsertDiscrepancy(ctx context.Context, rec *DiscrepancyRecord) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "broker"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"raw_symbol", "direction", "reference_broker", "distance",
			"sync_spread", "streak", "streak_start_at", "last_seen_at",
			"stable", "delay_type", "updated_at",
		}),
	}).Create(rec).Error
}

// GetDiscrepancies 按过滤条件查询差异记录
func (g *GormDatabase) GetDiscrepancies(ctx context.Context, filter *DiscrepancyFilter) ([]*DiscrepancyRecord, error) {
	query := g.db.WithContext(ctx).Model(&DiscrepancyRecord{})

	if filter.Broker != "" {
		query = query.Where("broker = ?", filter.Broker)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Direction != "" {
		query = query.Where("direction = ?", filter.Direction)
	}
	if filter.MinStreak > 0 {
		query = query.Where("streak >= ?", filter.MinStreak)
	}
	if filter.StartTime != nil {
		query = query.Where("last_seen_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("last_seen_at <= ?", filter.EndTime)
	}

	query = query.Order("last_seen_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var records []*DiscrepancyRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}

// GetAdminConfig 读取管理配置单例，不存在时写入并返回缺省值
func (g *GormDatabase) GetAdminConfig(ctx context.Context) (*AdminConfig, error) {
	var cfg AdminConfig
	err := g.db.WithContext(ctx).Where("id = ?", 1).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		def := DefaultAdminConfig()
		if err := g.db.WithContext(ctx).Create(def).Error; err != nil {
			return nil, err
		}
		return def, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveAdminConfig 保存管理配置单例
func (g *GormDatabase) SaveAdminConfig(ctx context.Context, cfg *AdminConfig) error {
	cfg.ID = 1
	cfg.UpdatedAt = time.Now()
	return g.db.WithContext(ctx).Save(cfg).Error
}

// SaveResetAudit 保存重置运行审计记录
func (g *GormDatabase) SaveResetAudit(ctx context.Context, audit *ResetAudit) error {
	return g.db.WithContext(ctx).Save(audit).Error
}

// GetResetAudits 查询最近的重置运行审计记录
func (g *GormDatabase) GetResetAudits(ctx context.Context, limit int) ([]*ResetAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	var audits []*ResetAudit
	err := g.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&audits).Error
	if err != nil {
		return nil, err
	}
	return audits, nil
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
