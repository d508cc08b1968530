package database

import (
	"context"
	"time"
)

// Database 持久化分析存储接口
type Database interface {
	// 延迟差异记录
	FindDiscrepancy(ctx context.Context, broker, symbol string) (*DiscrepancyRecord, error)
	UpsertDiscrepancy(ctx context.Context, rec *DiscrepancyRecord) error
	GetDiscrepancies(ctx context.Context, filter *DiscrepancyFilter) ([]*DiscrepancyRecord, error)

	// 管理配置（单例记录，核心只读不产生）
	GetAdminConfig(ctx context.Context) (*AdminConfig, error)
	SaveAdminConfig(ctx context.Context, cfg *AdminConfig) error

	// 重置运行审计
	SaveResetAudit(ctx context.Context, audit *ResetAudit) error
	GetResetAudits(ctx context.Context, limit int) ([]*ResetAudit, error)

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// DiscrepancyRecord 延迟差异记录，按 (终端, 符号) 唯一
type DiscrepancyRecord struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Broker          string    `gorm:"uniqueIndex:idx_broker_symbol;size:100" json:"broker"`
	Symbol          string    `gorm:"uniqueIndex:idx_broker_symbol;size:50" json:"symbol"`
	RawSymbol       string    `gorm:"size:50" json:"raw_symbol"`
	Direction       string    `gorm:"size:10" json:"direction"` // BUY, SELL
	ReferenceBroker string    `gorm:"size:100" json:"reference_broker"`
	Distance        int       `json:"distance"`    // 与参考报价的距离（价格步数）
	SyncSpread      float64   `json:"sync_spread"` // 比较时使用的同步点差
	Streak          int       `json:"streak"`      // 连续检测计数器
	StreakStartAt   time.Time `gorm:"index" json:"streak_start_at"`
	LastSeenAt      time.Time `gorm:"index" json:"last_seen_at"`
	Stable          bool      `json:"stable"`
	DelayType       string    `gorm:"size:20" json:"delay_type"` // delay, delay_stop
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AdminConfig 管理配置单例（会话点差倍率、账户基础点差、重置策略）
type AdminConfig struct {
	ID int64 `gorm:"primaryKey" json:"id"`

	// 参考报价策略: first_broker, median_consensus
	Strategy string `gorm:"size:30" json:"strategy"`

	// 四个交易时段的点差倍率
	SydneyMultiplier  float64 `json:"sydney_multiplier"`
	TokyoMultiplier   float64 `json:"tokyo_multiplier"`
	LondonMultiplier  float64 `json:"london_multiplier"`
	NewYorkMultiplier float64 `json:"newyork_multiplier"`

	// 账户类型基础点差（价格步数）
	BaseSpreadSTD float64 `json:"base_spread_std"`
	BaseSpreadECN float64 `json:"base_spread_ecn"`

	// 报价比较的点偏移（价格步数）
	OffsetPoints float64 `json:"offset_points"`

	// 连击计数器重置间隔（秒），检测间隔超过此值则连击归零
	StreakResetSec int `json:"streak_reset_sec"`

	// 连击达到此值后标记为稳定差异
	StableStreak int `json:"stable_streak"`

	// 中位数共识策略参数
	OutlierPipThreshold float64 `json:"outlier_pip_threshold"` // 偏离中位数的点阈值
	MinMainGroup        int     `json:"min_main_group"`        // 主群最少终端数

	// 检测静默时间段，格式 "HH:MM-HH:MM"，逗号分隔
	BlackoutRanges string `gorm:"size:500" json:"blackout_ranges"`

	// 重置行为开关与策略常量（保留为可调配置）
	AutoResetEnabled    bool    `json:"auto_reset_enabled"`
	ResetSuccessPercent float64 `json:"reset_success_percent"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ResetAudit 一次重置编排运行的审计记录
type ResetAudit struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Trigger        string     `gorm:"size:50" json:"trigger"` // manual, scheduled, debounced
	Total          int        `json:"total"`
	Succeeded      int        `json:"succeeded"`
	Skipped        int        `json:"skipped"`
	SkippedBrokers string     `gorm:"size:1000" json:"skipped_brokers"` // 逗号分隔
	StartedAt      time.Time  `gorm:"index" json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

// 过滤器

// DiscrepancyFilter 延迟差异记录过滤器
type DiscrepancyFilter struct {
	Broker    string
	Symbol    string
	Direction string
	MinStreak int
	StartTime *time.Time // LastSeenAt 时间窗口
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// DefaultAdminConfig 管理配置缺省值
func DefaultAdminConfig() *AdminConfig {
	return &AdminConfig{
		ID:                  1,
		Strategy:            "median_consensus",
		SydneyMultiplier:    3.0,
		TokyoMultiplier:     2.5,
		LondonMultiplier:    2.0,
		NewYorkMultiplier:   2.0,
		BaseSpreadSTD:       20,
		BaseSpreadECN:       10,
		OffsetPoints:        10,
		StreakResetSec:      60,
		StableStreak:        3,
		OutlierPipThreshold: 5,
		MinMainGroup:        2,
		AutoResetEnabled:    true,
		ResetSuccessPercent: 30,
	}
}
