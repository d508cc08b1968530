package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 价格聚合监控系统配置
type Config struct {
	System struct {
		LogLevel string `yaml:"log_level"` // 日志级别: debug, info, warn, error
		Timezone string `yaml:"timezone"`  // 时区，如 "Asia/Shanghai"
	} `yaml:"system"`

	// Redis 共享状态存储配置
	Redis struct {
		Addr         string `yaml:"addr"`           // Redis 地址，默认 localhost:6379
		Password     string `yaml:"password"`       // Redis 密码，默认为空
		DB           int    `yaml:"db"`             // Redis 数据库，默认0
		PoolSize     int    `yaml:"pool_size"`      // 连接池大小，默认10
		KeyPrefix    string `yaml:"key_prefix"`     // 键前缀，默认 "pricemesh:"
		ReadySeconds int    `yaml:"ready_seconds"`  // 连接就绪等待上限（秒），默认3
		SnapshotTTL  int    `yaml:"snapshot_ttl"`   // 快照过期时间（秒），默认300
		BrokerCache  int    `yaml:"broker_cache"`   // 快照读缓存（毫秒），默认100
		KeySetCache  int    `yaml:"keyset_cache"`   // 键集合缓存（毫秒），默认500
		PublishWait  int    `yaml:"publish_wait"`   // 发布前就绪等待上限（秒），默认3
	} `yaml:"redis"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // 数据库类型: sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 数据源名称，默认 ./data/pricemesh.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数，默认100
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数，默认10
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒），默认3600
		LogLevel        string `yaml:"log_level"`         // 日志级别: silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 延迟检测分析配置
	Analysis struct {
		Enabled           *bool  `yaml:"enabled"`             // 是否启用分析引擎，默认true
		ScanIntervalMs    int    `yaml:"scan_interval_ms"`    // 扫描周期（毫秒），默认1000
		RefreshIntervalMs int    `yaml:"refresh_interval_ms"` // 管理配置刷新周期（毫秒），默认500
		Strategy          string `yaml:"strategy"`            // 参考报价策略: first_broker, median_consensus
		StreakResetSec    int    `yaml:"streak_reset_sec"`    // 连击计数器重置间隔（秒），默认60
	} `yaml:"analysis"`

	// 批量重置编排配置
	Reset struct {
		ProtectedIndex    int     `yaml:"protected_index"`    // 受保护的主终端序号，默认0
		MaxRetries        int     `yaml:"max_retries"`        // 单终端重试上限，默认3
		PollIntervalSec   int     `yaml:"poll_interval_sec"`  // 进度轮询间隔（秒），默认1
		MaxWaitSec        int     `yaml:"max_wait_sec"`       // 单次等待上限（秒），默认120
		SuccessPercent    float64 `yaml:"success_percent"`    // 完成百分比阈值，默认30
		TrivialSymbols    int     `yaml:"trivial_symbols"`    // 符号数下限（低于此值视为即时完成），默认5
		StuckZeroPolls    int     `yaml:"stuck_zero_polls"`   // 连续零进度轮询次数上限，默认10
		CooldownSec       int     `yaml:"cooldown_sec"`       // 重试冷却时间（秒），默认5
		CommandsPerSecond float64 `yaml:"commands_per_sec"`   // 重置指令速率上限（次/秒），默认1
	} `yaml:"reset"`

	// 单飞去重配置
	Dedup struct {
		LockTTLSec     int `yaml:"lock_ttl_sec"`     // 锁过期时间（秒），默认30
		ResultTTLSec   int `yaml:"result_ttl_sec"`   // 结果标记过期时间（秒），默认120
		PollIntervalMs int `yaml:"poll_interval_ms"` // 跟随者轮询间隔（毫秒），默认200
		MaxWaitSec     int `yaml:"max_wait_sec"`     // 跟随者等待上限（秒），默认60
	} `yaml:"dedup"`

	// 防抖合并配置
	Debounce struct {
		QuietMs     int `yaml:"quiet_ms"`     // 静默期（毫秒），默认2000
		MaxWaitMs   int `yaml:"max_wait_ms"`  // 最大等待（毫秒），默认10000
		MaxPayloads int `yaml:"max_payloads"` // 单组去重载荷上限，默认20
	} `yaml:"debounce"`

	// Web 状态查询接口配置
	Web struct {
		Enabled *bool  `yaml:"enabled"` // 是否启用 Web 接口，默认true
		Listen  string `yaml:"listen"`  // 监听地址，默认 :8085
	} `yaml:"web"`

	// 行情推送网关配置
	Feed struct {
		Enabled *bool  `yaml:"enabled"` // 是否启用 WebSocket 行情网关，默认true
		Listen  string `yaml:"listen"`  // 监听地址，默认 :8086
		Path    string `yaml:"path"`    // WebSocket 路径，默认 /feed
	} `yaml:"feed"`

	// 通知配置
	Notifications struct {
		Enabled  bool `yaml:"enabled"`
		Telegram struct {
			Enabled  bool   `yaml:"enabled"`
			BotToken string `yaml:"bot_token"`
			ChatID   string `yaml:"chat_id"`
		} `yaml:"telegram"`
		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"webhook"`
	} `yaml:"notifications"`

	// 系统资源采集配置
	Watchdog struct {
		Enabled           bool `yaml:"enabled"`             // 是否启用资源采集，默认false
		SampleIntervalSec int  `yaml:"sample_interval_sec"` // 采样间隔（秒），默认120
	} `yaml:"watchdog"`
}

// LoadConfig 从 YAML 文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}

	return cfg, nil
}

// enabledDefault 开关类字段区分"未配置"和"显式关闭"
func enabledDefault(v *bool, def bool) *bool {
	if v != nil {
		return v
	}
	return &def
}

// applyDefaults 填充默认值
func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "pricemesh:"
	}
	if c.Redis.ReadySeconds <= 0 {
		c.Redis.ReadySeconds = 3
	}
	if c.Redis.SnapshotTTL <= 0 {
		c.Redis.SnapshotTTL = 300
	}
	if c.Redis.BrokerCache <= 0 {
		c.Redis.BrokerCache = 100
	}
	if c.Redis.KeySetCache <= 0 {
		c.Redis.KeySetCache = 500
	}
	if c.Redis.PublishWait <= 0 {
		c.Redis.PublishWait = 3
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "./data/pricemesh.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	c.Analysis.Enabled = enabledDefault(c.Analysis.Enabled, true)
	if c.Analysis.ScanIntervalMs <= 0 {
		c.Analysis.ScanIntervalMs = 1000
	}
	if c.Analysis.RefreshIntervalMs <= 0 {
		c.Analysis.RefreshIntervalMs = 500
	}
	if c.Analysis.Strategy == "" {
		c.Analysis.Strategy = "median_consensus"
	}
	if c.Analysis.StreakResetSec <= 0 {
		c.Analysis.StreakResetSec = 60
	}

	if c.Reset.MaxRetries <= 0 {
		c.Reset.MaxRetries = 3
	}
	if c.Reset.PollIntervalSec <= 0 {
		c.Reset.PollIntervalSec = 1
	}
	if c.Reset.MaxWaitSec <= 0 {
		c.Reset.MaxWaitSec = 120
	}
	if c.Reset.SuccessPercent <= 0 {
		c.Reset.SuccessPercent = 30
	}
	if c.Reset.TrivialSymbols <= 0 {
		c.Reset.TrivialSymbols = 5
	}
	if c.Reset.StuckZeroPolls <= 0 {
		c.Reset.StuckZeroPolls = 10
	}
	if c.Reset.CooldownSec <= 0 {
		c.Reset.CooldownSec = 5
	}
	if c.Reset.CommandsPerSecond <= 0 {
		c.Reset.CommandsPerSecond = 1
	}

	if c.Dedup.LockTTLSec <= 0 {
		c.Dedup.LockTTLSec = 30
	}
	if c.Dedup.ResultTTLSec <= 0 {
		c.Dedup.ResultTTLSec = 120
	}
	if c.Dedup.PollIntervalMs <= 0 {
		c.Dedup.PollIntervalMs = 200
	}
	if c.Dedup.MaxWaitSec <= 0 {
		c.Dedup.MaxWaitSec = 60
	}

	if c.Debounce.QuietMs <= 0 {
		c.Debounce.QuietMs = 2000
	}
	if c.Debounce.MaxWaitMs <= 0 {
		c.Debounce.MaxWaitMs = 10000
	}
	if c.Debounce.MaxPayloads <= 0 {
		c.Debounce.MaxPayloads = 20
	}

	c.Web.Enabled = enabledDefault(c.Web.Enabled, true)
	if c.Web.Listen == "" {
		c.Web.Listen = ":8085"
	}
	c.Feed.Enabled = enabledDefault(c.Feed.Enabled, true)
	if c.Feed.Listen == "" {
		c.Feed.Listen = ":8086"
	}
	if c.Feed.Path == "" {
		c.Feed.Path = "/feed"
	}

	if c.Watchdog.SampleIntervalSec <= 0 {
		c.Watchdog.SampleIntervalSec = 120
	}
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}

	switch c.Analysis.Strategy {
	case "first_broker", "median_consensus":
	default:
		return fmt.Errorf("不支持的分析策略: %s", c.Analysis.Strategy)
	}

	if c.Reset.ProtectedIndex < 0 {
		return fmt.Errorf("受保护终端序号不能为负数: %d", c.Reset.ProtectedIndex)
	}
	if c.Reset.SuccessPercent > 100 {
		return fmt.Errorf("完成百分比阈值不能超过100: %f", c.Reset.SuccessPercent)
	}

	// 结果标记必须比锁活得更久，跟随者才能在锁过期后读到结果
	if c.Dedup.ResultTTLSec <= c.Dedup.LockTTLSec {
		return fmt.Errorf("去重结果过期时间(%ds)必须大于锁过期时间(%ds)", c.Dedup.ResultTTLSec, c.Dedup.LockTTLSec)
	}

	if c.Debounce.QuietMs > c.Debounce.MaxWaitMs {
		return fmt.Errorf("防抖静默期(%dms)不能大于最大等待(%dms)", c.Debounce.QuietMs, c.Debounce.MaxWaitMs)
	}

	if c.Notifications.Telegram.Enabled {
		if c.Notifications.Telegram.BotToken == "" || c.Notifications.Telegram.ChatID == "" {
			return fmt.Errorf("Telegram 通知已启用但 bot_token 或 chat_id 未配置")
		}
	}
	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("Webhook 通知已启用但 url 未配置")
	}

	return nil
}
