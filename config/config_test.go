package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入测试配置失败: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
system:
  log_level: info
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis 地址默认值: 期望 localhost:6379, 得到 %s", cfg.Redis.Addr)
	}
	if cfg.Redis.KeyPrefix != "pricemesh:" {
		t.Errorf("键前缀默认值: 期望 pricemesh:, 得到 %s", cfg.Redis.KeyPrefix)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("数据库类型默认值: 期望 sqlite, 得到 %s", cfg.Database.Type)
	}
	if cfg.Analysis.Strategy != "median_consensus" {
		t.Errorf("分析策略默认值: 期望 median_consensus, 得到 %s", cfg.Analysis.Strategy)
	}
	if cfg.Reset.SuccessPercent != 30 {
		t.Errorf("完成百分比阈值默认值: 期望 30, 得到 %v", cfg.Reset.SuccessPercent)
	}
	if cfg.Reset.TrivialSymbols != 5 {
		t.Errorf("符号数下限默认值: 期望 5, 得到 %d", cfg.Reset.TrivialSymbols)
	}
	if cfg.Dedup.ResultTTLSec <= cfg.Dedup.LockTTLSec {
		t.Error("默认结果标记过期时间应大于锁过期时间")
	}
	if cfg.Debounce.QuietMs != 2000 || cfg.Debounce.MaxWaitMs != 10000 {
		t.Errorf("防抖默认值不正确: quiet=%d max=%d", cfg.Debounce.QuietMs, cfg.Debounce.MaxWaitMs)
	}
	if cfg.Web.Listen != ":8085" || cfg.Feed.Path != "/feed" {
		t.Errorf("监听默认值不正确: web=%s feed=%s", cfg.Web.Listen, cfg.Feed.Path)
	}
	// 未配置时三个服务开关默认开启
	if !*cfg.Analysis.Enabled || !*cfg.Web.Enabled || !*cfg.Feed.Enabled {
		t.Errorf("服务开关默认值应为开启: analysis=%v web=%v feed=%v",
			*cfg.Analysis.Enabled, *cfg.Web.Enabled, *cfg.Feed.Enabled)
	}
}

func TestLoadConfigExplicitDisable(t *testing.T) {
	path := writeConfig(t, `
analysis:
  enabled: false
web:
  enabled: false
feed:
  enabled: false
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if *cfg.Analysis.Enabled || *cfg.Web.Enabled || *cfg.Feed.Enabled {
		t.Errorf("显式关闭应被保留: analysis=%v web=%v feed=%v",
			*cfg.Analysis.Enabled, *cfg.Web.Enabled, *cfg.Feed.Enabled)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{
			"未知分析策略",
			`
analysis:
  strategy: magic_oracle
`,
		},
		{
			"未知数据库类型",
			`
database:
  type: oracle
`,
		},
		{
			"结果标记过期时间不大于锁过期时间",
			`
dedup:
  lock_ttl_sec: 60
  result_ttl_sec: 30
`,
		},
		{
			"防抖静默期大于最大等待",
			`
debounce:
  quiet_ms: 5000
  max_wait_ms: 1000
`,
		},
		{
			"Telegram 启用但缺少凭证",
			`
notifications:
  enabled: true
  telegram:
    enabled: true
`,
		},
		{
			"Webhook 启用但缺少 URL",
			`
notifications:
  enabled: true
  webhook:
    enabled: true
`,
		},
	}

	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("%s: 应报配置校验错误", tc.name)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("不存在的配置文件应报错")
	}
}
