package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDatabaseUnsupportedType(t *testing.T) {
	if _, err := NewDatabase(&Config{Type: "oracle"}); err == nil {
		t.Error("未知数据库类型应报错")
	}
}

func TestNewDatabaseSqlite(t *testing.T) {
	db, err := NewDatabase(&Config{
		Type:            "sqlite",
		DSN:             filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
		LogLevel:        "silent",
	})
	if err != nil {
		t.Fatalf("创建 sqlite 数据库失败: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("健康检查失败: %v", err)
	}

	// 自动迁移后管理配置表可用，首次读取返回默认单例
	admin, err := db.GetAdminConfig(ctx)
	if err != nil {
		t.Fatalf("读取管理配置失败: %v", err)
	}
	if admin == nil {
		t.Fatal("管理配置不应为空")
	}
}
