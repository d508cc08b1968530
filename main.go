package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricemesh/analysis"
	"pricemesh/config"
	"pricemesh/database"
	"pricemesh/debounce"
	"pricemesh/dedup"
	"pricemesh/event"
	"pricemesh/feed"
	"pricemesh/logger"
	"pricemesh/metrics"
	"pricemesh/notify"
	"pricemesh/orchestrator"
	"pricemesh/store"
	"pricemesh/web"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	// 检查版本参数
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("PriceMesh Feed Watchdog\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	// 解析调试参数（-debug / --debug）
	debugMode := false
	filteredArgs := []string{os.Args[0]}
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-debug", "--debug":
			debugMode = true
		default:
			filteredArgs = append(filteredArgs, arg)
		}
	}
	os.Args = filteredArgs

	logger.Info("🚀 PriceMesh 报价监控系统启动...")
	logger.Info("📦 版本号: %s", Version)

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("❌ 加载配置失败: %v", err)
	}

	// 时区设置
	if cfg.System.Timezone != "" {
		loc, err := time.LoadLocation(cfg.System.Timezone)
		if err != nil {
			logger.Warn("⚠️ 加载时区 %s 失败: %v，将使用本地时区", cfg.System.Timezone, err)
		} else {
			logger.SetLocation(loc)
			logger.Info("✅ 系统时区设置为: %s", cfg.System.Timezone)
		}
	}

	if debugMode {
		cfg.System.LogLevel = "debug"
	}
	logLevel := logger.ParseLogLevel(cfg.System.LogLevel)
	logger.SetLevel(logLevel)
	logger.Info("日志级别设置为: %s", logLevel.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 事件总线 & 通知
	logger.Info("🔧 正在初始化事件总线...")
	eventBus := event.NewEventBus(1000)
	notifier := notify.NewNotificationService(cfg)
	notifier.Start(ctx, eventBus)

	// 状态存储
	logger.Info("🔧 正在初始化状态存储...")
	st := store.New(store.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		KeyPrefix:   cfg.Redis.KeyPrefix,
		ReadyWait:   time.Duration(cfg.Redis.ReadySeconds) * time.Second,
		PublishWait: time.Duration(cfg.Redis.PublishWait) * time.Second,
		SnapshotTTL: time.Duration(cfg.Redis.SnapshotTTL) * time.Second,
		BrokerCache: time.Duration(cfg.Redis.BrokerCache) * time.Millisecond,
		KeySetCache: time.Duration(cfg.Redis.KeySetCache) * time.Millisecond,
	})
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		logger.Warn("⚠️ 状态存储暂不可用: %v（操作将在就绪等待窗口内重试）", err)
	} else {
		logger.Info("✅ 状态存储已连接: %s", cfg.Redis.Addr)
	}

	// 分析数据库
	logger.Info("🔧 正在初始化数据库...")
	db, err := database.NewDatabase(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatal("❌ 初始化数据库失败: %v", err)
	}
	defer db.Close()
	logger.Info("✅ 数据库已初始化 (类型: %s)", cfg.Database.Type)

	// 单飞去重 + 防抖合并
	sf := dedup.NewExecutor(st, dedup.Config{
		LockTTL:      time.Duration(cfg.Dedup.LockTTLSec) * time.Second,
		ResultTTL:    time.Duration(cfg.Dedup.ResultTTLSec) * time.Second,
		PollInterval: time.Duration(cfg.Dedup.PollIntervalMs) * time.Millisecond,
		MaxWait:      time.Duration(cfg.Dedup.MaxWaitSec) * time.Second,
	})
	coalescer := debounce.NewCoalescer(debounce.Config{
		Quiet:       time.Duration(cfg.Debounce.QuietMs) * time.Millisecond,
		MaxWait:     time.Duration(cfg.Debounce.MaxWaitMs) * time.Millisecond,
		MaxPayloads: cfg.Debounce.MaxPayloads,
	})
	defer coalescer.Stop()

	// 重置编排器
	orch := orchestrator.New(st, st, db, eventBus, orchestrator.Config{
		ProtectedIndex:    cfg.Reset.ProtectedIndex,
		MaxRetries:        cfg.Reset.MaxRetries,
		PollInterval:      time.Duration(cfg.Reset.PollIntervalSec) * time.Second,
		MaxWait:           time.Duration(cfg.Reset.MaxWaitSec) * time.Second,
		SuccessPercent:    cfg.Reset.SuccessPercent,
		TrivialSymbols:    cfg.Reset.TrivialSymbols,
		StuckZeroPolls:    cfg.Reset.StuckZeroPolls,
		Cooldown:          time.Duration(cfg.Reset.CooldownSec) * time.Second,
		CommandsPerSecond: cfg.Reset.CommandsPerSecond,
	})
	trigger := orchestrator.NewTrigger(orch, sf, coalescer)
	logger.Info("✅ 重置编排器已就绪 (受保护序号: %d)", cfg.Reset.ProtectedIndex)

	// 分析引擎
	var engine *analysis.Engine
	if *cfg.Analysis.Enabled {
		engine = analysis.NewEngine(st, db, eventBus, analysis.Config{
			ScanInterval:    time.Duration(cfg.Analysis.ScanIntervalMs) * time.Millisecond,
			RefreshInterval: time.Duration(cfg.Analysis.RefreshIntervalMs) * time.Millisecond,
			DefaultStrategy: cfg.Analysis.Strategy,
			StreakResetSec:  cfg.Analysis.StreakResetSec,
		})
		engine.SetStableHandler(func(broker, symbol string) {
			if err := trigger.Notify(broker, "stable_discrepancy:"+symbol); err != nil {
				logger.Warn("⚠️ 提交重置触发事件失败 broker=%s: %v", broker, err)
			}
		})
		if err := engine.Start(ctx); err != nil {
			logger.Fatal("❌ 启动分析引擎失败: %v", err)
		}
	} else {
		logger.Info("ℹ️ 分析引擎未启用（配置中 analysis.enabled=false）")
	}

	// 行情推送网关
	var gateway *feed.Gateway
	if *cfg.Feed.Enabled {
		gateway = feed.NewGateway(st, eventBus)
		if err := gateway.Start(cfg.Feed.Listen, cfg.Feed.Path); err != nil {
			logger.Fatal("❌ 启动行情网关失败: %v", err)
		}
	} else {
		logger.Info("ℹ️ 行情网关未启用（配置中 feed.enabled=false）")
	}

	// Web 状态接口
	var webServer *web.Server
	if *cfg.Web.Enabled {
		webServer = web.NewServer(st, db, orch, trigger)
		if err := webServer.Start(cfg.Web.Listen); err != nil {
			logger.Fatal("❌ 启动 Web 服务失败: %v", err)
		}
	} else {
		logger.Info("ℹ️ Web 服务未启用（配置中 web.enabled=false）")
	}

	// 系统资源采集
	var collector *metrics.SystemCollector
	if cfg.Watchdog.Enabled {
		collector = metrics.NewSystemCollector(time.Duration(cfg.Watchdog.SampleIntervalSec) * time.Second)
		collector.Start(ctx)
		logger.Info("✅ 系统资源采集已启动 (间隔: %ds)", cfg.Watchdog.SampleIntervalSec)
	}

	// 配置热加载
	watcher, err := config.NewConfigWatcher(configPath)
	if err != nil {
		logger.Warn("⚠️ 初始化配置监控失败: %v（热加载不可用）", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Close()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case newCfg, ok := <-watcher.Updates():
					if !ok {
						return
					}
					// 日志级别即时生效，其余配置需重启
					logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
					logger.Info("🔄 配置已热加载，日志级别: %s（结构性配置需重启生效）", newCfg.System.LogLevel)
				case err, ok := <-watcher.Errors():
					if !ok {
						return
					}
					logger.Warn("⚠️ 配置监控错误: %v", err)
				}
			}
		}()
		logger.Info("✅ 配置热加载已启用: %s", configPath)
	}

	eventBus.Emit(event.EventTypeSystemStart, map[string]interface{}{"version": Version})
	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	// 等待退出信号（SIGINT 或 SIGTERM）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")
	eventBus.Emit(event.EventTypeSystemStop, map[string]interface{}{"reason": "收到退出信号"})

	// 先停外部入口，再停内部循环
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if gateway != nil {
		if err := gateway.Stop(shutdownCtx); err != nil {
			logger.Error("❌ 关闭行情网关失败: %v", err)
		}
	}
	if webServer != nil {
		if err := webServer.Stop(shutdownCtx); err != nil {
			logger.Error("❌ 关闭 Web 服务失败: %v", err)
		}
	}
	if engine != nil {
		engine.Stop()
	}
	if collector != nil {
		collector.Stop()
	}

	cancel()

	// 让事件队列中的通知有机会发出
	time.Sleep(500 * time.Millisecond)
	notifier.Stop()

	logger.Info("✅ 系统已安全退出 PriceMesh")
	logger.Close()
}
