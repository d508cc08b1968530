package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"pricemesh/logger"
)

// SystemCollector 系统资源指标采集器
type SystemCollector struct {
	interval time.Duration
	cancel   context.CancelFunc
}

// NewSystemCollector 创建系统资源采集器
func NewSystemCollector(interval time.Duration) *SystemCollector {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &SystemCollector{interval: interval}
}

// Start 启动采集循环
func (sc *SystemCollector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	sc.cancel = cancel

	go sc.collectLoop(runCtx)
	logger.Info("✅ 系统资源采集已启动 (采样间隔: %v)", sc.interval)
}

// Stop 停止采集
func (sc *SystemCollector) Stop() {
	if sc.cancel != nil {
		sc.cancel()
	}
}

// collectLoop 采集循环
func (sc *SystemCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	// 立即采集一次
	sc.collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.collect()
		}
	}
}

// collect 采集一次 CPU 和内存使用率
func (sc *SystemCollector) collect() {
	if percentages, err := cpu.Percent(time.Second, false); err == nil && len(percentages) > 0 {
		cpuUsagePercent.Set(percentages[0])
	} else if err != nil {
		logger.Debug("采集 CPU 使用率失败: %v", err)
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		memoryUsagePercent.Set(memStat.UsedPercent)
	} else {
		logger.Debug("采集内存使用率失败: %v", err)
	}
}
