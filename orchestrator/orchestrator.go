package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pricemesh/database"
	"pricemesh/event"
	"pricemesh/logger"
	"pricemesh/metrics"
	"pricemesh/store"
)

// ErrRunActive 已有一次编排运行在进行中
var ErrRunActive = errors.New("reset run already active")

// BrokerSource 编排器消费的终端元数据来源
// 状态字段同时是进度侧信道：编排器写入零进度，终端自行推进
type BrokerSource interface {
	GetAllBrokers(ctx context.Context) ([]*store.BrokerSnapshot, error)
	GetBroker(ctx context.Context, name string) (*store.BrokerSnapshot, error)
	UpdateBrokerStatus(ctx context.Context, name, status string) error
}

// CommandPublisher 重置指令发布通道
type CommandPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// ResetCommand 发往终端网关的重置指令
type ResetCommand struct {
	Command string `json:"command"`
	Broker  string `json:"broker"`
	Symbol  string `json:"symbol"`
}

// Config 编排器配置
// 成功阈值和零进度放弃阈值是没有推导依据的策略常量，保留为可调配置
type Config struct {
	ProtectedIndex    int           // 受保护的主终端序号，永不自动重置
	MaxRetries        int           // 单终端重试上限
	PollInterval      time.Duration // 进度轮询间隔
	MaxWait           time.Duration // 单次尝试等待上限
	SuccessPercent    float64       // 完成百分比阈值
	TrivialSymbols    int           // 符号数低于此值的终端视为即时完成
	StuckZeroPolls    int           // 连续零进度轮询次数上限
	Cooldown          time.Duration // 失败尝试后的冷却时间
	CommandsPerSecond float64       // 重置指令速率上限
}

// BrokerProgress 单个终端的重置进度
type BrokerProgress struct {
	Broker    string  `json:"broker"`
	Index     int     `json:"index"`
	Percent   float64 `json:"percent"`
	Done      bool    `json:"done"`
	Skipped   bool    `json:"skipped"`
	Protected bool    `json:"protected"`
}

// Progress 一次编排运行的进度快照
type Progress struct {
	Active        bool             `json:"active"`
	Trigger       string           `json:"trigger"`
	StartedAt     time.Time        `json:"started_at"`
	CurrentIndex  int              `json:"current_index"`
	Total         int              `json:"total"`
	CurrentBroker string           `json:"current_broker"`
	Brokers       []BrokerProgress `json:"brokers"`
	Skipped       []string         `json:"skipped"`
}

// Orchestrator 终端批量重置编排器
// 刻意串行：终端逐个重置，避免对共享基础设施造成相关联的负载尖峰；
// 全局同一时刻至多一次运行
type Orchestrator struct {
	source  BrokerSource
	pub     CommandPublisher
	db      database.Database
	events  *event.EventBus
	limiter *rate.Limiter
	cfg     Config

	mu       sync.Mutex
	active   bool
	progress Progress
}

// New 创建编排器
func New(source BrokerSource, pub CommandPublisher, db database.Database, events *event.EventBus, cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 120 * time.Second
	}
	if cfg.SuccessPercent <= 0 {
		cfg.SuccessPercent = 30
	}
	if cfg.TrivialSymbols <= 0 {
		cfg.TrivialSymbols = 5
	}
	if cfg.StuckZeroPolls <= 0 {
		cfg.StuckZeroPolls = 10
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if cfg.CommandsPerSecond <= 0 {
		cfg.CommandsPerSecond = 1
	}

	return &Orchestrator{
		source:  source,
		pub:     pub,
		db:      db,
		events:  events,
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandsPerSecond), 1),
		cfg:     cfg,
	}
}

// Progress 返回当前进度的只读快照，运行期间可随时查询
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// snapshotLocked 复制进度快照，调用方必须持有锁
func (o *Orchestrator) snapshotLocked() Progress {
	snap := o.progress
	snap.Brokers = append([]BrokerProgress(nil), o.progress.Brokers...)
	snap.Skipped = append([]string(nil), o.progress.Skipped...)
	return snap
}

// Run 执行一次完整的批量重置
// 运行已激活时返回当前进度快照和 ErrRunActive；
// 单个终端重试耗尽只记为跳过，不会中止整个运行
func (o *Orchestrator) Run(ctx context.Context, trigger string) (Progress, error) {
	o.mu.Lock()
	if o.active {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrRunActive
	}
	o.active = true
	o.progress = Progress{Active: true, Trigger: trigger, StartedAt: time.Now()}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.active = false
		o.progress.Active = false
		o.mu.Unlock()
	}()

	// 一次批量取回全部终端
	brokers, err := o.source.GetAllBrokers(ctx)
	if err != nil {
		return o.Progress(), fmt.Errorf("读取终端列表失败: %w", err)
	}
	if len(brokers) == 0 {
		logger.Info("ℹ️ 没有可重置的终端")
		return o.Progress(), nil
	}

	o.mu.Lock()
	o.progress.Total = len(brokers)
	o.progress.Brokers = make([]BrokerProgress, len(brokers))
	for i, b := range brokers {
		o.progress.Brokers[i] = BrokerProgress{
			Broker:    b.Meta.Name,
			Index:     b.Meta.Index,
			Protected: b.Meta.Index == o.cfg.ProtectedIndex,
		}
	}
	o.mu.Unlock()

	logger.Info("🚀 开始批量重置: %d 个终端 (触发: %s)", len(brokers), trigger)
	if o.events != nil {
		o.events.Emit(event.EventTypeResetRunStarted, map[string]interface{}{
			"total":   len(brokers),
			"trigger": trigger,
		})
	}

	audit := &database.ResetAudit{Trigger: trigger, Total: len(brokers), StartedAt: time.Now()}

	// 管理配置可覆盖完成百分比阈值，未设置时用静态配置
	successPercent := o.cfg.SuccessPercent
	if o.db != nil {
		if admin, err := o.db.GetAdminConfig(ctx); err != nil {
			logger.Warn("⚠️ 读取管理配置失败，使用静态完成阈值 %.0f%%: %v", successPercent, err)
		} else if admin.ResetSuccessPercent > 0 {
			successPercent = admin.ResetSuccessPercent
		}
	}

	// 严格串行，永不并行
	for i, b := range brokers {
		name := b.Meta.Name

		o.mu.Lock()
		o.progress.CurrentIndex = i
		o.progress.CurrentBroker = name
		o.mu.Unlock()

		// 受保护的主终端无条件跳过，无论其状态如何
		if b.Meta.Index == o.cfg.ProtectedIndex {
			logger.Info("🛡️ 终端 %s (序号 %d) 受保护，跳过重置", name, b.Meta.Index)
			continue
		}

		if o.resetBroker(ctx, b, successPercent) {
			audit.Succeeded++
			o.setBrokerDone(i)
			if o.events != nil {
				o.events.Emit(event.EventTypeResetBrokerDone, map[string]interface{}{"broker": name})
			}
		} else {
			audit.Skipped++
			o.markSkipped(i, name)
			metrics.RecordResetAttempt(name, "skipped")
			logger.Warn("⚠️ 终端 %s 重试耗尽，标记为跳过", name)
			if o.events != nil {
				o.events.Emit(event.EventTypeResetBrokerSkipped, map[string]interface{}{"broker": name})
			}
		}
	}

	finished := time.Now()
	audit.FinishedAt = &finished
	audit.SkippedBrokers = strings.Join(o.Progress().Skipped, ",")
	if o.db != nil {
		if err := o.db.SaveResetAudit(ctx, audit); err != nil {
			logger.Error("❌ 保存重置审计记录失败: %v", err)
		}
	}

	logger.Info("✅ 批量重置完成: 成功 %d, 跳过 %d (%v)", audit.Succeeded, audit.Skipped, finished.Sub(audit.StartedAt))
	if o.events != nil {
		o.events.Emit(event.EventTypeResetRunCompleted, map[string]interface{}{
			"succeeded": audit.Succeeded,
			"skipped":   audit.Skipped,
		})
	}

	return o.Progress(), nil
}

// resetBroker 对单个终端执行带重试的重置，返回是否成功
func (o *Orchestrator) resetBroker(ctx context.Context, b *store.BrokerSnapshot, successPercent float64) bool {
	name := b.Meta.Name

	// 先把状态改写为零进度，终端脱离已连接状态，
	// 分析引擎随即把它的报价从扫描中剔除
	if err := o.source.UpdateBrokerStatus(ctx, name, store.FormatProgress(0, b.Meta.SymbolCount)); err != nil {
		logger.Warn("⚠️ 标记终端 %s 重置状态失败: %v", name, err)
	}

	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		logger.Info("🔄 重置终端 %s (尝试 %d/%d)", name, attempt, o.cfg.MaxRetries)

		if err := o.publishReset(ctx, b); err != nil {
			logger.Error("❌ 发布重置指令失败 broker=%s: %v", name, err)
		} else if o.waitForCompletion(ctx, b, successPercent) {
			metrics.RecordResetAttempt(name, "success")
			return true
		}

		if attempt < o.cfg.MaxRetries {
			// 固定冷却后再重试
			select {
			case <-ctx.Done():
				return false
			case <-time.After(o.cfg.Cooldown):
			}
		}
	}
	return false
}

// publishReset 向终端的端口频道发布重置指令，指令速率受限
func (o *Orchestrator) publishReset(ctx context.Context, b *store.BrokerSnapshot) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}

	cmd := ResetCommand{Command: "reset", Broker: b.Meta.Name, Symbol: "ALL"}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	channel := fmt.Sprintf("reset:%d", b.Meta.Port)
	return o.pub.Publish(ctx, channel, string(payload))
}

// waitForCompletion 轮询终端状态字段直到完成、卡死或超时
//
// 成功条件：进度百分比达到阈值，或终端声明的符号数低于下限
// （小终端会瞬间完成，不必等到100%）；
// 连续多次读到零进度视为卡死，提前放弃本次尝试而不是耗尽整个超时
func (o *Orchestrator) waitForCompletion(ctx context.Context, b *store.BrokerSnapshot, successPercent float64) bool {
	name := b.Meta.Name

	// 小终端瞬间完成
	if b.Meta.SymbolCount > 0 && b.Meta.SymbolCount < o.cfg.TrivialSymbols {
		logger.Info("✅ 终端 %s 符号数 %d 低于下限，视为即时完成", name, b.Meta.SymbolCount)
		return true
	}

	started := time.Now()
	deadline := started.Add(o.cfg.MaxWait)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	zeroPolls := 0

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			metrics.RecordResetAttempt(name, "timeout")
			metrics.ObserveResetWait(name, time.Since(started))
			logger.Warn("⏰ 等待终端 %s 重置超时 (%v)", name, o.cfg.MaxWait)
			return false
		}

		snap, err := o.source.GetBroker(ctx, name)
		if err != nil {
			logger.Warn("⚠️ 轮询终端 %s 状态失败: %v", name, err)
			continue
		}
		if snap == nil {
			continue
		}

		percent, ok := store.ParseProgress(snap.Meta.Status)
		if !ok {
			// 状态不是进度字符串，终端尚未进入重置流程
			percent = 0
		}

		o.updatePercent(name, percent)

		if percent >= successPercent {
			metrics.ObserveResetWait(name, time.Since(started))
			logger.Info("✅ 终端 %s 重置进度 %.0f%% 达标", name, percent)
			return true
		}

		if percent == 0 {
			zeroPolls++
			if zeroPolls >= o.cfg.StuckZeroPolls {
				metrics.RecordResetAttempt(name, "stuck")
				logger.Warn("🧊 终端 %s 进度连续 %d 次为零，提前放弃本次尝试", name, zeroPolls)
				return false
			}
		} else {
			zeroPolls = 0
		}
	}
}

// updatePercent 更新进度快照中的终端百分比
func (o *Orchestrator) updatePercent(name string, percent float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.progress.Brokers {
		if o.progress.Brokers[i].Broker == name {
			o.progress.Brokers[i].Percent = percent
			return
		}
	}
}

// setBrokerDone 标记终端重置完成
func (o *Orchestrator) setBrokerDone(idx int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx >= 0 && idx < len(o.progress.Brokers) {
		o.progress.Brokers[idx].Done = true
	}
}

// markSkipped 标记终端为跳过
func (o *Orchestrator) markSkipped(idx int, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx >= 0 && idx < len(o.progress.Brokers) {
		o.progress.Brokers[idx].Skipped = true
	}
	o.progress.Skipped = append(o.progress.Skipped, name)
}
