package analysis

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"pricemesh/database"
	"pricemesh/event"
	"pricemesh/logger"
	"pricemesh/metrics"
	"pricemesh/store"
)

// SnapshotSource 分析引擎消费的快照来源
type SnapshotSource interface {
	GetAllUniqueSymbols(ctx context.Context) ([]string, error)
	GetMultipleSymbolDetails(ctx context.Context, symbols []string) (map[string][]store.SymbolQuote, error)
}

// Config 分析引擎配置
type Config struct {
	ScanInterval    time.Duration // 扫描周期
	RefreshInterval time.Duration // 管理配置刷新周期
	DefaultStrategy string        // 管理配置缺失时的策略
	StreakResetSec  int           // 管理配置未设置时的连击重置间隔（秒）
}

// Detection 一次被接受前的延迟检测结果
type Detection struct {
	Broker          string
	Symbol          string
	RawSymbol       string
	Direction       string // BUY, SELL
	ReferenceBroker string
	Distance        int // 价格步数
	SyncSpread      float64
	DelayType       string // delay, delay_stop
	At              time.Time
}

// Engine 延迟检测分析引擎
// 周期性扫描全部符号，对每个符号比较各终端报价与参考报价，
// 把差异记录写入持久化分析存储
type Engine struct {
	source SnapshotSource
	db     database.Database
	events *event.EventBus
	cfg    Config

	adminMu  sync.RWMutex
	admin    *database.AdminConfig
	strategy Strategy

	// 同一周期任务不允许重叠运行，上一轮未结束则跳过本轮
	scanning atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 稳定差异回调，自动重置入口
	onStable func(broker, symbol string)

	// 时钟可注入，测试用
	now func() time.Time
}

// NewEngine 创建分析引擎
func NewEngine(source SnapshotSource, db database.Database, events *event.EventBus, cfg Config) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 500 * time.Millisecond
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyMedianConsensus
	}
	if cfg.StreakResetSec <= 0 {
		cfg.StreakResetSec = 60
	}

	return &Engine{
		source: source,
		db:     db,
		events: events,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetStableHandler 设置稳定差异回调
// 某终端的差异连击达到稳定阈值且管理配置允许自动重置时调用
func (e *Engine) SetStableHandler(fn func(broker, symbol string)) {
	e.onStable = fn
}

// Start 启动扫描循环和配置刷新循环
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	// 启动前先加载一次管理配置
	if err := e.refreshAdminConfig(runCtx); err != nil {
		cancel()
		return fmt.Errorf("加载管理配置失败: %w", err)
	}

	e.wg.Add(2)
	go e.scanLoop(runCtx)
	go e.refreshLoop(runCtx)

	logger.Info("🚀 分析引擎已启动 (扫描周期: %v, 策略: %s)", e.cfg.ScanInterval, e.currentStrategy().Name())
	return nil
}

// Stop 停止分析引擎
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	logger.Info("🛑 分析引擎已停止")
}

// scanLoop 扫描循环
func (e *Engine) scanLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.scanning.CompareAndSwap(false, true) {
				logger.Debug("⏭️ 上一轮扫描未完成，跳过本轮")
				continue
			}
			e.scan(ctx)
			e.scanning.Store(false)
		}
	}
}

// refreshLoop 管理配置刷新循环
func (e *Engine) refreshLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.refreshAdminConfig(ctx); err != nil {
				logger.Warn("⚠️ 刷新管理配置失败: %v", err)
			}
		}
	}
}

// refreshAdminConfig 重新加载管理配置并更新策略
func (e *Engine) refreshAdminConfig(ctx context.Context) error {
	admin, err := e.db.GetAdminConfig(ctx)
	if err != nil {
		return err
	}

	name := admin.Strategy
	if name == "" {
		name = e.cfg.DefaultStrategy
	}
	if admin.StreakResetSec <= 0 {
		admin.StreakResetSec = e.cfg.StreakResetSec
	}

	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	if e.strategy == nil || e.strategy.Name() != name {
		strategy, err := NewStrategy(name)
		if err != nil {
			return err
		}
		if e.strategy != nil {
			logger.Info("🔄 分析策略切换: %s -> %s", e.strategy.Name(), name)
		}
		e.strategy = strategy
	}
	e.admin = admin
	return nil
}

// currentStrategy 返回当前策略
func (e *Engine) currentStrategy() Strategy {
	e.adminMu.RLock()
	defer e.adminMu.RUnlock()
	return e.strategy
}

// currentAdmin 返回当前管理配置
func (e *Engine) currentAdmin() *database.AdminConfig {
	e.adminMu.RLock()
	defer e.adminMu.RUnlock()
	return e.admin
}

// scan 一轮全量扫描
// 单个符号的失败只记录日志，不中断其他符号
func (e *Engine) scan(ctx context.Context) {
	started := e.now()

	admin := e.currentAdmin()
	if admin == nil {
		return
	}

	if inBlackout(started, admin.BlackoutRanges) {
		logger.Debug("🌙 当前处于检测静默时段，跳过扫描")
		return
	}

	symbols, err := e.source.GetAllUniqueSymbols(ctx)
	if err != nil {
		logger.Error("❌ 枚举符号失败: %v", err)
		return
	}
	if len(symbols) == 0 {
		return
	}

	// 单次全量扫描取回全部符号的报价
	details, err := e.source.GetMultipleSymbolDetails(ctx, symbols)
	if err != nil {
		logger.Error("❌ 批量读取符号报价失败: %v", err)
		return
	}

	detections := 0
	for _, symbol := range symbols {
		n, err := e.analyzeSymbol(ctx, symbol, details[symbol])
		if err != nil {
			logger.Error("❌ 分析符号 %s 失败: %v", symbol, err)
			continue
		}
		detections += n
	}

	metrics.ObserveScan(time.Since(started), len(symbols), detections)
	if detections > 0 {
		logger.Info("🔍 扫描完成: %d 个符号, %d 条差异检测 (%v)", len(symbols), detections, time.Since(started))
	}
}

// analyzeSymbol 分析单个符号，返回接受的检测数量
func (e *Engine) analyzeSymbol(ctx context.Context, symbol string, quotes []store.SymbolQuote) (int, error) {
	// 不足两个终端报价无法比较
	if len(quotes) < 2 {
		return 0, nil
	}

	admin := e.currentAdmin()
	strategy := e.currentStrategy()

	comparisons := strategy.SelectComparisons(quotes, admin)
	if len(comparisons) == 0 {
		return 0, nil
	}

	now := e.now()
	count := 0
	for _, cmp := range comparisons {
		det := e.compare(cmp.Reference, cmp.Candidate, admin, now)
		if det == nil {
			continue
		}
		if err := e.applyDetection(ctx, det, admin); err != nil {
			return count, fmt.Errorf("写入差异记录失败 broker=%s: %w", det.Broker, err)
		}
		count++
	}
	return count, nil
}

// compare 比较候选报价与参考报价，返回检测结果（无差异时返回 nil）
//
// BUY：候选卖价加点偏移后仍低于参考买价，说明候选终端的买入价
// 比市场已到达的位置更便宜；SELL 为对称的反方向判断，
// 额外要求超过参考买价加同步点差
func (e *Engine) compare(ref, cand store.SymbolQuote, admin *database.AdminConfig, now time.Time) *Detection {
	digits := ref.Tick.Digits
	point := pointSize(digits)
	session := SessionForHour(now.UTC().Hour())
	spread := syncSpread(admin, cand.AccountType, session, digits)
	offset := admin.OffsetPoints * point

	delayType := "delay"
	if cand.Tick.DelayMs < 0 {
		// 负延迟意味着时钟偏移/回溯报价
		delayType = "delay_stop"
	}

	adjustedAsk := cand.Tick.Ask + offset
	if adjustedAsk < ref.Tick.Bid {
		return &Detection{
			Broker:          cand.Broker,
			Symbol:          ref.Tick.Symbol,
			RawSymbol:       cand.Tick.RawSymbol,
			Direction:       "BUY",
			ReferenceBroker: ref.Broker,
			Distance:        int(math.Round((ref.Tick.Bid - adjustedAsk) / point)),
			SyncSpread:      spread,
			DelayType:       delayType,
			At:              now,
		}
	}

	adjustedBid := cand.Tick.Bid - offset
	if adjustedBid > ref.Tick.Bid+spread {
		return &Detection{
			Broker:          cand.Broker,
			Symbol:          ref.Tick.Symbol,
			RawSymbol:       cand.Tick.RawSymbol,
			Direction:       "SELL",
			ReferenceBroker: ref.Broker,
			Distance:        int(math.Round((adjustedBid - ref.Tick.Bid - spread) / point)),
			SyncSpread:      spread,
			DelayType:       delayType,
			At:              now,
		}
	}

	return nil
}

// applyDetection 按连击不变量更新差异记录
//
// 时间戳未严格推进的检测视为重复，直接丢弃不改动记录；
// 距上次检测的间隔超过重置阈值时连击归零并重新标记起点，
// 否则连击恰好加一且起点保持不变
func (e *Engine) applyDetection(ctx context.Context, det *Detection, admin *database.AdminConfig) error {
	rec, err := e.db.FindDiscrepancy(ctx, det.Broker, det.Symbol)
	if err != nil {
		return err
	}

	if rec == nil {
		rec = &database.DiscrepancyRecord{
			Broker:        det.Broker,
			Symbol:        det.Symbol,
			Streak:        0,
			StreakStartAt: det.At,
			CreatedAt:     det.At,
		}
	} else {
		if !det.At.After(rec.LastSeenAt) {
			logger.Debug("🔁 丢弃重复/乱序检测 broker=%s symbol=%s", det.Broker, det.Symbol)
			return nil
		}

		resetGap := time.Duration(admin.StreakResetSec) * time.Second
		if resetGap > 0 && det.At.Sub(rec.LastSeenAt) > resetGap {
			rec.Streak = 0
			rec.StreakStartAt = det.At
		} else {
			rec.Streak++
		}
	}

	rec.RawSymbol = det.RawSymbol
	rec.Direction = det.Direction
	rec.ReferenceBroker = det.ReferenceBroker
	rec.Distance = det.Distance
	rec.SyncSpread = det.SyncSpread
	rec.DelayType = det.DelayType
	rec.LastSeenAt = det.At
	rec.Stable = admin.StableStreak > 0 && rec.Streak >= admin.StableStreak
	rec.UpdatedAt = det.At

	if err := e.db.UpsertDiscrepancy(ctx, rec); err != nil {
		return err
	}

	metrics.RecordDetection(det.Broker, det.Symbol, det.Direction, det.DelayType)
	if rec.Stable && admin.AutoResetEnabled && e.onStable != nil {
		e.onStable(det.Broker, det.Symbol)
	}
	if e.events != nil {
		e.events.Emit(event.EventTypeDiscrepancyDetected, map[string]interface{}{
			"broker":    det.Broker,
			"symbol":    det.Symbol,
			"direction": det.Direction,
			"distance":  det.Distance,
			"streak":    rec.Streak,
			"stable":    rec.Stable,
		})
	}
	return nil
}
