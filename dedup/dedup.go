package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricemesh/logger"
)

// Locker 单飞锁依赖的最小存储原语
// store.Store 实现此接口，测试时用内存假实现
type Locker interface {
	// SetNX 键不存在时原子写入，带过期时间
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// GetValue 读取键值，键不存在时 found=false
	GetValue(ctx context.Context, key string) (string, bool, error)
	// SetValue 写入键值，带过期时间
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
	// DeleteKey 删除键
	DeleteKey(ctx context.Context, key string) error
}

// Outcome 执行结果分类
type Outcome int

const (
	// OutcomeExecuted 本调用作为领导者执行了动作
	OutcomeExecuted Outcome = iota
	// OutcomeCached 已有结果标记，直接复用
	OutcomeCached
	// OutcomeSkipped 跟随者等到了领导者的结果，未执行动作
	OutcomeSkipped
)

// String 返回结果分类的字符串表示
func (o Outcome) String() string {
	switch o {
	case OutcomeExecuted:
		return "executed"
	case OutcomeCached:
		return "cached"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

var (
	// ErrWaitTimeout 跟随者在限定时间内未等到结果标记
	ErrWaitTimeout = errors.New("dedup: wait for leader result timed out")
	// ErrLeaderFailed 领导者执行动作失败
	ErrLeaderFailed = errors.New("dedup: leader action failed")
)

const (
	lockKeyPrefix   = "singleflight:lock:"
	resultKeyPrefix = "singleflight:result:"

	resultOK        = "ok"
	resultErrPrefix = "err:"
)

// Config 单飞执行器配置
type Config struct {
	LockTTL      time.Duration // 锁过期时间
	ResultTTL    time.Duration // 结果标记过期时间，必须大于锁过期时间
	PollInterval time.Duration // 跟随者轮询间隔
	MaxWait      time.Duration // 跟随者等待上限
}

// Executor 按键去重的单飞执行器
// 每个锁生命周期内恰好一个领导者执行动作，跟随者只等待结果
type Executor struct {
	locker Locker
	cfg    Config
}

// NewExecutor 创建单飞执行器
func NewExecutor(locker Locker, cfg Config) *Executor {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.ResultTTL <= cfg.LockTTL {
		cfg.ResultTTL = cfg.LockTTL * 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 60 * time.Second
	}
	return &Executor{locker: locker, cfg: cfg}
}

// Execute 按键单飞执行动作
// 已有结果标记时立即返回 OutcomeCached；抢到锁的领导者执行动作并写入
// 结果标记；抢锁失败的跟随者轮询结果标记直到出现或超时
func (e *Executor) Execute(ctx context.Context, key string, action func(ctx context.Context) error) (Outcome, error) {
	// 先查结果标记，结果仍然有效时避免重复执行
	if outcome, done, err := e.checkResult(ctx, key, OutcomeCached); done {
		return outcome, err
	}

	acquired, err := e.locker.SetNX(ctx, lockKeyPrefix+key, "1", e.cfg.LockTTL)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("获取单飞锁失败: %w", err)
	}

	if acquired {
		return e.runAsLeader(ctx, key, action)
	}
	return e.waitAsFollower(ctx, key)
}

// runAsLeader 领导者路径：执行动作并写入结果标记
func (e *Executor) runAsLeader(ctx context.Context, key string, action func(ctx context.Context) error) (Outcome, error) {
	logger.Debug("🔒 单飞锁 %s 已获取，开始执行", key)

	actionErr := action(ctx)

	if actionErr != nil {
		marker := resultErrPrefix + actionErr.Error()
		if err := e.locker.SetValue(ctx, resultKeyPrefix+key, marker, e.cfg.ResultTTL); err != nil {
			logger.Warn("⚠️ 写入错误结果标记失败 key=%s: %v", key, err)
		}
		// 提前释放锁，让后续调用不必等锁自然过期就能重试
		if err := e.locker.DeleteKey(ctx, lockKeyPrefix+key); err != nil {
			logger.Warn("⚠️ 提前释放单飞锁失败 key=%s: %v", key, err)
		}
		return OutcomeExecuted, fmt.Errorf("%w: %v", ErrLeaderFailed, actionErr)
	}

	if err := e.locker.SetValue(ctx, resultKeyPrefix+key, resultOK, e.cfg.ResultTTL); err != nil {
		logger.Warn("⚠️ 写入成功结果标记失败 key=%s: %v", key, err)
	}
	return OutcomeExecuted, nil
}

// waitAsFollower 跟随者路径：轮询结果标记直到出现或超时
// 超时是与错误结果不同的、可恢复的失败
func (e *Executor) waitAsFollower(ctx context.Context, key string) (Outcome, error) {
	logger.Debug("⏳ 单飞锁 %s 已被占用，等待结果", key)

	deadline := time.Now().Add(e.cfg.MaxWait)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if outcome, done, err := e.checkResult(ctx, key, OutcomeSkipped); done {
			return outcome, err
		}

		if time.Now().After(deadline) {
			return OutcomeSkipped, fmt.Errorf("%w: key=%s wait=%v", ErrWaitTimeout, key, e.cfg.MaxWait)
		}

		select {
		case <-ctx.Done():
			return OutcomeSkipped, fmt.Errorf("%w: %v", ErrWaitTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// checkResult 查询结果标记
// done=false 表示标记尚不存在
func (e *Executor) checkResult(ctx context.Context, key string, outcome Outcome) (Outcome, bool, error) {
	val, found, err := e.locker.GetValue(ctx, resultKeyPrefix+key)
	if err != nil {
		return outcome, true, fmt.Errorf("读取结果标记失败: %w", err)
	}
	if !found {
		return outcome, false, nil
	}
	if val == resultOK {
		return outcome, true, nil
	}
	msg := strings.TrimPrefix(val, resultErrPrefix)
	return outcome, true, fmt.Errorf("%w: %s", ErrLeaderFailed, msg)
}

// Invalidate 删除键的结果标记，下一次调用会重新执行
func (e *Executor) Invalidate(ctx context.Context, key string) error {
	return e.locker.DeleteKey(ctx, resultKeyPrefix+key)
}
