package orchestrator

import (
	"context"
	"errors"

	"pricemesh/debounce"
	"pricemesh/dedup"
	"pricemesh/logger"
)

// resetAllKey 全局重置的单飞锁键
const resetAllKey = "reset_all"

// resetGroupKey 重置触发事件的防抖组键
const resetGroupKey = "fleet_reset"

// Trigger 编排器入口：单飞去重 + 触发事件防抖合并
// 离散的触发事件（差异告警、操作员请求）先经防抖合并，
// 冲刷后再经单飞锁去重，保证同一时刻至多一次重置运行
type Trigger struct {
	orch      *Orchestrator
	sf        *dedup.Executor
	coalescer *debounce.Coalescer
}

// NewTrigger 创建编排器触发入口
func NewTrigger(orch *Orchestrator, sf *dedup.Executor, coalescer *debounce.Coalescer) *Trigger {
	return &Trigger{orch: orch, sf: sf, coalescer: coalescer}
}

// ResetAll 执行全局重置，经单飞去重
// 并发调用中恰好一个领导者执行，其余等待结果或复用已有结果
func (t *Trigger) ResetAll(ctx context.Context, trigger string) (dedup.Outcome, error) {
	return t.sf.Execute(ctx, resetAllKey, func(ctx context.Context) error {
		_, err := t.orch.Run(ctx, trigger)
		if errors.Is(err, ErrRunActive) {
			// 运行已激活不是错误，调用方可查询进度
			return nil
		}
		return err
	})
}

// Invalidate 清除上一次全局重置的结果标记
// 下一次 ResetAll 会重新执行而不是复用结果，供操作员强制重跑
func (t *Trigger) Invalidate(ctx context.Context) error {
	return t.sf.Invalidate(ctx, resetAllKey)
}

// Notify 接收一个重置触发事件，防抖合并后执行
// 重复的触发载荷被确认但不会延长静默期
func (t *Trigger) Notify(broker, reason string) error {
	payload := debounce.Payload{"broker": broker, "reason": reason}
	return t.coalescer.Receive(resetGroupKey, payload, t.onFlush)
}

// onFlush 防抖组冲刷回调：合并后的触发事件换来一次全局重置
func (t *Trigger) onFlush(groupKey string, payloads []debounce.Payload) {
	logger.Info("🔔 重置触发组 %s 冲刷: %d 个去重事件", groupKey, len(payloads))

	outcome, err := t.ResetAll(context.Background(), "debounced")
	if err != nil {
		logger.Error("❌ 防抖触发的重置失败 (outcome=%s): %v", outcome, err)
		return
	}
	logger.Info("✅ 防抖触发的重置完成 (outcome=%s)", outcome)
}
