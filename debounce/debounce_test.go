package debounce

import (
	"sync"
	"testing"
	"time"
)

// flushRecorder 记录冲刷回调
type flushRecorder struct {
	mu      sync.Mutex
	flushes [][]Payload
}

func (r *flushRecorder) callback(groupKey string, payloads []Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, payloads)
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *flushRecorder) last() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.flushes) == 0 {
		return nil
	}
	return r.flushes[len(r.flushes)-1]
}

func TestReceiveDeduplicatesPayloads(t *testing.T) {
	c := NewCoalescer(Config{
		Quiet:       50 * time.Millisecond,
		MaxWait:     time.Second,
		MaxPayloads: 20,
	})
	defer c.Stop()

	rec := &flushRecorder{}

	// 两个相同载荷 + 一个不同载荷 = 冲刷两条
	must(t, c.Receive("g", Payload{"a": 1}, rec.callback))
	must(t, c.Receive("g", Payload{"a": 1}, rec.callback))
	must(t, c.Receive("g", Payload{"a": 2}, rec.callback))

	waitFor(t, func() bool { return rec.count() == 1 })

	if got := len(rec.last()); got != 2 {
		t.Errorf("期望冲刷 2 条去重载荷, 得到 %d", got)
	}
}

func TestQuietTimerNotResetByDuplicate(t *testing.T) {
	c := NewCoalescer(Config{
		Quiet:       80 * time.Millisecond,
		MaxWait:     5 * time.Second,
		MaxPayloads: 20,
	})
	defer c.Stop()

	rec := &flushRecorder{}
	must(t, c.Receive("g", Payload{"a": 1}, rec.callback))

	// 重复载荷持续到达，但不应推迟静默期冲刷
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && rec.count() == 0 {
		must(t, c.Receive("g", Payload{"a": 1}, rec.callback))
		time.Sleep(20 * time.Millisecond)
	}

	if rec.count() == 0 {
		t.Fatal("重复载荷不应阻止静默期冲刷")
	}
	if got := len(rec.last()); got != 1 {
		t.Errorf("期望冲刷 1 条载荷, 得到 %d", got)
	}
}

func TestMaxWaitCeiling(t *testing.T) {
	c := NewCoalescer(Config{
		Quiet:       60 * time.Millisecond,
		MaxWait:     200 * time.Millisecond,
		MaxPayloads: 1000,
	})
	defer c.Stop()

	rec := &flushRecorder{}
	start := time.Now()

	// 每次都是新的去重载荷，静默期不断被重置，
	// 但最大等待上限保证组最终会被冲刷
	go func() {
		for i := 0; ; i++ {
			if rec.count() > 0 || time.Since(start) > time.Second {
				return
			}
			c.Receive("g", Payload{"seq": i}, rec.callback)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	waitFor(t, func() bool { return rec.count() >= 1 })

	if elapsed := time.Since(start); elapsed > 600*time.Millisecond {
		t.Errorf("最大等待上限应在约 200ms 冲刷, 实际 %v", elapsed)
	}
}

func TestPayloadCeilingFlushesImmediately(t *testing.T) {
	c := NewCoalescer(Config{
		Quiet:       time.Second,
		MaxWait:     5 * time.Second,
		MaxPayloads: 3,
	})
	defer c.Stop()

	rec := &flushRecorder{}
	for i := 0; i < 3; i++ {
		must(t, c.Receive("g", Payload{"seq": i}, rec.callback))
	}

	// 达到上限应立即冲刷，不必等定时器
	waitFor(t, func() bool { return rec.count() == 1 })
	if got := len(rec.last()); got != 3 {
		t.Errorf("期望冲刷 3 条载荷, 得到 %d", got)
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	c := NewCoalescer(Config{
		Quiet:       50 * time.Millisecond,
		MaxWait:     time.Second,
		MaxPayloads: 20,
	})
	defer c.Stop()

	recA := &flushRecorder{}
	recB := &flushRecorder{}
	must(t, c.Receive("a", Payload{"x": 1}, recA.callback))
	must(t, c.Receive("b", Payload{"x": 1}, recB.callback))

	if c.PendingGroups() != 2 {
		t.Errorf("期望 2 个累积中的组, 得到 %d", c.PendingGroups())
	}

	waitFor(t, func() bool { return recA.count() == 1 && recB.count() == 1 })
}

func TestHashPayloadOrderIndependent(t *testing.T) {
	h1, err := hashPayload(Payload{"broker": "alpha", "reason": "stable"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := hashPayload(Payload{"reason": "stable", "broker": "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("载荷哈希不应依赖字段写入顺序")
	}

	h3, err := hashPayload(Payload{"broker": "beta", "reason": "stable"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h3 {
		t.Error("不同载荷不应有相同哈希")
	}
}

func TestStopWhileFlushSendBlocked(t *testing.T) {
	// 队列容量 1，回调阻塞：三个组同时冲刷时，
	// 第一个占住工作者，第二个填满队列，第三个阻塞在入队上。
	// 此时 Stop 不应使定时器协程 panic，也不应死锁
	gate := make(chan struct{})
	c := NewCoalescer(Config{
		Quiet:       10 * time.Millisecond,
		MaxWait:     5 * time.Second,
		MaxPayloads: 20,
		QueueSize:   1,
	})

	blocking := func(groupKey string, payloads []Payload) {
		<-gate
	}

	must(t, c.Receive("g1", Payload{"a": 1}, blocking))
	must(t, c.Receive("g2", Payload{"a": 1}, blocking))
	must(t, c.Receive("g3", Payload{"a": 1}, blocking))

	// 等三个组的静默期冲刷进入上述阻塞状态
	time.Sleep(150 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	// Stop 需等待工作者退出，先放行被阻塞的回调
	time.Sleep(50 * time.Millisecond)
	close(gate)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop 未返回")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	c := NewCoalescer(Config{
		Quiet:       10 * time.Millisecond,
		MaxWait:     time.Second,
		MaxPayloads: 20,
	})

	rec := &flushRecorder{}
	must(t, c.Receive("g", Payload{"a": 1}, rec.callback))
	waitFor(t, func() bool { return rec.count() == 1 })

	c.Stop()

	// 关闭后拒绝新载荷
	if err := c.Receive("g", Payload{"a": 2}, rec.callback); err == nil {
		t.Error("关闭后 Receive 应报错")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Receive 失败: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}
