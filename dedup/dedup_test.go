package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memLocker 内存假实现，单进程内模拟共享存储的锁原语
type memLocker struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value    string
	expireAt time.Time
}

func newMemLocker() *memLocker {
	return &memLocker{entries: make(map[string]memEntry)}
}

func (m *memLocker) get(key string) (string, bool) {
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		delete(m.entries, key)
		return "", false
	}
	return e.value, true
}

func (m *memLocker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expireAt: time.Now().Add(ttl)}
	return true, nil
}

func (m *memLocker) GetValue(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(key)
	return v, ok, nil
}

func (m *memLocker) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expireAt: time.Now().Add(ttl)}
	return nil
}

func (m *memLocker) DeleteKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func TestExecuteLeaderThenCached(t *testing.T) {
	locker := newMemLocker()
	exec := NewExecutor(locker, Config{
		LockTTL:      time.Second,
		ResultTTL:    4 * time.Second,
		PollInterval: 10 * time.Millisecond,
		MaxWait:      time.Second,
	})

	calls := 0
	action := func(ctx context.Context) error {
		calls++
		return nil
	}

	// 第一次调用作为领导者执行
	outcome, err := exec.Execute(context.Background(), "job", action)
	if err != nil {
		t.Fatalf("领导者执行失败: %v", err)
	}
	if outcome != OutcomeExecuted {
		t.Errorf("期望 executed, 得到 %s", outcome)
	}

	// 第二次调用命中结果标记，不再执行
	outcome, err = exec.Execute(context.Background(), "job", action)
	if err != nil {
		t.Fatalf("缓存命中不应报错: %v", err)
	}
	if outcome != OutcomeCached {
		t.Errorf("期望 cached, 得到 %s", outcome)
	}

	if calls != 1 {
		t.Errorf("动作应恰好执行一次, 实际 %d 次", calls)
	}
}

func TestExecuteConcurrentSingleLeader(t *testing.T) {
	locker := newMemLocker()
	exec := NewExecutor(locker, Config{
		LockTTL:      2 * time.Second,
		ResultTTL:    8 * time.Second,
		PollInterval: 5 * time.Millisecond,
		MaxWait:      2 * time.Second,
	})

	var mu sync.Mutex
	calls := 0
	action := func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	const n = 8
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = exec.Execute(context.Background(), "job", action)
		}(i)
	}
	wg.Wait()

	executed := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("调用 %d 失败: %v", i, errs[i])
		}
		if outcomes[i] == OutcomeExecuted {
			executed++
		}
	}

	if executed != 1 {
		t.Errorf("恰好一个领导者, 实际 %d 个", executed)
	}
	if calls != 1 {
		t.Errorf("动作应恰好执行一次, 实际 %d 次", calls)
	}
}

func TestExecuteLeaderFailure(t *testing.T) {
	locker := newMemLocker()
	exec := NewExecutor(locker, Config{
		LockTTL:      time.Second,
		ResultTTL:    4 * time.Second,
		PollInterval: 10 * time.Millisecond,
		MaxWait:      time.Second,
	})

	boom := fmt.Errorf("终端网关不可达")
	outcome, err := exec.Execute(context.Background(), "job", func(ctx context.Context) error {
		return boom
	})
	if outcome != OutcomeExecuted {
		t.Errorf("领导者失败仍应报告 executed, 得到 %s", outcome)
	}
	if !errors.Is(err, ErrLeaderFailed) {
		t.Errorf("期望 ErrLeaderFailed, 得到 %v", err)
	}

	// 错误结果标记对后续调用可见
	outcome, err = exec.Execute(context.Background(), "job", func(ctx context.Context) error {
		t.Error("错误标记有效期内不应重新执行")
		return nil
	})
	if outcome != OutcomeCached {
		t.Errorf("期望 cached, 得到 %s", outcome)
	}
	if !errors.Is(err, ErrLeaderFailed) {
		t.Errorf("缓存的错误应保持 ErrLeaderFailed, 得到 %v", err)
	}

	// 失败时提前释放锁，Invalidate 清除结果标记后可立即重试
	if err := exec.Invalidate(context.Background(), "job"); err != nil {
		t.Fatalf("清除结果标记失败: %v", err)
	}
	outcome, err = exec.Execute(context.Background(), "job", func(ctx context.Context) error {
		return nil
	})
	if err != nil || outcome != OutcomeExecuted {
		t.Errorf("清除标记后应重新执行: outcome=%s err=%v", outcome, err)
	}
}

func TestFollowerWaitTimeout(t *testing.T) {
	locker := newMemLocker()
	exec := NewExecutor(locker, Config{
		LockTTL:      5 * time.Second,
		ResultTTL:    20 * time.Second,
		PollInterval: 10 * time.Millisecond,
		MaxWait:      100 * time.Millisecond,
	})

	// 预占锁但永不写结果标记，模拟领导者挂死
	if _, err := locker.SetNX(context.Background(), lockKeyPrefix+"job", "1", 5*time.Second); err != nil {
		t.Fatal(err)
	}

	outcome, err := exec.Execute(context.Background(), "job", func(ctx context.Context) error {
		t.Error("跟随者不应执行动作")
		return nil
	})
	if outcome != OutcomeSkipped {
		t.Errorf("期望 skipped, 得到 %s", outcome)
	}
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("期望 ErrWaitTimeout, 得到 %v", err)
	}
}
