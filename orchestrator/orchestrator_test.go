package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pricemesh/database"
	"pricemesh/store"
)

// mockSource 模拟终端元数据来源
type mockSource struct {
	mu      sync.Mutex
	brokers []*store.BrokerSnapshot
	// 按终端名返回的轮询状态序列，取尽后重复最后一个
	statuses map[string][]string
	polls    map[string]int
	// 记录编排器写入的状态
	statusWrites map[string][]string
	// 阻塞 GetAllBrokers 直到该通道关闭（nil 表示不阻塞）
	gate chan struct{}
}

func (m *mockSource) GetAllBrokers(ctx context.Context) ([]*store.BrokerSnapshot, error) {
	if m.gate != nil {
		<-m.gate
	}
	return m.brokers, nil
}

func (m *mockSource) GetBroker(ctx context.Context, name string) (*store.BrokerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.brokers {
		if b.Meta.Name != name {
			continue
		}
		seq := m.statuses[name]
		if len(seq) == 0 {
			return b, nil
		}
		i := m.polls[name]
		if i >= len(seq) {
			i = len(seq) - 1
		}
		m.polls[name]++

		cp := *b
		cp.Meta.Status = seq[i]
		return &cp, nil
	}
	return nil, nil
}

func (m *mockSource) UpdateBrokerStatus(ctx context.Context, name, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusWrites == nil {
		m.statusWrites = make(map[string][]string)
	}
	m.statusWrites[name] = append(m.statusWrites[name], status)
	return nil
}

func (m *mockSource) writtenStatuses(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statusWrites[name]...)
}

// mockAdminDB 返回可配置管理配置的分析存储
type mockAdminDB struct {
	mu     sync.Mutex
	admin  *database.AdminConfig
	audits []*database.ResetAudit
}

func (m *mockAdminDB) FindDiscrepancy(ctx context.Context, broker, symbol string) (*database.DiscrepancyRecord, error) {
	return nil, nil
}
func (m *mockAdminDB) UpsertDiscrepancy(ctx context.Context, rec *database.DiscrepancyRecord) error {
	return nil
}
func (m *mockAdminDB) GetDiscrepancies(ctx context.Context, filter *database.DiscrepancyFilter) ([]*database.DiscrepancyRecord, error) {
	return nil, nil
}

func (m *mockAdminDB) GetAdminConfig(ctx context.Context) (*database.AdminConfig, error) {
	return m.admin, nil
}

func (m *mockAdminDB) SaveAdminConfig(ctx context.Context, cfg *database.AdminConfig) error {
	m.admin = cfg
	return nil
}

func (m *mockAdminDB) SaveResetAudit(ctx context.Context, audit *database.ResetAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, audit)
	return nil
}

func (m *mockAdminDB) GetResetAudits(ctx context.Context, limit int) ([]*database.ResetAudit, error) {
	return nil, nil
}
func (m *mockAdminDB) Ping(ctx context.Context) error { return nil }
func (m *mockAdminDB) Close() error                   { return nil }

// mockPublisher 记录发布的重置指令
type mockPublisher struct {
	mu       sync.Mutex
	channels []string
	commands []ResetCommand
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, message interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cmd ResetCommand
	if s, ok := message.(string); ok {
		json.Unmarshal([]byte(s), &cmd)
	}
	m.channels = append(m.channels, channel)
	m.commands = append(m.commands, cmd)
	return nil
}

func (m *mockPublisher) published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.channels...)
}

func broker(name string, index, port, symbolCount int) *store.BrokerSnapshot {
	return &store.BrokerSnapshot{
		Meta: store.BrokerMetadata{
			Name:        name,
			Index:       index,
			Port:        port,
			SymbolCount: symbolCount,
			Status:      store.StatusConnected,
		},
	}
}

func fastConfig() Config {
	return Config{
		ProtectedIndex:    0,
		MaxRetries:        2,
		PollInterval:      10 * time.Millisecond,
		MaxWait:           300 * time.Millisecond,
		SuccessPercent:    30,
		TrivialSymbols:    5,
		StuckZeroPolls:    3,
		Cooldown:          time.Millisecond,
		CommandsPerSecond: 1000,
	}
}

func TestRunSkipsProtectedBroker(t *testing.T) {
	// 5 个终端，全部符号数低于下限（发布后即视为完成）
	src := &mockSource{
		brokers: []*store.BrokerSnapshot{
			broker("primary", 0, 9000, 3),
			broker("b1", 1, 9001, 3),
			broker("b2", 2, 9002, 3),
			broker("b3", 3, 9003, 3),
			broker("b4", 4, 9004, 3),
		},
	}
	pub := &mockPublisher{}
	o := New(src, pub, nil, nil, fastConfig())

	progress, err := o.Run(context.Background(), "manual")
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}

	// 受保护的主终端永不收到重置指令
	for _, ch := range pub.published() {
		if ch == "reset:9000" {
			t.Error("受保护终端不应收到重置指令")
		}
	}
	if got := len(pub.published()); got != 4 {
		t.Errorf("期望发布 4 条重置指令, 得到 %d", got)
	}

	if progress.Total != 5 {
		t.Errorf("进度总数: 期望 5, 得到 %d", progress.Total)
	}
	if !progress.Brokers[0].Protected {
		t.Error("序号 0 应标记为受保护")
	}
	if len(progress.Skipped) != 0 {
		t.Errorf("不应有跳过的终端: %v", progress.Skipped)
	}
}

func TestRunPublishesToPortChannel(t *testing.T) {
	src := &mockSource{
		brokers: []*store.BrokerSnapshot{broker("b1", 1, 9731, 3)},
	}
	pub := &mockPublisher{}
	o := New(src, pub, nil, nil, fastConfig())

	if _, err := o.Run(context.Background(), "manual"); err != nil {
		t.Fatal(err)
	}

	chans := pub.published()
	if len(chans) != 1 || chans[0] != "reset:9731" {
		t.Errorf("指令应发布到终端端口频道, 得到 %v", chans)
	}
	pub.mu.Lock()
	cmd := pub.commands[0]
	pub.mu.Unlock()
	if cmd.Command != "reset" || cmd.Broker != "b1" || cmd.Symbol != "ALL" {
		t.Errorf("指令内容不正确: %+v", cmd)
	}
}

func TestWaitForCompletionProgressThreshold(t *testing.T) {
	// 大终端：进度爬升到 45/100 = 45% ≥ 30% 即成功
	src := &mockSource{
		brokers:  []*store.BrokerSnapshot{broker("big", 1, 9001, 100)},
		statuses: map[string][]string{"big": {"10/100", "25/100", "45/100"}},
		polls:    make(map[string]int),
	}
	pub := &mockPublisher{}
	o := New(src, pub, nil, nil, fastConfig())

	progress, err := o.Run(context.Background(), "manual")
	if err != nil {
		t.Fatal(err)
	}
	if !progress.Brokers[0].Done {
		t.Error("进度达标的终端应标记为完成")
	}
	if len(progress.Skipped) != 0 {
		t.Errorf("不应有跳过的终端: %v", progress.Skipped)
	}
}

func TestWaitForCompletionStuckAtZero(t *testing.T) {
	// 进度始终为零：连续 3 次零进度后放弃，重试 2 次耗尽后跳过
	src := &mockSource{
		brokers:  []*store.BrokerSnapshot{broker("frozen", 1, 9001, 100)},
		statuses: map[string][]string{"frozen": {"0/100"}},
		polls:    make(map[string]int),
	}
	pub := &mockPublisher{}
	o := New(src, pub, nil, nil, fastConfig())

	progress, err := o.Run(context.Background(), "manual")
	if err != nil {
		t.Fatal(err)
	}
	if len(progress.Skipped) != 1 || progress.Skipped[0] != "frozen" {
		t.Errorf("卡死的终端应被跳过: %v", progress.Skipped)
	}
	if !progress.Brokers[0].Skipped {
		t.Error("进度快照应标记终端为跳过")
	}
	// 每次尝试都发布一条指令
	if got := len(pub.published()); got != 2 {
		t.Errorf("期望 2 次发布（重试 2 次）, 得到 %d", got)
	}
}

func TestRunUsesAdminSuccessPercent(t *testing.T) {
	// 管理配置把完成阈值降到 20%：进度 25% 即达标，
	// 尽管静态配置的阈值是 30%
	src := &mockSource{
		brokers:  []*store.BrokerSnapshot{broker("big", 1, 9001, 100)},
		statuses: map[string][]string{"big": {"25/100"}},
		polls:    make(map[string]int),
	}
	admin := database.DefaultAdminConfig()
	admin.ResetSuccessPercent = 20
	db := &mockAdminDB{admin: admin}
	pub := &mockPublisher{}
	o := New(src, pub, db, nil, fastConfig())

	progress, err := o.Run(context.Background(), "manual")
	if err != nil {
		t.Fatal(err)
	}
	if !progress.Brokers[0].Done {
		t.Error("达到管理配置阈值的终端应标记为完成")
	}
	if len(db.audits) != 1 {
		t.Errorf("应保存 1 条审计记录, 得到 %d", len(db.audits))
	}
}

func TestRunMarksBrokerResetting(t *testing.T) {
	src := &mockSource{
		brokers: []*store.BrokerSnapshot{
			broker("primary", 0, 9000, 3),
			broker("b1", 1, 9001, 3),
		},
	}
	pub := &mockPublisher{}
	o := New(src, pub, nil, nil, fastConfig())

	if _, err := o.Run(context.Background(), "manual"); err != nil {
		t.Fatal(err)
	}

	// 重置开始前终端状态被改写为零进度，脱离已连接状态
	writes := src.writtenStatuses("b1")
	if len(writes) == 0 || writes[0] != "0/3" {
		t.Errorf("终端应被标记为零进度, 得到 %v", writes)
	}

	// 受保护终端的状态永不被触碰
	if got := src.writtenStatuses("primary"); len(got) != 0 {
		t.Errorf("受保护终端不应有状态写入: %v", got)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	gate := make(chan struct{})
	src := &mockSource{
		brokers: []*store.BrokerSnapshot{broker("b1", 1, 9001, 3)},
		gate:    gate,
	}
	pub := &mockPublisher{}
	o := New(src, pub, nil, nil, fastConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(context.Background(), "first")
	}()

	// 等第一次运行进入激活状态
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if o.Progress().Active {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !o.Progress().Active {
		t.Fatal("第一次运行未进入激活状态")
	}

	snap, err := o.Run(context.Background(), "second")
	if !errors.Is(err, ErrRunActive) {
		t.Errorf("期望 ErrRunActive, 得到 %v", err)
	}
	if snap.Trigger != "first" {
		t.Errorf("拒绝时应返回当前运行的快照, trigger=%s", snap.Trigger)
	}

	close(gate)
	<-done

	if o.Progress().Active {
		t.Error("运行结束后应解除激活状态")
	}
}

func TestRunEmptyFleet(t *testing.T) {
	src := &mockSource{}
	pub := &mockPublisher{}
	o := New(src, pub, nil, nil, fastConfig())

	progress, err := o.Run(context.Background(), "manual")
	if err != nil {
		t.Fatal(err)
	}
	if progress.Total != 0 || len(pub.published()) != 0 {
		t.Error("空集群不应发布任何指令")
	}
}
