package debounce

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"pricemesh/logger"
)

// Payload 触发事件载荷，按字段内容去重
type Payload map[string]interface{}

// Callback 一组去重后的载荷被冲刷时的回调
type Callback func(groupKey string, payloads []Payload)

// Config 防抖合并配置
type Config struct {
	Quiet       time.Duration // 静默期，每个新的去重载荷都会重置
	MaxWait     time.Duration // 最大等待，从组的第一个载荷开始计时，只启动一次
	MaxPayloads int           // 去重载荷数量上限，达到后立即冲刷
	QueueSize   int           // 执行队列容量
}

// Coalescer 触发事件防抖合并器
// 把短时间内的大量近似重复触发合并为一次延迟执行
// 所有组共用一个串行执行队列（单工作者），需要并行的调用方
// 应创建多个独立实例
type Coalescer struct {
	cfg Config

	mu     sync.Mutex
	groups map[string]*group
	closed bool

	queue chan *flushItem
	done  chan struct{}
	wg    sync.WaitGroup
}

// group 一个累积中的触发事件组
type group struct {
	key        string
	payloads   []Payload
	hashes     map[uint64]bool
	firstSeen  time.Time
	quietTimer *time.Timer
	maxTimer   *time.Timer
	callback   Callback
}

type flushItem struct {
	key      string
	payloads []Payload
	callback Callback
}

// NewCoalescer 创建防抖合并器并启动执行队列
func NewCoalescer(cfg Config) *Coalescer {
	if cfg.Quiet <= 0 {
		cfg.Quiet = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	if cfg.MaxPayloads <= 0 {
		cfg.MaxPayloads = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	c := &Coalescer{
		cfg:    cfg,
		groups: make(map[string]*group),
		queue:  make(chan *flushItem, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.worker()

	return c
}

// worker 串行执行队列：一个组的回调完成后才开始下一个组
// 关闭时先排空已入队的冲刷再退出
func (c *Coalescer) worker() {
	defer c.wg.Done()

	for {
		select {
		case item := <-c.queue:
			c.runFlush(item)
		case <-c.done:
			for {
				select {
				case item := <-c.queue:
					c.runFlush(item)
				default:
					return
				}
			}
		}
	}
}

// runFlush 执行一个组的回调，panic 只记录日志
func (c *Coalescer) runFlush(item *flushItem) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("❌ 防抖回调 panic group=%s: %v", item.key, r)
		}
	}()
	item.callback(item.key, item.payloads)
}

// Receive 接收一个触发事件
// 载荷按稳定哈希去重：重复载荷被确认但不累积、不重置静默期
// 三个独立条件触发冲刷：静默期到期、最大等待到期、去重载荷数达到上限
func (c *Coalescer) Receive(groupKey string, payload Payload, cb Callback) error {
	h, err := hashPayload(payload)
	if err != nil {
		return fmt.Errorf("计算载荷哈希失败: %w", err)
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("合并器已关闭")
	}

	g, ok := c.groups[groupKey]
	if !ok {
		g = &group{
			key:       groupKey,
			hashes:    make(map[uint64]bool),
			firstSeen: time.Now(),
			callback:  cb,
		}
		c.groups[groupKey] = g
		// 最大等待定时器只在组的第一个载荷时启动，之后不再重置
		g.maxTimer = time.AfterFunc(c.cfg.MaxWait, func() {
			c.flush(groupKey, "max_wait")
		})
	}

	if g.hashes[h] {
		// 重复载荷：确认但忽略，静默期不重置
		c.mu.Unlock()
		logger.Debug("🔁 组 %s 收到重复载荷，已忽略", groupKey)
		return nil
	}

	g.hashes[h] = true
	g.payloads = append(g.payloads, payload)

	// 静默期定时器只在新的去重载荷上重置
	if g.quietTimer != nil {
		g.quietTimer.Stop()
	}
	g.quietTimer = time.AfterFunc(c.cfg.Quiet, func() {
		c.flush(groupKey, "quiet")
	})

	if len(g.payloads) >= c.cfg.MaxPayloads {
		c.mu.Unlock()
		c.flush(groupKey, "ceiling")
		return nil
	}

	c.mu.Unlock()
	return nil
}

// flush 冲刷一个组到串行执行队列
// 组状态在回调运行前原子摘除，新一代可以立即开始累积；
// 两个定时器竞争冲刷时，后到者会发现组已不存在。
// 队列永远不被关闭，阻塞中的发送由 done 通道解除，定时器协程不会 panic
func (c *Coalescer) flush(groupKey, reason string) {
	c.mu.Lock()

	g, ok := c.groups[groupKey]
	if !ok {
		c.mu.Unlock()
		return
	}

	if g.quietTimer != nil {
		g.quietTimer.Stop()
	}
	if g.maxTimer != nil {
		g.maxTimer.Stop()
	}
	delete(c.groups, groupKey)

	item := &flushItem{key: g.key, payloads: g.payloads, callback: g.callback}
	c.mu.Unlock()

	logger.Debug("🚿 冲刷组 %s（原因: %s，载荷数: %d）", groupKey, reason, len(item.payloads))

	select {
	case c.queue <- item:
	case <-c.done:
		// 关闭中，丢弃本组
	}
}

// PendingGroups 返回当前累积中的组数量
func (c *Coalescer) PendingGroups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// Stop 关闭合并器：丢弃累积中的组，排空已入队的冲刷后返回
func (c *Coalescer) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for key, g := range c.groups {
		if g.quietTimer != nil {
			g.quietTimer.Stop()
		}
		if g.maxTimer != nil {
			g.maxTimer.Stop()
		}
		delete(c.groups, key)
	}
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}

// hashPayload 计算载荷的稳定哈希
// encoding/json 对 map 键排序，序列化结果与字段写入顺序无关
func hashPayload(p Payload) (uint64, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}
