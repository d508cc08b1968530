package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pricemesh/logger"
)

// ErrNotReady 后端连接在限定等待时间内未就绪
var ErrNotReady = errors.New("state store not ready")

// Config 状态存储配置，TTL 全部显式注入
type Config struct {
	Addr        string        // Redis 地址
	Password    string        // Redis 密码
	DB          int           // Redis 数据库
	PoolSize    int           // 连接池大小
	KeyPrefix   string        // 所有键的前缀
	ReadyWait   time.Duration // 操作前连接就绪等待上限
	PublishWait time.Duration // 发布前连接就绪等待上限
	SnapshotTTL time.Duration // 快照键过期时间
	BrokerCache time.Duration // 快照读缓存时长
	KeySetCache time.Duration // 键集合缓存时长
}

// Store 终端/报价注册表，唯一直接操作共享存储终端键的组件
type Store struct {
	client *redis.Client
	cfg    Config

	cache *snapshotCache

	// 每个频道至多一个订阅处理器
	subMu sync.Mutex
	subs  map[string]*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// New 创建状态存储
func New(cfg Config) *Store {
	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = 3 * time.Second
	}
	if cfg.PublishWait <= 0 {
		cfg.PublishWait = cfg.ReadyWait
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 5 * time.Minute
	}
	if cfg.BrokerCache <= 0 {
		cfg.BrokerCache = 100 * time.Millisecond
	}
	if cfg.KeySetCache <= 0 {
		cfg.KeySetCache = 500 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	return &Store{
		client: client,
		cfg:    cfg,
		cache:  newSnapshotCache(cfg.BrokerCache, cfg.KeySetCache),
		subs:   make(map[string]*subscription),
	}
}

// waitReady 等待连接就绪，超过上限返回 ErrNotReady
// 有界等待，不无限重试
func (s *Store) waitReady(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := s.client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %v", ErrNotReady, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Publish 发布消息到指定频道
// 连接瞬断时先等待就绪再发布，而不是立即失败
func (s *Store) Publish(ctx context.Context, channel string, message interface{}) error {
	if err := s.waitReady(ctx, s.cfg.PublishWait); err != nil {
		return err
	}
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("发布消息到频道 %s 失败: %w", channel, err)
	}
	return nil
}

// Subscribe 订阅频道，每个频道至多一个处理器
// 重复订阅同一频道会替换旧的处理器
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(channel, payload string)) error {
	if err := s.waitReady(ctx, s.cfg.ReadyWait); err != nil {
		return err
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if old, ok := s.subs[channel]; ok {
		old.cancel()
		old.pubsub.Close()
		delete(s.subs, channel)
	}

	pubsub := s.client.Subscribe(ctx, channel)
	subCtx, cancel := context.WithCancel(context.Background())
	s.subs[channel] = &subscription{pubsub: pubsub, cancel: cancel}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, msg.Payload)
			}
		}
	}()

	logger.Debug("📡 已订阅频道: %s", channel)
	return nil
}

// Unsubscribe 取消订阅频道
func (s *Store) Unsubscribe(channel string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if sub, ok := s.subs[channel]; ok {
		sub.cancel()
		sub.pubsub.Close()
		delete(s.subs, channel)
	}
}

// SetNX 条件写入：键不存在时才写入，带过期时间
// 供单飞锁使用
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.waitReady(ctx, s.cfg.ReadyWait); err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, s.cfg.KeyPrefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// GetValue 读取键值，键不存在时返回 found=false
func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	if err := s.waitReady(ctx, s.cfg.ReadyWait); err != nil {
		return "", false, err
	}
	val, err := s.client.Get(ctx, s.cfg.KeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, true, nil
}

// SetValue 写入键值，带过期时间
func (s *Store) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.waitReady(ctx, s.cfg.ReadyWait); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.cfg.KeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// DeleteKey 删除键
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	if err := s.waitReady(ctx, s.cfg.ReadyWait); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.cfg.KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Close 关闭所有订阅和连接
func (s *Store) Close() error {
	s.subMu.Lock()
	for ch, sub := range s.subs {
		sub.cancel()
		sub.pubsub.Close()
		delete(s.subs, ch)
	}
	s.subMu.Unlock()

	return s.client.Close()
}
