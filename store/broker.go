package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"pricemesh/logger"
	"pricemesh/metrics"
)

const (
	metaKeyPrefix  = "broker:meta:"
	ticksKeyPrefix = "broker:ticks:"
	hashKeyPrefix  = "broker:hash:"
	registryKey    = "brokers"
)

func (s *Store) metaKey(name string) string  { return s.cfg.KeyPrefix + metaKeyPrefix + name }
func (s *Store) ticksKey(name string) string { return s.cfg.KeyPrefix + ticksKeyPrefix + name }
func (s *Store) hashKey(name string) string  { return s.cfg.KeyPrefix + hashKeyPrefix + name }
func (s *Store) registry() string            { return s.cfg.KeyPrefix + registryKey }

// SaveBrokerSnapshot 幂等写入终端元数据和报价列表
// 内容哈希未变化时跳过写入（成本优化，不影响正确性）
// 元数据和报价列表在同一原子批次中写入，快照键带固定过期时间，
// 崩溃/废弃终端的过期报价最终自动消失
func (s *Store) SaveBrokerSnapshot(ctx context.Context, snap *BrokerSnapshot) error {
	if snap == nil {
		return fmt.Errorf("快照不能为空")
	}

	name := NormalizeBrokerName(snap.Meta.Name)
	if name == "" {
		name = NormalizeBrokerName(snap.Meta.DisplayName)
	}
	if name == "" {
		return fmt.Errorf("终端名称不能为空")
	}
	snap.Meta.Name = name

	if err := s.waitReady(ctx, s.cfg.ReadyWait); err != nil {
		return err
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	contentHash := strconv.FormatUint(xxhash.Sum64(payload), 16)

	// 内容未变化则跳过整个写入
	prev, err := s.client.Get(ctx, s.hashKey(name)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("读取快照哈希失败: %w", err)
	}
	if err == nil && prev == contentHash {
		logger.Debug("⏭️ 终端 %s 快照未变化，跳过写入", name)
		metrics.RecordSnapshotSave(name, "skipped")
		return nil
	}

	ticksJSON, err := json.Marshal(snap.Ticks)
	if err != nil {
		return fmt.Errorf("序列化报价列表失败: %w", err)
	}
	compressed, err := compressTicks(ticksJSON)
	if err != nil {
		return fmt.Errorf("压缩报价列表失败: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.metaKey(name), metaToMap(&snap.Meta))
	pipe.Expire(ctx, s.metaKey(name), s.cfg.SnapshotTTL)
	pipe.Set(ctx, s.ticksKey(name), compressed, s.cfg.SnapshotTTL)
	pipe.Set(ctx, s.hashKey(name), contentHash, s.cfg.SnapshotTTL)
	pipe.SAdd(ctx, s.registry(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RecordSnapshotSave(name, "failed")
		return fmt.Errorf("写入终端 %s 快照失败: %w", name, err)
	}

	metrics.RecordSnapshotSave(name, "written")
	s.invalidateAfterWrite(name)
	return nil
}

// invalidateAfterWrite 写入后失效读缓存
// 新终端出现时键集合缓存也要失效
func (s *Store) invalidateAfterWrite(name string) {
	if keys, ok := s.cache.getKeySet(); ok {
		for _, k := range keys {
			if k == name {
				s.cache.invalidate(name)
				return
			}
		}
	}
	s.cache.invalidateAll()
}

// GetBroker 返回单个终端的元数据和解压后的报价列表
// 短时读缓存吸收突发并发读；终端不存在时返回 nil
func (s *Store) GetBroker(ctx context.Context, name string) (*BrokerSnapshot, error) {
	name = NormalizeBrokerName(name)

	if snap, ok := s.cache.getSnapshot(name); ok {
		return snap, nil
	}

	if err := s.waitReady(ctx, s.cfg.ReadyWait); err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.metaKey(name))
	ticksCmd := pipe.Get(ctx, s.ticksKey(name))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("读取终端 %s 失败: %w", name, err)
	}

	fields := metaCmd.Val()
	if len(fields) == 0 {
		return nil, nil
	}

	snap := &BrokerSnapshot{Meta: metaFromMap(fields)}

	if blob, err := ticksCmd.Bytes(); err == nil {
		ticks, err := decompressTicks(blob)
		if err != nil {
			return nil, fmt.Errorf("解压终端 %s 报价失败: %w", name, err)
		}
		snap.Ticks = ticks
	}

	s.cache.putSnapshot(name, snap)
	return snap, nil
}

// GetAllBrokers 返回全部终端快照，按集群序号升序
// 键集合缓存比快照缓存的 TTL 更长，键枚举开销更大
func (s *Store) GetAllBrokers(ctx context.Context) ([]*BrokerSnapshot, error) {
	if list, ok := s.cache.getAllList(); ok {
		return list, nil
	}

	if err := s.waitReady(ctx, s.cfg.ReadyWait); err != nil {
		return nil, err
	}

	names, ok := s.cache.getKeySet()
	if !ok {
		var err error
		names, err = s.client.SMembers(ctx, s.registry()).Result()
		if err != nil {
			return nil, fmt.Errorf("枚举终端键失败: %w", err)
		}
		s.cache.putKeySet(names)
	}

	if len(names) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	metaCmds := make([]*redis.MapStringStringCmd, len(names))
	tickCmds := make([]*redis.StringCmd, len(names))
	for i, name := range names {
		metaCmds[i] = pipe.HGetAll(ctx, s.metaKey(name))
		tickCmds[i] = pipe.Get(ctx, s.ticksKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("批量读取终端快照失败: %w", err)
	}

	list := make([]*BrokerSnapshot, 0, len(names))
	for i, name := range names {
		fields := metaCmds[i].Val()
		if len(fields) == 0 {
			// 快照已过期但注册集合里还留着键，跳过
			logger.Debug("🧹 终端 %s 元数据已过期", name)
			continue
		}

		snap := &BrokerSnapshot{Meta: metaFromMap(fields)}
		if blob, err := tickCmds[i].Bytes(); err == nil {
			ticks, err := decompressTicks(blob)
			if err != nil {
				logger.Warn("⚠️ 解压终端 %s 报价失败: %v", name, err)
				continue
			}
			snap.Ticks = ticks
		}
		list = append(list, snap)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Meta.Index < list[j].Meta.Index
	})

	s.cache.putAllList(list)
	return list, nil
}

// DeleteBroker 删除终端的元数据、报价列表和派生键
// 终端不存在时为无副作用操作，返回 false 而不是错误
func (s *Store) DeleteBroker(ctx context.Context, name string) (bool, error) {
	name = NormalizeBrokerName(name)

	if err := s.waitReady(ctx, s.cfg.ReadyWait); err != nil {
		return false, err
	}

	pipe := s.client.TxPipeline()
	delCmd := pipe.Del(ctx, s.metaKey(name), s.ticksKey(name), s.hashKey(name))
	remCmd := pipe.SRem(ctx, s.registry(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("删除终端 %s 失败: %w", name, err)
	}

	s.cache.invalidateAll()

	existed := delCmd.Val() > 0 || remCmd.Val() > 0
	if !existed {
		logger.Info("ℹ️ 终端 %s 不存在，删除为空操作", name)
	}
	return existed, nil
}

// UpdateBrokerStatus 更新终端状态字段
// 重置编排器通过此侧信道写入进度，其余组件只读
func (s *Store) UpdateBrokerStatus(ctx context.Context, name, status string) error {
	name = NormalizeBrokerName(name)

	if err := s.waitReady(ctx, s.cfg.ReadyWait); err != nil {
		return err
	}

	err := s.client.HSet(ctx, s.metaKey(name), map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UnixMilli(),
	}).Err()
	if err != nil {
		return fmt.Errorf("更新终端 %s 状态失败: %w", name, err)
	}

	s.cache.invalidate(name)
	return nil
}

// metaToMap 元数据转 redis hash 字段
func metaToMap(m *BrokerMetadata) map[string]interface{} {
	return map[string]interface{}{
		"display_name": m.DisplayName,
		"name":         m.Name,
		"index":        m.Index,
		"port":         m.Port,
		"version":      m.Version,
		"account_type": m.AccountType,
		"status":       m.Status,
		"updated_at":   m.UpdatedAt,
		"symbol_count": m.SymbolCount,
		"batch_index":  m.BatchIndex,
		"batch_total":  m.BatchTotal,
	}
}

// metaFromMap redis hash 字段转元数据
func metaFromMap(fields map[string]string) BrokerMetadata {
	atoi := func(s string) int {
		v, _ := strconv.Atoi(s)
		return v
	}
	atoi64 := func(s string) int64 {
		v, _ := strconv.ParseInt(s, 10, 64)
		return v
	}

	return BrokerMetadata{
		DisplayName: fields["display_name"],
		Name:        fields["name"],
		Index:       atoi(fields["index"]),
		Port:        atoi(fields["port"]),
		Version:     atoi(fields["version"]),
		AccountType: fields["account_type"],
		Status:      fields["status"],
		UpdatedAt:   atoi64(fields["updated_at"]),
		SymbolCount: atoi(fields["symbol_count"]),
		BatchIndex:  atoi(fields["batch_index"]),
		BatchTotal:  atoi(fields["batch_total"]),
	}
}

// compressTicks gzip 压缩报价列表
func compressTicks(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressTicks 解压报价列表
func decompressTicks(blob []byte) ([]PriceTick, error) {
	r, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var ticks []PriceTick
	if err := json.Unmarshal(data, &ticks); err != nil {
		return nil, err
	}
	return ticks, nil
}
