package store

import (
	"sync"
	"time"
)

// snapshotCache 短时读穿缓存，吸收突发并发读
// 快照缓存和键集合缓存使用不同的 TTL：键枚举更贵，缓存更久
type snapshotCache struct {
	mu sync.RWMutex

	snapshotTTL time.Duration
	keySetTTL   time.Duration

	snapshots map[string]*cachedSnapshot

	keySet        []string
	keySetExpires time.Time

	allList        []*BrokerSnapshot
	allListExpires time.Time
}

type cachedSnapshot struct {
	snap    *BrokerSnapshot
	expires time.Time
}

func newSnapshotCache(snapshotTTL, keySetTTL time.Duration) *snapshotCache {
	return &snapshotCache{
		snapshotTTL: snapshotTTL,
		keySetTTL:   keySetTTL,
		snapshots:   make(map[string]*cachedSnapshot),
	}
}

// getSnapshot 读取未过期的单终端快照缓存
func (c *snapshotCache) getSnapshot(name string) (*BrokerSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.snapshots[name]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.snap, true
}

// putSnapshot 写入单终端快照缓存
func (c *snapshotCache) putSnapshot(name string, snap *BrokerSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[name] = &cachedSnapshot{snap: snap, expires: time.Now().Add(c.snapshotTTL)}
}

// getKeySet 读取未过期的键集合缓存
func (c *snapshotCache) getKeySet() ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.keySet == nil || time.Now().After(c.keySetExpires) {
		return nil, false
	}
	return c.keySet, true
}

// putKeySet 写入键集合缓存
func (c *snapshotCache) putKeySet(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keySet = keys
	c.keySetExpires = time.Now().Add(c.keySetTTL)
}

// getAllList 读取未过期的全量快照列表缓存
func (c *snapshotCache) getAllList() ([]*BrokerSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.allList == nil || time.Now().After(c.allListExpires) {
		return nil, false
	}
	return c.allList, true
}

// putAllList 写入全量快照列表缓存
func (c *snapshotCache) putAllList(list []*BrokerSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allList = list
	c.allListExpires = time.Now().Add(c.snapshotTTL)
}

// invalidate 失效指定终端相关的缓存
func (c *snapshotCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, name)
	c.allList = nil
}

// invalidateAll 失效全部缓存（终端增删时）
func (c *snapshotCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = make(map[string]*cachedSnapshot)
	c.keySet = nil
	c.allList = nil
}
