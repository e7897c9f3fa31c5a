package dedup

import (
	"sync"
	"time"

	"docsync/backend/internal/clock"
)

const (
	// TTL 已处理操作的记忆时长（60,000 ms）
	TTL = 60 * time.Second
	// CleanupThreshold 超过这个条目数才在 MarkSeen 时顺带清理
	CleanupThreshold = 500
)

// Cache 记录最近处理过的操作 ID，把存储层的至少一次投递变成“实际一次”应用。
// 过期在 IsSeen 调用时按当前时间惰性判断，没有后台定时器。
type Cache struct {
	mu    sync.Mutex
	clock clock.Clock
	seen  map[string]time.Time
}

func New(c clock.Clock) *Cache {
	if c == nil {
		c = clock.Real()
	}
	return &Cache{clock: c, seen: make(map[string]time.Time)}
}

var shared = New(clock.Real())

// Shared 返回进程级共享实例；Provider 通过配置显式注入，需要隔离时自己 New 一个
func Shared() *Cache { return shared }

func (c *Cache) IsSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.seen[id]
	if !ok {
		return false
	}
	return c.clock.Now().Sub(at) < TTL
}

func (c *Cache) MarkSeen(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.seen[id] = now
	if len(c.seen) > CleanupThreshold {
		c.sweepLocked(now)
	}
}

// Reset 清空全部记录（测试用）
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]time.Time)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) sweepLocked(now time.Time) {
	for id, at := range c.seen {
		if now.Sub(at) >= TTL {
			delete(c.seen, id)
		}
	}
}
