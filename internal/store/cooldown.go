package store

import (
	"sync"
	"time"
)

// Cooldown 相同消息在间隔内只放行一次
type Cooldown struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldown 创建冷却器, now 为空时使用 time.Now
func NewCooldown(interval time.Duration, now func() time.Time) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{
		interval: interval,
		now:      now,
		last:     make(map[string]time.Time),
	}
}

// Allow 距上次放行同一消息超过间隔时返回 true
func (c *Cooldown) Allow(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[msg]; ok && now.Sub(last) < c.interval {
		return false
	}
	c.last[msg] = now
	return true
}
