package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// CooldownNotifier 限制同一交易对的告警频率。
type CooldownNotifier struct {
	inner    Notifier
	cooldown time.Duration
	clock    clock.Clock

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldownNotifier 包装 inner；cooldown 为 0 时不做限制。
func NewCooldownNotifier(inner Notifier, cooldown time.Duration, clk clock.Clock) *CooldownNotifier {
	if clk == nil {
		clk = clock.WallClock
	}
	return &CooldownNotifier{
		inner:    inner,
		cooldown: cooldown,
		clock:    clk,
		last:     make(map[string]time.Time),
	}
}

// Notify 在冷却期内静默丢弃；发送失败不占用冷却窗口。
func (c *CooldownNotifier) Notify(ctx context.Context, note Notification) error {
	if c.cooldown <= 0 {
		return c.inner.Notify(ctx, note)
	}

	key := note.key()
	now := c.clock.Now()

	c.mu.Lock()
	if last, ok := c.last[key]; ok && now.Sub(last) < c.cooldown {
		c.mu.Unlock()
		return nil
	}
	c.last[key] = now
	c.mu.Unlock()

	if err := c.inner.Notify(ctx, note); err != nil {
		c.mu.Lock()
		if c.last[key].Equal(now) {
			delete(c.last, key)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

var _ Notifier = (*CooldownNotifier)(nil)
