package engine

import (
	"time"

	"airguard/internal/keyed"
)

// Cooldown remembers when each (rule, station) pair last created an alert.
type Cooldown struct {
	last *keyed.Map[time.Time]
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: keyed.NewMap[time.Time](keyed.DefaultShards)}
}

func cooldownKey(ruleID, stationID string) string {
	return ruleID + "|" + stationID
}

// Active reports whether key is still inside its cooldown window at now.
func (c *Cooldown) Active(key string, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return false
	}
	ts, ok := c.last.Get(key)
	if !ok {
		return false
	}
	return now.Sub(ts) < cooldown
}

func (c *Cooldown) Start(key string, now time.Time) {
	c.last.Set(key, now)
}

// Prune drops entries older than maxAge relative to now.
func (c *Cooldown) Prune(now time.Time, maxAge time.Duration) int {
	return c.last.DeleteFunc(func(_ string, ts time.Time) bool {
		return now.Sub(ts) > maxAge
	})
}
