package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"airguard/internal/keyed"
	"airguard/internal/model"
)

const compactEvery = 10000

// DedupeCache remembers message fingerprints for a sliding window.
type DedupeCache struct {
	items   *keyed.Map[time.Time]
	inserts atomic.Int64
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: keyed.NewMap[time.Time](keyed.DefaultShards)}
}

// Seen reports whether key was recorded within ttl of now, and records it
// otherwise. A zero ttl disables the check.
func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	seen := false
	d.items.Update(key, func(ts time.Time, ok bool) (time.Time, bool) {
		if ok && now.Sub(ts) <= ttl {
			seen = true
			return ts, true
		}
		return now, true
	})
	if !seen && d.inserts.Add(1)%compactEvery == 0 {
		d.compact(now, ttl)
	}
	return seen
}

// Forget drops key so the next message with the same fingerprint is
// processed again.
func (d *DedupeCache) Forget(key string) {
	d.items.Delete(key)
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	d.items.DeleteFunc(func(_ string, ts time.Time) bool {
		return now.Sub(ts) > ttl
	})
}

func (d *DedupeCache) Len() int {
	return d.items.Len()
}

// hashMessage fingerprints what a sensor sent, ignoring when it arrived.
func hashMessage(msg model.SensorMessage) string {
	parts := []string{
		msg.SensorID,
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
		string(msg.Status),
	}
	keys := make([]string, 0, len(msg.Values))
	for p := range msg.Values {
		keys = append(keys, string(p))
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatFloat(msg.Values[model.Pollutant(k)], 'g', -1, 64))
	}
	for _, p := range msg.Rejected {
		parts = append(parts, string(p)+"=!")
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
