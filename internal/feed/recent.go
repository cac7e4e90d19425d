package feed

import (
	"sync"
	"time"

	"airguard/internal/model"
)

// Recent keeps the last limit events for clients that poll instead of
// streaming.
type Recent struct {
	mu    sync.RWMutex
	buf   []model.Event
	limit int
}

func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = 500
	}
	return &Recent{limit: limit}
}

func (s *Recent) Publish(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

// List returns up to limit of the newest events, oldest first. Types
// filters by event type when non-empty.
func (s *Recent) List(limit int, types ...model.EventType) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]model.Event, 0, len(s.buf))
	for _, ev := range s.buf {
		if matchType(ev.Type, types) {
			matched = append(matched, ev)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

func (s *Recent) Since(ts time.Time) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, 0)
	for _, ev := range s.buf {
		if !ev.At.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func matchType(t model.EventType, types []model.EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}
