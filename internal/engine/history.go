package engine

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"airguard/internal/keyed"
	"airguard/internal/model"
)

type stationHistory struct {
	mu       sync.Mutex
	warmed   bool
	readings []model.Reading
	ids      map[string]struct{}
	newest   map[model.Pollutant]time.Time
}

// History keeps a timestamp-ordered buffer of recent readings per station.
type History struct {
	retention atomic.Int64
	stations  *keyed.Map[*stationHistory]
}

func NewHistory(retention time.Duration) *History {
	h := &History{stations: keyed.NewMap[*stationHistory](keyed.DefaultShards)}
	h.SetRetention(retention)
	return h
}

func (h *History) SetRetention(d time.Duration) {
	h.retention.Store(int64(d))
}

func (h *History) Retention() time.Duration {
	return time.Duration(h.retention.Load())
}

func (h *History) station(id string) *stationHistory {
	return h.stations.Update(id, func(cur *stationHistory, ok bool) (*stationHistory, bool) {
		if ok {
			return cur, true
		}
		return &stationHistory{
			ids:    make(map[string]struct{}),
			newest: make(map[model.Pollutant]time.Time),
		}, true
	})
}

// Warm loads a station's history once. A failed load is retried on the next
// call.
func (h *History) Warm(stationID string, load func() ([]model.Reading, error)) error {
	s := h.station(stationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warmed {
		return nil
	}
	readings, err := load()
	if err != nil {
		return err
	}
	for _, r := range readings {
		s.insert(r)
	}
	s.warmed = true
	s.trim(h.Retention())
	return nil
}

// Record adds r and reports, per pollutant r carries, whether r is at least
// as new as every reading seen before for that pollutant.
func (h *History) Record(r model.Reading) map[model.Pollutant]bool {
	s := h.station(r.StationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(map[model.Pollutant]bool, len(r.Concentrations)+len(r.Rejected))
	mark := func(p model.Pollutant) {
		newest, ok := s.newest[p]
		fresh[p] = !ok || !r.Timestamp.Before(newest)
	}
	for p := range r.Concentrations {
		mark(p)
	}
	for _, p := range r.Rejected {
		mark(p)
	}
	s.insert(r)
	s.trim(h.Retention())
	return fresh
}

// Window returns the readings of a station with from <= timestamp <= to, in
// ascending timestamp order.
func (h *History) Window(stationID string, from, to time.Time) []model.Reading {
	s, ok := h.stations.Get(stationID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := sort.Search(len(s.readings), func(i int) bool {
		return !s.readings[i].Timestamp.Before(from)
	})
	out := make([]model.Reading, 0, len(s.readings)-start)
	for _, r := range s.readings[start:] {
		if r.Timestamp.After(to) {
			break
		}
		out = append(out, r)
	}
	return out
}

func (h *History) Len(stationID string) int {
	s, ok := h.stations.Get(stationID)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

func (s *stationHistory) insert(r model.Reading) {
	if r.ID != "" {
		if _, dup := s.ids[r.ID]; dup {
			return
		}
		s.ids[r.ID] = struct{}{}
	}
	idx := sort.Search(len(s.readings), func(i int) bool {
		return s.readings[i].Timestamp.After(r.Timestamp)
	})
	s.readings = append(s.readings, model.Reading{})
	copy(s.readings[idx+1:], s.readings[idx:])
	s.readings[idx] = r

	bump := func(p model.Pollutant) {
		if cur, ok := s.newest[p]; !ok || r.Timestamp.After(cur) {
			s.newest[p] = r.Timestamp
		}
	}
	for p := range r.Concentrations {
		bump(p)
	}
	for _, p := range r.Rejected {
		bump(p)
	}
}

func (s *stationHistory) trim(retention time.Duration) {
	if retention <= 0 || len(s.readings) == 0 {
		return
	}
	cutoff := s.readings[len(s.readings)-1].Timestamp.Add(-retention)
	head := 0
	for head < len(s.readings) && s.readings[head].Timestamp.Before(cutoff) {
		delete(s.ids, s.readings[head].ID)
		head++
	}
	if head == 0 {
		return
	}
	s.readings = append([]model.Reading{}, s.readings[head:]...)
}
