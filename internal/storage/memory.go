package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"airguard/internal/model"
)

const memoryReadingsPerStation = 10000

// memoryStore keeps everything in process. It is used when no database is
// configured and in tests.
type memoryStore struct {
	mu       sync.RWMutex
	readings map[string][]model.Reading
	stations map[string]model.Station
	alerts   map[string]model.Alert
	open     map[string]string
	jobs     map[string]model.NotificationJob
}

func NewMemory() Store {
	return &memoryStore{
		readings: make(map[string][]model.Reading),
		stations: make(map[string]model.Station),
		alerts:   make(map[string]model.Alert),
		open:     make(map[string]string),
		jobs:     make(map[string]model.NotificationJob),
	}
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Close() error               { return nil }
func (m *memoryStore) Ping(context.Context) error { return nil }

func openKey(ruleID, stationID string) string { return ruleID + "|" + stationID }

func (m *memoryStore) SaveReading(_ context.Context, r model.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.readings[r.StationID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(r.Timestamp) })
	list = append(list, model.Reading{})
	copy(list[i+1:], list[i:])
	list[i] = r
	if len(list) > memoryReadingsPerStation {
		list = list[len(list)-memoryReadingsPerStation:]
	}
	m.readings[r.StationID] = list
	return nil
}

func (m *memoryStore) ListReadings(_ context.Context, stationID string, since time.Time, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.readings[stationID]
	start := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(since) })
	out := list[start:]
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]model.Reading(nil), out...), nil
}

func (m *memoryStore) UpsertStation(_ context.Context, st model.Station) error {
	m.mu.Lock()
	m.stations[st.ID] = st
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) ListStations(context.Context) ([]model.Station, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Station, 0, len(m.stations))
	for _, st := range m.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) CreateAlert(_ context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := openKey(a.RuleID, a.StationID)
	if a.Status.Open() {
		if _, exists := m.open[key]; exists {
			return ErrOpenAlertExists
		}
		m.open[key] = a.ID
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *memoryStore) UpdateAlert(_ context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	key := openKey(a.RuleID, a.StationID)
	if a.Status.Open() {
		if id, exists := m.open[key]; exists && id != a.ID {
			return ErrOpenAlertExists
		}
		m.open[key] = a.ID
	} else if m.open[key] == a.ID {
		delete(m.open, key)
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *memoryStore) GetAlert(_ context.Context, id string) (model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	return a, nil
}

func (m *memoryStore) FindOpenAlert(_ context.Context, ruleID, stationID string) (model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.open[openKey(ruleID, stationID)]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	return m.alerts[id], nil
}

func (m *memoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]model.Alert, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	out := make([]model.Alert, 0)
	for _, a := range m.alerts {
		if !containsStatus(f.Statuses, a.Status) {
			continue
		}
		if f.StationID != "" && a.StationID != f.StationID {
			continue
		}
		if f.RuleID != "" && a.RuleID != f.RuleID {
			continue
		}
		if !f.TriggeredBefore.IsZero() && !a.TriggeredAt.Before(f.TriggeredBefore) {
			continue
		}
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) SaveJob(_ context.Context, job model.NotificationJob) error {
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) UpdateJob(_ context.Context, job model.NotificationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memoryStore) ListPendingJobs(_ context.Context, limit int) ([]model.NotificationJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	out := make([]model.NotificationJob, 0)
	for _, j := range m.jobs {
		if j.Status == model.JobPending {
			out = append(out, j)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
