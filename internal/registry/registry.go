// Package registry tracks the last known status and heartbeat of every
// station and maps sensors onto their stations. State is sharded per
// station id.
package registry

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"airguard/internal/config"
	"airguard/internal/keyed"
	"airguard/internal/model"
)

var (
	ErrUnknownStation = errors.New("unknown station")
	ErrUnknownSensor  = errors.New("unknown sensor")
	ErrInactiveSensor = errors.New("inactive sensor")
)

type Registry struct {
	stations *keyed.Map[model.Station]
	sensors  atomic.Pointer[map[string]model.Sensor]
	now      func() time.Time
}

func New() *Registry {
	r := &Registry{
		stations: keyed.NewMap[model.Station](keyed.DefaultShards),
		now:      func() time.Time { return time.Now().UTC() },
	}
	empty := map[string]model.Sensor{}
	r.sensors.Store(&empty)
	return r
}

// Sync applies the configured station and sensor set. Runtime liveness
// (status and heartbeat) of stations that already exist is kept, except
// that a configured maintenance/error status always wins. Stations missing
// from cfg are removed.
func (r *Registry) Sync(cfg *config.Config) {
	now := r.now()
	keep := make(map[string]struct{}, len(cfg.Stations))
	for _, sc := range cfg.Stations {
		keep[sc.ID] = struct{}{}
		r.stations.Update(sc.ID, func(cur model.Station, ok bool) (model.Station, bool) {
			next := model.Station{
				ID:        sc.ID,
				Name:      sc.Name,
				Region:    sc.Region,
				Latitude:  sc.Latitude,
				Longitude: sc.Longitude,
				Status:    model.StationOnline,
				UpdatedAt: now,
			}
			if next.Name == "" {
				next.Name = sc.ID
			}
			if ok {
				next.Status = cur.Status
				next.LastHeartbeat = cur.LastHeartbeat
			} else {
				// a fresh station gets a full liveness window before it can go offline
				next.LastHeartbeat = now
			}
			if status, ok := model.ParseStationStatus(string(sc.Status)); ok && !status.Automatic() {
				next.Status = status
			}
			return next, true
		})
	}
	r.stations.DeleteFunc(func(id string, _ model.Station) bool {
		_, ok := keep[id]
		return !ok
	})

	sensors := make(map[string]model.Sensor, len(cfg.Sensors))
	for _, sc := range cfg.Sensors {
		s := model.Sensor{ID: sc.ID, StationID: sc.StationID, Active: sc.IsActive()}
		for _, name := range sc.Pollutants {
			if p, ok := model.ParsePollutant(name); ok {
				s.Pollutants = append(s.Pollutants, p)
			}
		}
		sensors[sc.ID] = s
	}
	r.sensors.Store(&sensors)
}

// Restore seeds liveness from persisted stations. Only stations that are
// configured are touched and heartbeats never move backwards.
func (r *Registry) Restore(stations []model.Station) {
	for _, st := range stations {
		r.stations.Update(st.ID, func(cur model.Station, ok bool) (model.Station, bool) {
			if !ok {
				return cur, false
			}
			if st.LastHeartbeat.After(cur.LastHeartbeat) {
				cur.LastHeartbeat = st.LastHeartbeat
			}
			if st.Status != "" && cur.Status.Automatic() {
				cur.Status = st.Status
			}
			return cur, true
		})
	}
}

// ResolveSensor returns the sensor and its owning station.
func (r *Registry) ResolveSensor(sensorID string) (model.Sensor, model.Station, error) {
	sensors := *r.sensors.Load()
	s, ok := sensors[sensorID]
	if !ok {
		return model.Sensor{}, model.Station{}, ErrUnknownSensor
	}
	if !s.Active {
		return s, model.Station{}, ErrInactiveSensor
	}
	st, ok := r.stations.Get(s.StationID)
	if !ok {
		return s, model.Station{}, ErrUnknownStation
	}
	return s, st, nil
}

func (r *Registry) Station(id string) (model.Station, bool) {
	return r.stations.Get(id)
}

func (r *Registry) List() []model.Station {
	out := make([]model.Station, 0, r.stations.Len())
	r.stations.Range(func(_ string, st model.Station) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Heartbeat records receipt of a message at the given time. A station that
// was offline flips back to online; changed reports that flip. Older
// heartbeats than the one already recorded are ignored.
func (r *Registry) Heartbeat(stationID string, at time.Time) (model.Station, bool, error) {
	var changed bool
	found := false
	st := r.stations.Update(stationID, func(cur model.Station, ok bool) (model.Station, bool) {
		if !ok {
			return cur, false
		}
		found = true
		if at.After(cur.LastHeartbeat) {
			cur.LastHeartbeat = at
		}
		if cur.Status == model.StationOffline {
			cur.Status = model.StationOnline
			cur.UpdatedAt = r.now()
			changed = true
		}
		return cur, true
	})
	if !found {
		return model.Station{}, false, ErrUnknownStation
	}
	return st, changed, nil
}

// SetStatus applies an externally reported status. online clears a
// maintenance or error status.
func (r *Registry) SetStatus(stationID string, status model.StationStatus) (model.Station, bool, error) {
	var changed bool
	found := false
	st := r.stations.Update(stationID, func(cur model.Station, ok bool) (model.Station, bool) {
		if !ok {
			return cur, false
		}
		found = true
		if cur.Status != status {
			cur.Status = status
			cur.UpdatedAt = r.now()
			changed = true
		}
		return cur, true
	})
	if !found {
		return model.Station{}, false, ErrUnknownStation
	}
	return st, changed, nil
}

// MarkOffline flips an online station to offline provided its heartbeat is
// still the one the caller observed. It reports whether it changed anything.
func (r *Registry) MarkOffline(stationID string, observedHeartbeat time.Time) (model.Station, bool) {
	return r.transition(stationID, model.StationOnline, model.StationOffline, observedHeartbeat)
}

// MarkOnline flips an offline station back to online under the same
// compare-and-set rule as MarkOffline.
func (r *Registry) MarkOnline(stationID string, observedHeartbeat time.Time) (model.Station, bool) {
	return r.transition(stationID, model.StationOffline, model.StationOnline, observedHeartbeat)
}

func (r *Registry) transition(stationID string, from, to model.StationStatus, observed time.Time) (model.Station, bool) {
	var changed bool
	st := r.stations.Update(stationID, func(cur model.Station, ok bool) (model.Station, bool) {
		if !ok {
			return cur, false
		}
		if cur.Status == from && cur.LastHeartbeat.Equal(observed) {
			cur.Status = to
			cur.UpdatedAt = r.now()
			changed = true
		}
		return cur, true
	})
	return st, changed
}
