package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"airguard/internal/config"
	"airguard/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	inactive := false
	cfg := config.DefaultConfig()
	cfg.Stations = []config.StationConfig{
		{ID: "st-1", Name: "Harbour", Region: "north"},
		{ID: "st-2", Region: "south", Status: model.StationMaintenance},
	}
	cfg.Sensors = []config.SensorConfig{
		{ID: "s-1", StationID: "st-1", Pollutants: []string{"pm2.5", "pm10"}},
		{ID: "s-2", StationID: "st-2"},
		{ID: "s-3", StationID: "st-1", Active: &inactive},
	}
	r := New()
	r.now = func() time.Time { return base }
	r.Sync(cfg)
	return r
}

func TestResolveSensor(t *testing.T) {
	r := newRegistry(t)
	sensor, st, err := r.ResolveSensor("s-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if st.ID != "st-1" || len(sensor.Pollutants) != 2 || sensor.Pollutants[0] != model.PM25 {
		t.Fatalf("unexpected resolution: %+v %+v", sensor, st)
	}
	if _, _, err := r.ResolveSensor("nope"); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("expected unknown sensor, got %v", err)
	}
	if _, _, err := r.ResolveSensor("s-3"); !errors.Is(err, ErrInactiveSensor) {
		t.Fatalf("expected inactive sensor, got %v", err)
	}
}

func TestHeartbeatFlipsOfflineAndNeverMovesBackwards(t *testing.T) {
	r := newRegistry(t)
	st, _ := r.Station("st-1")
	if _, ok := r.MarkOffline("st-1", st.LastHeartbeat); !ok {
		t.Fatalf("expected offline transition")
	}
	later := base.Add(5 * time.Minute)
	st, changed, err := r.Heartbeat("st-1", later)
	if err != nil || !changed || st.Status != model.StationOnline {
		t.Fatalf("heartbeat: %+v changed=%v err=%v", st, changed, err)
	}
	st, changed, _ = r.Heartbeat("st-1", base.Add(time.Minute))
	if changed || !st.LastHeartbeat.Equal(later) {
		t.Fatalf("older heartbeat moved time backwards: %s", st.LastHeartbeat)
	}
	if _, _, err := r.Heartbeat("ghost", later); !errors.Is(err, ErrUnknownStation) {
		t.Fatalf("expected unknown station, got %v", err)
	}
}

func TestMarkOfflineIsCompareAndSet(t *testing.T) {
	r := newRegistry(t)
	st, _ := r.Station("st-1")
	observed := st.LastHeartbeat
	_, _, _ = r.Heartbeat("st-1", observed.Add(time.Second))
	if _, ok := r.MarkOffline("st-1", observed); ok {
		t.Fatalf("stale observation must not flip the station")
	}
	if _, ok := r.MarkOffline("st-2", base); ok {
		t.Fatalf("maintenance station must not go offline automatically")
	}
}

func TestSyncKeepsLivenessAndManualStatus(t *testing.T) {
	r := newRegistry(t)
	_, _, _ = r.Heartbeat("st-1", base.Add(time.Hour))
	_, _, _ = r.SetStatus("st-1", model.StationError)

	cfg := config.DefaultConfig()
	cfg.Stations = []config.StationConfig{{ID: "st-1", Name: "Renamed"}}
	r.Sync(cfg)

	st, ok := r.Station("st-1")
	if !ok || st.Name != "Renamed" || st.Status != model.StationError || !st.LastHeartbeat.Equal(base.Add(time.Hour)) {
		t.Fatalf("sync lost state: %+v", st)
	}
	if _, ok := r.Station("st-2"); ok {
		t.Fatalf("removed station still present")
	}
	if _, _, err := r.ResolveSensor("s-1"); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("sensor set not replaced: %v", err)
	}
}

func TestConcurrentHeartbeats(t *testing.T) {
	r := newRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = r.Heartbeat("st-1", base.Add(time.Duration(i)*time.Second))
		}(i)
	}
	wg.Wait()
	st, _ := r.Station("st-1")
	if !st.LastHeartbeat.Equal(base.Add(49 * time.Second)) {
		t.Fatalf("heartbeat: %s", st.LastHeartbeat)
	}
}
