package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"airguard/internal/config"
	"airguard/internal/engine"
	"airguard/internal/model"
	"airguard/internal/registry"
	"airguard/internal/storage"
)

type flakyEvaluator struct {
	*engine.Engine
	fail string
}

func (f flakyEvaluator) EvaluateLiveness(ctx context.Context, st model.Station, now time.Time) (engine.Result, error) {
	if st.ID == f.fail {
		return engine.Result{}, errors.New("store unavailable")
	}
	return f.Engine.EvaluateLiveness(ctx, st, now)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Monitor.LivenessTimeout = 10 * time.Minute
	cfg.Monitor.DefaultRule.Enabled = true
	cfg.Monitor.DefaultRule.AutoResolve = true
	cfg.Stations = []config.StationConfig{
		{ID: "st-1", Name: "Harbor"},
		{ID: "st-2", Status: model.StationMaintenance},
		{ID: "st-3"},
	}
	return cfg
}

type harness struct {
	monitor  *Monitor
	registry *registry.Registry
	engine   *engine.Engine
	store    storage.Store
	t0       time.Time
}

func newHarness(t *testing.T, wrap func(*engine.Engine) Evaluator) harness {
	t.Helper()
	cfg := testConfig()
	reg := registry.New()
	reg.Sync(cfg)
	store := storage.NewMemory()
	eng := engine.New(cfg, store, nil, engine.WithStations(reg))
	var eval Evaluator = eng
	if wrap != nil {
		eval = wrap(eng)
	}
	var t0 time.Time
	for _, st := range reg.List() {
		if st.LastHeartbeat.After(t0) {
			t0 = st.LastHeartbeat
		}
	}
	return harness{
		monitor:  New(config.Static(cfg), reg, eval, store, nil),
		registry: reg,
		engine:   eng,
		store:    store,
		t0:       t0,
	}
}

func openOffline(t *testing.T, store storage.Store) []model.Alert {
	t.Helper()
	list, err := store.ListAlerts(context.Background(), storage.AlertFilter{
		Statuses: []model.AlertStatus{model.AlertActive, model.AlertAcknowledged},
		RuleID:   engine.OfflineRuleID,
	})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	return list
}

func TestSweepMarksStaleStationsOffline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	report := h.monitor.Sweep(ctx, h.t0.Add(15*time.Minute))
	if err := report.Err(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.WentOffline != 2 || report.Raised != 2 || report.Offline != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	st, _ := h.registry.Station("st-1")
	if st.Status != model.StationOffline {
		t.Fatalf("st-1 should be offline, got %s", st.Status)
	}
	st, _ = h.registry.Station("st-2")
	if st.Status != model.StationMaintenance {
		t.Fatalf("maintenance must not be overridden, got %s", st.Status)
	}
	if n := len(openOffline(t, h.store)); n != 2 {
		t.Fatalf("expected two offline alerts, got %d", n)
	}
	stored, _ := h.store.ListStations(ctx)
	if len(stored) != 2 {
		t.Fatalf("expected offline stations persisted, got %d", len(stored))
	}

	report = h.monitor.Sweep(ctx, h.t0.Add(16*time.Minute))
	if report.WentOffline != 0 || report.Raised != 0 {
		t.Fatalf("second sweep should change nothing: %+v", report)
	}
	if n := len(openOffline(t, h.store)); n != 2 {
		t.Fatalf("offline alerts duplicated: %d", n)
	}
}

func TestHeartbeatResumesAndAlertAutoResolves(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.monitor.Sweep(ctx, h.t0.Add(15*time.Minute))

	st, changed, err := h.registry.Heartbeat("st-1", h.t0.Add(17*time.Minute))
	if err != nil || !changed || st.Status != model.StationOnline {
		t.Fatalf("heartbeat should bring st-1 online: %+v changed=%v err=%v", st, changed, err)
	}

	report := h.monitor.Sweep(ctx, h.t0.Add(18*time.Minute))
	if report.Resolved != 1 {
		t.Fatalf("expected the st-1 offline alert resolved, got %+v", report)
	}
	open := openOffline(t, h.store)
	if len(open) != 1 || open[0].StationID != "st-3" {
		t.Fatalf("only st-3 should still be offline: %+v", open)
	}
	resolved, _ := h.store.ListAlerts(ctx, storage.AlertFilter{
		Statuses:  []model.AlertStatus{model.AlertResolved},
		StationID: "st-1",
	})
	if len(resolved) != 1 || !resolved[0].AutoResolved {
		t.Fatalf("expected auto-resolved alert for st-1: %+v", resolved)
	}
}

func TestSweepBringsRecoveredStationOnline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.monitor.Sweep(ctx, h.t0.Add(15*time.Minute))

	// a heartbeat restored from storage does not flip the status by itself
	h.registry.Restore([]model.Station{{ID: "st-3", LastHeartbeat: h.t0.Add(17 * time.Minute)}})
	st, _ := h.registry.Station("st-3")
	if st.Status != model.StationOffline {
		t.Fatalf("precondition: st-3 offline, got %s", st.Status)
	}

	report := h.monitor.Sweep(ctx, h.t0.Add(18*time.Minute))
	if report.CameOnline != 1 {
		t.Fatalf("expected st-3 back online: %+v", report)
	}
	st, _ = h.registry.Station("st-3")
	if st.Status != model.StationOnline {
		t.Fatalf("st-3 status %s", st.Status)
	}
}

func TestLivenessRuleFiresWithOfflineTransition(t *testing.T) {
	cfg := testConfig()
	cfg.Rules = []model.AlertRule{
		{ID: "silent", Kind: model.KindLiveness, Scope: model.Scope{Kind: model.ScopeStations, Stations: []string{"st-1"}}},
		{ID: "slow", Kind: model.KindLiveness, Timeout: 30 * time.Minute},
	}
	reg := registry.New()
	reg.Sync(cfg)
	store := storage.NewMemory()
	eng := engine.New(cfg, store, nil, engine.WithStations(reg))
	mon := New(config.Static(cfg), reg, eng, store, nil)
	st, _ := reg.Station("st-1")
	t0 := st.LastHeartbeat

	if report := mon.Sweep(context.Background(), t0.Add(5*time.Minute)); report.Raised != 0 {
		t.Fatalf("no alert before the station goes offline: %+v", report)
	}
	report := mon.Sweep(context.Background(), t0.Add(15*time.Minute))
	if report.WentOffline != 2 || report.Raised != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	list, _ := store.ListAlerts(context.Background(), storage.AlertFilter{Statuses: []model.AlertStatus{model.AlertActive}})
	if len(list) != 1 || list[0].RuleID != "silent" || list[0].StationID != "st-1" {
		t.Fatalf("expected one alert from the rule with the monitor timeout: %+v", list)
	}
}

func TestSweepContinuesPastFailingStation(t *testing.T) {
	h := newHarness(t, func(e *engine.Engine) Evaluator { return flakyEvaluator{Engine: e, fail: "st-1"} })

	report := h.monitor.Sweep(context.Background(), h.t0.Add(15*time.Minute))
	if len(report.Errors) != 1 {
		t.Fatalf("expected one station error, got %v", report.Errors)
	}
	if report.WentOffline != 2 || report.Raised != 1 {
		t.Fatalf("other stations should still be handled: %+v", report)
	}
	open := openOffline(t, h.store)
	if len(open) != 1 || open[0].StationID != "st-3" {
		t.Fatalf("expected st-3 alert despite st-1 failure: %+v", open)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.monitor.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}
