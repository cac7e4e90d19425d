package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"airguard/internal/config"
	"airguard/internal/engine"
	"airguard/internal/feed"
	"airguard/internal/model"
	"airguard/internal/registry"
	"airguard/internal/storage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

type fixture struct {
	server   *Server
	store    storage.Store
	engine   *engine.Engine
	registry *registry.Registry
	recent   *feed.Recent
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Stations = []config.StationConfig{{ID: "st-1", Name: "Harbor", Region: "north"}, {ID: "st-2"}}
	cfg.Rules = []model.AlertRule{{
		ID:        "pm25-high",
		Kind:      model.KindThreshold,
		Pollutant: model.PM25,
		Operator:  model.OpGreaterThan,
		Threshold: ptr(55),
		Cooldown:  time.Hour,
	}}
	store := storage.NewMemory()
	reg := registry.New()
	reg.Sync(cfg)
	recent := feed.NewRecent(10)
	eng := engine.New(cfg, store, nil,
		engine.WithStations(reg),
		engine.WithPublisher(recent),
		engine.WithClock(func() time.Time { return base }),
	)
	srv := NewServer(config.Static(cfg), Options{
		Store:    store,
		Engine:   eng,
		Stations: reg,
		Recent:   recent,
		Stream:   feed.NewBroker(4),
		Version:  "test",
	})
	return fixture{server: srv, store: store, engine: eng, registry: reg, recent: recent}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f fixture) trigger(t *testing.T) model.Alert {
	t.Helper()
	res, err := f.engine.Evaluate(context.Background(), model.Reading{
		ID:             "r-1",
		StationID:      "st-1",
		Timestamp:      base,
		Concentrations: map[model.Pollutant]float64{model.PM25: 80},
	})
	if err != nil || len(res.Created) != 1 {
		t.Fatalf("expected one alert, got %+v err=%v", res, err)
	}
	return res.Created[0]
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Rules == 0 || resp.Stations["online"] != 2 {
		t.Fatalf("unexpected status %+v", resp)
	}

	f.server.stream = countingStream{n: 3}
	rec = f.do(t, http.MethodGet, "/status", "")
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Streaming != 3 {
		t.Fatalf("stream subscribers: %d", resp.Streaming)
	}
}

type countingStream struct {
	http.Handler
	n int
}

func (c countingStream) Subscribers() int { return c.n }

func TestAcknowledgeThenResolve(t *testing.T) {
	f := newFixture(t)
	alert := f.trigger(t)

	rec := f.do(t, http.MethodPost, "/alerts/"+alert.ID+"/ack", `{"actor":"dana"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status: %d %s", rec.Code, rec.Body.String())
	}
	var acked model.Alert
	_ = json.NewDecoder(rec.Body).Decode(&acked)
	if acked.Status != model.AlertAcknowledged || acked.AcknowledgedBy != "dana" {
		t.Fatalf("unexpected ack result %+v", acked)
	}

	if rec := f.do(t, http.MethodPost, "/alerts/"+alert.ID+"/ack", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second ack should conflict, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/alerts/"+alert.ID+"/resolve", ""); rec.Code != http.StatusOK {
		t.Fatalf("resolve status: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/alerts/missing/resolve", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing alert: %d", rec.Code)
	}
}

func TestListAlertsFilters(t *testing.T) {
	f := newFixture(t)
	f.trigger(t)

	rec := f.do(t, http.MethodGet, "/alerts?status=open&station=st-1", "")
	var resp struct {
		Alerts []model.Alert `json:"alerts"`
		Count  int           `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Alerts[0].RuleID != "pm25-high" {
		t.Fatalf("unexpected alerts %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/alerts?station=st-2", "")
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 0 {
		t.Fatalf("expected no alerts for st-2, got %d", resp.Count)
	}
	if rec := f.do(t, http.MethodGet, "/alerts?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestStationStatusMaintenance(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/stations/st-2/status", `{"status":"maintenance"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	st, _ := f.registry.Station("st-2")
	if st.Status != model.StationMaintenance {
		t.Fatalf("expected maintenance, got %s", st.Status)
	}
	stored, _ := f.store.ListStations(context.Background())
	if len(stored) != 1 || stored[0].Status != model.StationMaintenance {
		t.Fatalf("expected station persisted, got %+v", stored)
	}
	if rec := f.do(t, http.MethodPost, "/stations/st-2/status", `{"status":"sleeping"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/stations/nope/status", `{"status":"error"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown station: %d", rec.Code)
	}
}

func TestEventsFromRecentBuffer(t *testing.T) {
	f := newFixture(t)
	f.trigger(t)
	rec := f.do(t, http.MethodGet, "/events?type=new-alert", "")
	var resp struct {
		Events []model.Event `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Alert == nil {
		t.Fatalf("expected one new-alert event, got %+v", resp.Events)
	}
}

func TestRulesListing(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/rules", "")
	var resp struct {
		Rules []ruleView `json:"rules"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, r := range resp.Rules {
		if r.ID == "pm25-high" && r.Threshold == 55 && r.Cooldown == "1h0m0s" {
			found = true
		}
	}
	if !found {
		t.Fatalf("pm25 rule missing from %+v", resp.Rules)
	}
}
