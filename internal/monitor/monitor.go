// Package monitor sweeps station liveness on a fixed interval.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"airguard/internal/config"
	"airguard/internal/engine"
	"airguard/internal/metrics"
	"airguard/internal/model"
	"airguard/internal/storage"
)

type Stations interface {
	List() []model.Station
	MarkOffline(stationID string, observedHeartbeat time.Time) (model.Station, bool)
	MarkOnline(stationID string, observedHeartbeat time.Time) (model.Station, bool)
}

type Evaluator interface {
	EvaluateLiveness(ctx context.Context, st model.Station, now time.Time) (engine.Result, error)
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
	PruneCooldowns(now time.Time) int
}

// SweepReport summarises one sweep. Errors holds per-station failures; none
// of them stopped the sweep.
type SweepReport struct {
	Checked     int
	WentOffline int
	CameOnline  int
	Raised      int
	Resolved    int
	Expired     int
	Offline     int
	Errors      []error
}

func (r SweepReport) Err() error {
	return errors.Join(r.Errors...)
}

type Monitor struct {
	cfg      config.Source
	stations Stations
	engine   Evaluator
	store    storage.Store
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg config.Source, stations Stations, eval Evaluator, store storage.Store, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		stations: stations,
		engine:   eval,
		store:    store,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every monitor.interval until ctx is done. An interval change on
// reload takes effect after the next sweep.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.Get().Monitor.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.Sweep(ctx, m.now())
			if err := report.Err(); err != nil && m.logger != nil {
				m.logger.Warn("liveness sweep finished with errors", "errors", len(report.Errors), "error", err)
			}
			if next := m.cfg.Get().Monitor.Interval; next != interval && next > 0 {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Sweep checks every station once. Online stations past the liveness
// timeout go offline; offline stations that heartbeated since they went
// offline and are within the timeout come back. Every station the sweep may
// manage is then run through the liveness rules.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) SweepReport {
	start := time.Now()
	cfg := m.cfg.Get()
	timeout := cfg.Monitor.LivenessTimeout
	var report SweepReport

	for _, st := range m.stations.List() {
		report.Checked++
		age := now.Sub(st.LastHeartbeat)
		switch {
		case st.Status == model.StationOnline && age > timeout:
			if updated, ok := m.stations.MarkOffline(st.ID, st.LastHeartbeat); ok {
				st = updated
				report.WentOffline++
				m.persist(ctx, st, &report)
				if m.logger != nil {
					m.logger.Warn("station offline", "station_id", st.ID, "last_heartbeat", st.LastHeartbeat, "age", age.String())
				}
			}
		case st.Status == model.StationOffline && age <= timeout && st.LastHeartbeat.After(st.UpdatedAt):
			if updated, ok := m.stations.MarkOnline(st.ID, st.LastHeartbeat); ok {
				st = updated
				report.CameOnline++
				m.persist(ctx, st, &report)
			}
		}
		if st.Status == model.StationOffline {
			report.Offline++
		}
		if !st.Status.Automatic() {
			continue
		}
		res, err := m.engine.EvaluateLiveness(ctx, st, now)
		report.Raised += len(res.Created)
		report.Resolved += len(res.Resolved)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("station %s: %w", st.ID, err))
		}
	}

	if cfg.Alerts.ExpireAfter > 0 {
		n, err := m.engine.ExpireStale(ctx, cfg.Alerts.ExpireAfter)
		report.Expired = n
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("expire stale alerts: %w", err))
		}
	}
	m.engine.PruneCooldowns(now)

	metrics.ObserveSweep(time.Since(start), report.Offline)
	if m.logger != nil && (report.WentOffline > 0 || report.CameOnline > 0 || report.Raised > 0 || report.Resolved > 0) {
		m.logger.Info("liveness sweep",
			"checked", report.Checked,
			"offline", report.WentOffline,
			"online", report.CameOnline,
			"raised", report.Raised,
			"resolved", report.Resolved,
		)
	}
	return report
}

func (m *Monitor) persist(ctx context.Context, st model.Station, report *SweepReport) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertStation(ctx, st); err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("persist station %s: %w", st.ID, err))
	}
}
