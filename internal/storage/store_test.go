package storage

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"airguard/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "airguard.db") + "?_pragma=busy_timeout(5000)"
	lite, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := lite.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { _ = lite.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": lite}
}

func sampleAlert(id string, status model.AlertStatus, at time.Time) model.Alert {
	return model.Alert{
		ID:        id,
		RuleID:    "pm25-high",
		StationID: "st-1",
		Snapshot: model.Snapshot{
			RuleID: "pm25-high", RuleName: "PM2.5 high", Kind: model.KindThreshold,
			Pollutant: model.PM25, Value: 60, Threshold: 55, Operator: model.OpGreaterThan,
		},
		Severity:        model.SeverityHigh,
		Message:         "pm25 60 > 55",
		Status:          status,
		TriggeredAt:     at,
		LastTriggeredAt: at,
		TriggerCount:    1,
		Channels:        []model.Channel{model.ChannelEmail},
		UpdatedAt:       at,
	}
}

func TestReadingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		aqi := 100
		for i, ts := range []time.Time{t0.Add(2 * time.Minute), t0, t0.Add(time.Minute)} {
			r := model.Reading{
				ID:             string(rune('a' + i)),
				StationID:      "st-1",
				SensorID:       "s-1",
				Timestamp:      ts,
				ReceivedAt:     t0.Add(3 * time.Minute),
				Concentrations: map[model.Pollutant]float64{model.PM25: 35.4},
				AQI:            &aqi,
				SubIndices:     map[model.Pollutant]int{model.PM25: 100},
				Category:       model.CategoryModerate,
				Dominant:       model.PM25,
				Validation:     model.ValidationValid,
			}
			if err := s.SaveReading(ctx, r); err != nil {
				t.Fatalf("%s: save reading: %v", name, err)
			}
		}
		got, err := s.ListReadings(ctx, "st-1", t0.Add(30*time.Second), 10)
		if err != nil {
			t.Fatalf("%s: list readings: %v", name, err)
		}
		if len(got) != 2 || !got[0].Timestamp.Equal(t0.Add(time.Minute)) || !got[1].Timestamp.Equal(t0.Add(2*time.Minute)) {
			t.Fatalf("%s: readings not ascending within window: %+v", name, got)
		}
		if got[0].AQI == nil || *got[0].AQI != 100 || got[0].Concentrations[model.PM25] != 35.4 || got[0].SubIndices[model.PM25] != 100 {
			t.Fatalf("%s: reading fields lost: %+v", name, got[0])
		}
		newest, _ := s.ListReadings(ctx, "st-1", time.Time{}, 1)
		if len(newest) != 1 || !newest[0].Timestamp.Equal(t0.Add(2*time.Minute)) {
			t.Fatalf("%s: limit should keep newest: %+v", name, newest)
		}
	}
}

func TestSingleOpenAlertPerRuleAndStation(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		first := sampleAlert("a1", model.AlertActive, t0)
		if err := s.CreateAlert(ctx, first); err != nil {
			t.Fatalf("%s: create: %v", name, err)
		}
		if err := s.CreateAlert(ctx, sampleAlert("a2", model.AlertActive, t0.Add(time.Minute))); !errors.Is(err, ErrOpenAlertExists) {
			t.Fatalf("%s: expected ErrOpenAlertExists, got %v", name, err)
		}
		open, err := s.FindOpenAlert(ctx, "pm25-high", "st-1")
		if err != nil || open.ID != "a1" {
			t.Fatalf("%s: find open: %+v %v", name, open, err)
		}

		resolvedAt := t0.Add(10 * time.Minute)
		first.Status = model.AlertResolved
		first.ResolvedAt = &resolvedAt
		first.ResolvedBy = "system"
		first.AutoResolved = true
		if err := s.UpdateAlert(ctx, first); err != nil {
			t.Fatalf("%s: update: %v", name, err)
		}
		if _, err := s.FindOpenAlert(ctx, "pm25-high", "st-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected no open alert, got %v", name, err)
		}
		if err := s.CreateAlert(ctx, sampleAlert("a3", model.AlertActive, t0.Add(20*time.Minute))); err != nil {
			t.Fatalf("%s: create after resolve: %v", name, err)
		}

		got, err := s.GetAlert(ctx, "a1")
		if err != nil || !got.AutoResolved || got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolvedAt) || got.Snapshot.Threshold != 55 {
			t.Fatalf("%s: get: %+v %v", name, got, err)
		}
		list, _ := s.ListAlerts(ctx, AlertFilter{Statuses: []model.AlertStatus{model.AlertActive}})
		if len(list) != 1 || list[0].ID != "a3" {
			t.Fatalf("%s: list active: %+v", name, list)
		}
		if err := s.UpdateAlert(ctx, sampleAlert("missing", model.AlertActive, t0)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound on update, got %v", name, err)
		}
	}
}

func TestJobsAndStations(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		job := model.NotificationJob{
			ID: "j1", AlertID: "a1", Channel: model.ChannelSMS, Target: "+100",
			Status: model.JobPending, CreatedAt: t0, UpdatedAt: t0,
		}
		if err := s.SaveJob(ctx, job); err != nil {
			t.Fatalf("%s: save job: %v", name, err)
		}
		pending, _ := s.ListPendingJobs(ctx, 10)
		if len(pending) != 1 || pending[0].Target != "+100" {
			t.Fatalf("%s: pending: %+v", name, pending)
		}
		sent := t0.Add(time.Second)
		job.Status, job.SentAt = model.JobSent, &sent
		if err := s.UpdateJob(ctx, job); err != nil {
			t.Fatalf("%s: update job: %v", name, err)
		}
		if pending, _ := s.ListPendingJobs(ctx, 10); len(pending) != 0 {
			t.Fatalf("%s: job still pending", name)
		}

		st := model.Station{ID: "st-1", Name: "Harbour", Status: model.StationOnline, LastHeartbeat: t0, UpdatedAt: t0}
		_ = s.UpsertStation(ctx, st)
		st.Status = model.StationOffline
		if err := s.UpsertStation(ctx, st); err != nil {
			t.Fatalf("%s: upsert: %v", name, err)
		}
		stations, _ := s.ListStations(ctx)
		if len(stations) != 1 || stations[0].Status != model.StationOffline || !stations[0].LastHeartbeat.Equal(t0) {
			t.Fatalf("%s: stations: %+v", name, stations)
		}
	}
}

func TestPostgresUniqueViolationMapsToOpenAlert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := newSQLStore(db, postgresDialect)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alerts (")).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	if err := s.CreateAlert(context.Background(), sampleAlert("a1", model.AlertActive, t0)); !errors.Is(err, ErrOpenAlertExists) {
		t.Fatalf("expected ErrOpenAlertExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresPlaceholdersAreNumbered(t *testing.T) {
	s := newSQLStore(nil, postgresDialect)
	got := s.rebind("SELECT * FROM alerts WHERE rule_id = ? AND station_id = ? LIMIT ?")
	want := "SELECT * FROM alerts WHERE rule_id = $1 AND station_id = $2 LIMIT $3"
	if got != want {
		t.Fatalf("rebind: %q", got)
	}

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	pg := newSQLStore(db, postgresDialect)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 ORDER BY created_at LIMIT $2")).
		WithArgs("pending", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "alert_id", "channel", "target", "user_id", "subject", "content", "status", "retry_count", "last_error", "created_at", "updated_at", "sent_at"}).
			AddRow("j1", "a1", "webhook", "https://hooks.example.org/x", "", "", "{}", "pending", 1, "timeout", t0.UnixNano(), t0.UnixNano(), nil))
	jobs, err := pg.ListPendingJobs(context.Background(), 5)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Channel != model.ChannelWebhook || jobs[0].RetryCount != 1 || jobs[0].SentAt != nil {
		t.Fatalf("jobs: %+v", jobs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
