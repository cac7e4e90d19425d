package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"airguard/internal/config"
	"airguard/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrOpenAlertExists is returned by CreateAlert when an active or
	// acknowledged alert already exists for the same rule and station.
	ErrOpenAlertExists = errors.New("open alert already exists for rule and station")
)

type AlertFilter struct {
	Statuses        []model.AlertStatus
	StationID       string
	RuleID          string
	TriggeredBefore time.Time
	Limit           int
}

type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	SaveReading(ctx context.Context, r model.Reading) error
	// ListReadings returns up to limit of the newest readings of a station
	// taken at or after since, in ascending timestamp order.
	ListReadings(ctx context.Context, stationID string, since time.Time, limit int) ([]model.Reading, error)

	UpsertStation(ctx context.Context, st model.Station) error
	ListStations(ctx context.Context) ([]model.Station, error)

	CreateAlert(ctx context.Context, a model.Alert) error
	UpdateAlert(ctx context.Context, a model.Alert) error
	GetAlert(ctx context.Context, id string) (model.Alert, error)
	FindOpenAlert(ctx context.Context, ruleID, stationID string) (model.Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error)

	SaveJob(ctx context.Context, job model.NotificationJob) error
	UpdateJob(ctx context.Context, job model.NotificationJob) error
	ListPendingJobs(ctx context.Context, limit int) ([]model.NotificationJob, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

const defaultListLimit = 1000

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON(raw string, out any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func containsStatus(list []model.AlertStatus, s model.AlertStatus) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
