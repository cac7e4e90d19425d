package storage

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const pgUniqueViolation = "23505"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		sensor_id TEXT NOT NULL,
		ts BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		concentrations_json JSONB NOT NULL,
		rejected_json JSONB NOT NULL,
		aqi INTEGER,
		sub_indices_json JSONB NOT NULL DEFAULT '{}',
		category TEXT NOT NULL,
		dominant TEXT NOT NULL,
		validation TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_station_ts ON readings(station_id, ts)`,
	`CREATE TABLE IF NOT EXISTS stations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		region TEXT NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		last_heartbeat BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		station_id TEXT NOT NULL,
		snapshot_json JSONB NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		status TEXT NOT NULL,
		triggered_at BIGINT NOT NULL,
		last_triggered_at BIGINT NOT NULL,
		trigger_count INTEGER NOT NULL,
		acknowledged_at BIGINT,
		acknowledged_by TEXT NOT NULL,
		resolved_at BIGINT,
		resolved_by TEXT NOT NULL,
		auto_resolved INTEGER NOT NULL,
		channels_json JSONB NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_triggered ON alerts(triggered_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open ON alerts(rule_id, station_id)
		WHERE status IN ('active', 'acknowledged')`,
	`CREATE TABLE IF NOT EXISTS notification_jobs (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		target TEXT NOT NULL,
		user_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		sent_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON notification_jobs(status, created_at)`,
}

var postgresDialect = dialect{name: "postgres", numbered: true, schema: postgresSchema, isUniqueErr: postgresUnique}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/airguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, postgresDialect), nil
}

func postgresUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
