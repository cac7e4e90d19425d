package storage

import (
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		sensor_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		received_at INTEGER NOT NULL,
		concentrations_json TEXT NOT NULL,
		rejected_json TEXT NOT NULL,
		aqi INTEGER,
		sub_indices_json TEXT NOT NULL DEFAULT '{}',
		category TEXT NOT NULL,
		dominant TEXT NOT NULL,
		validation TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_station_ts ON readings(station_id, ts)`,
	`CREATE TABLE IF NOT EXISTS stations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		region TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		status TEXT NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		station_id TEXT NOT NULL,
		snapshot_json TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		status TEXT NOT NULL,
		triggered_at INTEGER NOT NULL,
		last_triggered_at INTEGER NOT NULL,
		trigger_count INTEGER NOT NULL,
		acknowledged_at INTEGER,
		acknowledged_by TEXT NOT NULL,
		resolved_at INTEGER,
		resolved_by TEXT NOT NULL,
		auto_resolved INTEGER NOT NULL,
		channels_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
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
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		sent_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON notification_jobs(status, created_at)`,
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:airguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer at a time; concurrent writers would only hit SQLITE_BUSY
	db.SetMaxOpenConns(1)
	return newSQLStore(db, dialect{name: "sqlite", schema: sqliteSchema, isUniqueErr: sqliteUnique}), nil
}

func sqliteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"))
}
