package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"airguard/internal/model"
)

// dialect holds what differs between the SQL backends. Queries are written
// once with ? placeholders.
type dialect struct {
	name        string
	numbered    bool
	schema      []string
	isUniqueErr func(error) bool
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, dialect: d}
}

func (s *sqlStore) Init(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func nullNano(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func fromNullNano(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *sqlStore) SaveReading(ctx context.Context, r model.Reading) error {
	var aqi sql.NullInt64
	if r.AQI != nil {
		aqi = sql.NullInt64{Int64: int64(*r.AQI), Valid: true}
	}
	_, err := s.exec(ctx,
		`INSERT INTO readings (id, station_id, sensor_id, ts, received_at, concentrations_json, rejected_json, aqi, sub_indices_json, category, dominant, validation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.StationID,
		r.SensorID,
		unixNano(r.Timestamp),
		unixNano(r.ReceivedAt),
		encodeJSON(r.Concentrations),
		encodeJSON(r.Rejected),
		aqi,
		encodeJSON(r.SubIndices),
		string(r.Category),
		string(r.Dominant),
		string(r.Validation),
	)
	return err
}

func (s *sqlStore) ListReadings(ctx context.Context, stationID string, since time.Time, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.query(ctx,
		`SELECT id, station_id, sensor_id, ts, received_at, concentrations_json, rejected_json, aqi, sub_indices_json, category, dominant, validation
		FROM readings WHERE station_id = ? AND ts >= ? ORDER BY ts DESC LIMIT ?`,
		stationID, unixNano(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Reading, 0)
	for rows.Next() {
		var (
			r                  model.Reading
			ts, received       int64
			conc, rejected     string
			subIndices         string
			aqi                sql.NullInt64
			cat, dom, validity string
		)
		if err := rows.Scan(&r.ID, &r.StationID, &r.SensorID, &ts, &received, &conc, &rejected, &aqi, &subIndices, &cat, &dom, &validity); err != nil {
			return nil, err
		}
		r.Timestamp = fromNano(ts)
		r.ReceivedAt = fromNano(received)
		if err := decodeJSON(conc, &r.Concentrations); err != nil {
			return nil, err
		}
		if err := decodeJSON(rejected, &r.Rejected); err != nil {
			return nil, err
		}
		if aqi.Valid {
			v := int(aqi.Int64)
			r.AQI = &v
		}
		if err := decodeJSON(subIndices, &r.SubIndices); err != nil {
			return nil, err
		}
		r.Category = model.Category(cat)
		r.Dominant = model.Pollutant(dom)
		r.Validation = model.Validation(validity)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqlStore) UpsertStation(ctx context.Context, st model.Station) error {
	_, err := s.exec(ctx,
		`INSERT INTO stations (id, name, region, latitude, longitude, status, last_heartbeat, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			region = excluded.region,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at`,
		st.ID,
		st.Name,
		st.Region,
		st.Latitude,
		st.Longitude,
		string(st.Status),
		unixNano(st.LastHeartbeat),
		unixNano(st.UpdatedAt),
	)
	return err
}

func (s *sqlStore) ListStations(ctx context.Context) ([]model.Station, error) {
	rows, err := s.query(ctx,
		`SELECT id, name, region, latitude, longitude, status, last_heartbeat, updated_at FROM stations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Station, 0)
	for rows.Next() {
		var (
			st          model.Station
			status      string
			hb, updated int64
		)
		if err := rows.Scan(&st.ID, &st.Name, &st.Region, &st.Latitude, &st.Longitude, &status, &hb, &updated); err != nil {
			return nil, err
		}
		st.Status = model.StationStatus(status)
		st.LastHeartbeat = fromNano(hb)
		st.UpdatedAt = fromNano(updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

const alertColumns = `id, rule_id, station_id, snapshot_json, severity, message, status, triggered_at, last_triggered_at,
	trigger_count, acknowledged_at, acknowledged_by, resolved_at, resolved_by, auto_resolved, channels_json, updated_at`

func (s *sqlStore) CreateAlert(ctx context.Context, a model.Alert) error {
	_, err := s.exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.RuleID,
		a.StationID,
		encodeJSON(a.Snapshot),
		string(a.Severity),
		a.Message,
		string(a.Status),
		unixNano(a.TriggeredAt),
		unixNano(a.LastTriggeredAt),
		a.TriggerCount,
		nullNano(a.AcknowledgedAt),
		a.AcknowledgedBy,
		nullNano(a.ResolvedAt),
		a.ResolvedBy,
		boolInt(a.AutoResolved),
		encodeJSON(a.Channels),
		unixNano(a.UpdatedAt),
	)
	if err != nil && s.dialect.isUniqueErr != nil && s.dialect.isUniqueErr(err) {
		return ErrOpenAlertExists
	}
	return err
}

func (s *sqlStore) UpdateAlert(ctx context.Context, a model.Alert) error {
	res, err := s.exec(ctx,
		`UPDATE alerts SET snapshot_json = ?, severity = ?, message = ?, status = ?, last_triggered_at = ?,
			trigger_count = ?, acknowledged_at = ?, acknowledged_by = ?, resolved_at = ?, resolved_by = ?,
			auto_resolved = ?, channels_json = ?, updated_at = ?
		WHERE id = ?`,
		encodeJSON(a.Snapshot),
		string(a.Severity),
		a.Message,
		string(a.Status),
		unixNano(a.LastTriggeredAt),
		a.TriggerCount,
		nullNano(a.AcknowledgedAt),
		a.AcknowledgedBy,
		nullNano(a.ResolvedAt),
		a.ResolvedBy,
		boolInt(a.AutoResolved),
		encodeJSON(a.Channels),
		unixNano(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		if s.dialect.isUniqueErr != nil && s.dialect.isUniqueErr(err) {
			return ErrOpenAlertExists
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (model.Alert, error) {
	var (
		a                    model.Alert
		snapshot, channels   string
		severity, status     string
		triggered, last, upd int64
		acked, resolved      sql.NullInt64
		auto                 int
	)
	if err := row.Scan(&a.ID, &a.RuleID, &a.StationID, &snapshot, &severity, &a.Message, &status, &triggered, &last,
		&a.TriggerCount, &acked, &a.AcknowledgedBy, &resolved, &a.ResolvedBy, &auto, &channels, &upd); err != nil {
		return model.Alert{}, err
	}
	if err := decodeJSON(snapshot, &a.Snapshot); err != nil {
		return model.Alert{}, err
	}
	if err := decodeJSON(channels, &a.Channels); err != nil {
		return model.Alert{}, err
	}
	a.Severity = model.Severity(severity)
	a.Status = model.AlertStatus(status)
	a.TriggeredAt = fromNano(triggered)
	a.LastTriggeredAt = fromNano(last)
	a.UpdatedAt = fromNano(upd)
	a.AcknowledgedAt = fromNullNano(acked)
	a.ResolvedAt = fromNullNano(resolved)
	a.AutoResolved = auto != 0
	return a, nil
}

func (s *sqlStore) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) FindOpenAlert(ctx context.Context, ruleID, stationID string) (model.Alert, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+alertColumns+` FROM alerts
		WHERE rule_id = ? AND station_id = ? AND status IN ('active', 'acknowledged')
		ORDER BY triggered_at DESC LIMIT 1`), ruleID, stationID)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.StationID != "" {
		where = append(where, "station_id = ?")
		args = append(args, f.StationID)
	}
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if !f.TriggeredBefore.IsZero() {
		where = append(where, "triggered_at < ?")
		args = append(args, unixNano(f.TriggeredBefore))
	}
	q := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY triggered_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const jobColumns = `id, alert_id, channel, target, user_id, subject, content, status, retry_count, last_error, created_at, updated_at, sent_at`

func (s *sqlStore) SaveJob(ctx context.Context, job model.NotificationJob) error {
	_, err := s.exec(ctx,
		`INSERT INTO notification_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.AlertID,
		string(job.Channel),
		job.Target,
		job.UserID,
		job.Subject,
		job.Content,
		string(job.Status),
		job.RetryCount,
		job.LastError,
		unixNano(job.CreatedAt),
		unixNano(job.UpdatedAt),
		nullNano(job.SentAt),
	)
	return err
}

func (s *sqlStore) UpdateJob(ctx context.Context, job model.NotificationJob) error {
	res, err := s.exec(ctx,
		`UPDATE notification_jobs SET subject = ?, content = ?, status = ?, retry_count = ?, last_error = ?, updated_at = ?, sent_at = ?
		WHERE id = ?`,
		job.Subject,
		job.Content,
		string(job.Status),
		job.RetryCount,
		job.LastError,
		unixNano(job.UpdatedAt),
		nullNano(job.SentAt),
		job.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListPendingJobs(ctx context.Context, limit int) ([]model.NotificationJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.query(ctx,
		`SELECT `+jobColumns+` FROM notification_jobs WHERE status = ? ORDER BY created_at LIMIT ?`,
		string(model.JobPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.NotificationJob, 0)
	for rows.Next() {
		var (
			j                model.NotificationJob
			channel, status  string
			created, updated int64
			sent             sql.NullInt64
		)
		if err := rows.Scan(&j.ID, &j.AlertID, &channel, &j.Target, &j.UserID, &j.Subject, &j.Content, &status,
			&j.RetryCount, &j.LastError, &created, &updated, &sent); err != nil {
			return nil, err
		}
		j.Channel = model.Channel(channel)
		j.Status = model.JobStatus(status)
		j.CreatedAt = fromNano(created)
		j.UpdatedAt = fromNano(updated)
		j.SentAt = fromNullNano(sent)
		out = append(out, j)
	}
	return out, rows.Err()
}
