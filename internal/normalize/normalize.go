// Package normalize turns loosely typed transport fields into validated
// sensor messages.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"airguard/internal/config"
	"airguard/internal/model"
)

var (
	ErrNoSensor = errors.New("message has no sensor id")
	ErrNoValues = errors.New("message carries no pollutant values")
)

// Fields is what a transport could extract from one payload. Pollutant and
// Value are used by single-pollutant topics; Values by multi-pollutant
// payloads. Keys and values are still raw strings.
type Fields struct {
	SensorID  string
	Timestamp string
	Pollutant string
	Value     string
	Values    map[string]string
	Status    string
	Source    string
	Raw       string
}

func Normalize(fields Fields, cfg *config.Config) (model.SensorMessage, error) {
	return NormalizeAt(fields, cfg, time.Now().UTC())
}

func NormalizeAt(fields Fields, cfg *config.Config, now time.Time) (model.SensorMessage, error) {
	sensor := strings.TrimSpace(fields.SensorID)
	if sensor == "" {
		return model.SensorMessage{}, ErrNoSensor
	}
	msg := model.SensorMessage{
		SensorID:   sensor,
		ReceivedAt: now,
		Timestamp:  now,
		Source:     fields.Source,
	}
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, time.UTC)
		if err != nil {
			return model.SensorMessage{}, fmt.Errorf("parse timestamp: %w", err)
		}
		msg.Timestamp = parsed.UTC()
	}
	if cfg != nil {
		msg.Timestamp = clampTimestamp(msg.Timestamp, now, cfg.Ingest.MaxClockSkew, cfg.Ingest.MaxFutureSkew)
	}

	if s := strings.TrimSpace(fields.Status); s != "" {
		status, ok := model.ParseStationStatus(s)
		if !ok {
			return model.SensorMessage{}, fmt.Errorf("unknown status %q", s)
		}
		msg.Status = status
		return msg, nil
	}

	raw := make(map[string]string, len(fields.Values)+1)
	for k, v := range fields.Values {
		raw[k] = v
	}
	if fields.Pollutant != "" {
		raw[fields.Pollutant] = fields.Value
	}
	for key, value := range raw {
		p, ok := model.ParsePollutant(key)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		v, ok := ParseConcentration(value)
		if !ok {
			msg.Rejected = append(msg.Rejected, p)
			continue
		}
		if msg.Values == nil {
			msg.Values = make(map[model.Pollutant]float64)
		}
		msg.Values[p] = v
	}
	if len(msg.Values) == 0 && len(msg.Rejected) == 0 {
		return model.SensorMessage{}, ErrNoValues
	}
	sort.Slice(msg.Rejected, func(i, j int) bool { return msg.Rejected[i] < msg.Rejected[j] })
	return msg, nil
}

// ParseConcentration accepts finite, non-negative numbers.
func ParseConcentration(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

// clampTimestamp replaces device clocks that are too far off with the
// receive time.
func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}
