package normalize

import (
	"errors"
	"testing"
	"time"

	"airguard/internal/config"
	"airguard/internal/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeMultiPollutant(t *testing.T) {
	msg, err := NormalizeAt(Fields{
		SensorID:  " s-1 ",
		Timestamp: "2026-03-01T11:55:00Z",
		Values:    map[string]string{"PM2.5": "35.4", "pm10": "-3", "humidity": "40"},
		Source:    "rest",
	}, config.DefaultConfig(), now)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.SensorID != "s-1" {
		t.Fatalf("sensor id: %q", msg.SensorID)
	}
	if msg.Values[model.PM25] != 35.4 || len(msg.Values) != 1 {
		t.Fatalf("values: %+v", msg.Values)
	}
	if len(msg.Rejected) != 1 || msg.Rejected[0] != model.PM10 {
		t.Fatalf("rejected: %+v", msg.Rejected)
	}
	if !msg.Timestamp.Equal(now.Add(-5 * time.Minute)) {
		t.Fatalf("timestamp: %s", msg.Timestamp)
	}
}

func TestNormalizeSinglePollutantTopic(t *testing.T) {
	msg, err := NormalizeAt(Fields{SensorID: "s-2", Pollutant: "o3", Value: "0.07"}, nil, now)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.Values[model.O3] != 0.07 || !msg.Timestamp.Equal(now) {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestNormalizeStatusMessage(t *testing.T) {
	msg, err := NormalizeAt(Fields{SensorID: "s-1", Status: "Maintenance"}, nil, now)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if msg.Status != model.StationMaintenance || msg.Values != nil {
		t.Fatalf("unexpected status message: %+v", msg)
	}
	if _, err := NormalizeAt(Fields{SensorID: "s-1", Status: "sleepy"}, nil, now); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	if _, err := NormalizeAt(Fields{Values: map[string]string{"pm25": "1"}}, nil, now); !errors.Is(err, ErrNoSensor) {
		t.Fatalf("expected ErrNoSensor, got %v", err)
	}
	if _, err := NormalizeAt(Fields{SensorID: "s", Values: map[string]string{"humidity": "1"}}, nil, now); !errors.Is(err, ErrNoValues) {
		t.Fatalf("expected ErrNoValues, got %v", err)
	}
	if _, err := NormalizeAt(Fields{SensorID: "s", Pollutant: "pm25", Value: "1", Timestamp: "yesterday"}, nil, now); err == nil {
		t.Fatalf("expected timestamp error")
	}
}

func TestClampSkewedTimestamps(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.MaxClockSkew = time.Hour
	cfg.Ingest.MaxFutureSkew = time.Minute

	past, _ := NormalizeAt(Fields{SensorID: "s", Pollutant: "co", Value: "1", Timestamp: "2026-02-01T00:00:00Z"}, cfg, now)
	if !past.Timestamp.Equal(now) {
		t.Fatalf("past skew not clamped: %s", past.Timestamp)
	}
	future, _ := NormalizeAt(Fields{SensorID: "s", Pollutant: "co", Value: "1", Timestamp: "2026-03-01T12:30:00Z"}, cfg, now)
	if !future.Timestamp.Equal(now) {
		t.Fatalf("future skew not clamped: %s", future.Timestamp)
	}
}

func TestParseTimestampUnix(t *testing.T) {
	sec, err := ParseTimestamp("1772366400", time.UTC)
	if err != nil || !sec.Equal(now) {
		t.Fatalf("unix seconds: %s %v", sec, err)
	}
	ms, err := ParseTimestamp("1772366400000", time.UTC)
	if err != nil || !ms.Equal(now) {
		t.Fatalf("unix millis: %s %v", ms, err)
	}
}
