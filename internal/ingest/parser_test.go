package ingest

import (
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("2026-03-01T12:00:00Z sensor=s-1 pm25=12.3 no2=40")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.SensorID != "s-1" {
		t.Fatalf("sensor id: %s", fields.SensorID)
	}
	if fields.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("timestamp: %q", fields.Timestamp)
	}
	if fields.Values["pm25"] != "12.3" || fields.Values["no2"] != "40" {
		t.Fatalf("values: %+v", fields.Values)
	}
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("s-1,pm10,160,2026-03-01T12:00:00Z")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.SensorID != "s-1" || fields.Pollutant != "pm10" || fields.Value != "160" {
		t.Fatalf("csv parse mismatch: %+v", fields)
	}

	status, _ := p.ParseLine("s-1,status,maintenance")
	if status.Status != "maintenance" || status.Pollutant != "" {
		t.Fatalf("csv status mismatch: %+v", status)
	}
}

func TestParseCSVWithHeader(t *testing.T) {
	p := NewParser()
	if fields, _ := p.ParseLine("timestamp,sensor_id,value,pollutant"); fields != nil {
		t.Fatalf("expected header to return nil")
	}
	fields, err := p.ParseLine("2026-03-01T12:00:00Z,s-9,0.071,o3")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.SensorID != "s-9" || fields.Pollutant != "o3" || fields.Value != "0.071" {
		t.Fatalf("csv header mismatch: %+v", fields)
	}
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	line := `{"timestamp":1772366400,"sensor":"s-1","values":{"PM2.5":35.4,"co":null}}`
	fields, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.SensorID != "s-1" || fields.Timestamp != "1772366400" {
		t.Fatalf("json parse mismatch: %+v", fields)
	}
	if fields.Values["pm2.5"] != "35.4" || fields.Values["co"] != "" {
		t.Fatalf("json values: %+v", fields.Values)
	}
}

func TestParseMQTTMessage(t *testing.T) {
	fields, err := ParseMQTTMessage("sensors", "sensors/s-1/pm25", []byte(`{"value": 55.5, "timestamp": "2026-03-01T12:00:00Z"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fields.SensorID != "s-1" || fields.Pollutant != "pm25" || fields.Value != "55.5" || fields.Source != "mqtt" {
		t.Fatalf("unexpected fields: %+v", fields)
	}

	status, err := ParseMQTTMessage("sensors", "sensors/s-1/status", []byte("offline"))
	if err != nil || status.Status != "offline" || status.Pollutant != "" {
		t.Fatalf("status message: %+v %v", status, err)
	}

	if _, err := ParseMQTTMessage("sensors", "other/s-1/pm25", []byte("1")); err == nil {
		t.Fatalf("expected topic outside prefix to fail")
	}
}

func TestKafkaFieldsUseKeyAndHeader(t *testing.T) {
	m := kafka.Message{
		Key:     []byte("s-4"),
		Value:   []byte(`{"value": 12}`),
		Headers: []kafka.Header{{Key: "pollutant", Value: []byte("so2")}},
	}
	fields, err := KafkaFields(m, NewParser())
	if err != nil {
		t.Fatalf("kafka fields: %v", err)
	}
	if fields.SensorID != "s-4" || fields.Pollutant != "so2" || fields.Value != "12" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}
