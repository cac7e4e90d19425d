package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"airguard/internal/model"
	"airguard/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-z_][a-z0-9_.]*)=([^\s]+)`)
)

// Parser reads one line of a text stream: JSON, CSV or key=value pairs.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.Fields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// parsePlain handles "2026-03-01T12:00:00Z sensor=s-1 pm25=12.3 no2=40".
func parsePlain(line string) *normalize.Fields {
	fields := &normalize.Fields{Values: map[string]string{}}
	ts, rest := extractTimestamp(line)
	fields.Timestamp = ts

	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = match[2]
	}
	fields.SensorID = firstNonEmpty(kv, "sensor_id", "sensor", "sensorid", "device")
	fields.Status = firstNonEmpty(kv, "status", "state")
	if fields.Timestamp == "" {
		fields.Timestamp = firstNonEmpty(kv, "timestamp", "time", "ts")
	}
	for k, v := range kv {
		if _, ok := model.ParsePollutant(k); ok {
			fields.Values[k] = v
		}
	}
	if fields.SensorID == "" && rest != "" {
		tokens := strings.Fields(rest)
		if len(tokens) > 0 && !strings.Contains(tokens[0], "=") {
			fields.SensorID = tokens[0]
		}
	}
	return fields
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser reads sensor_id,pollutant,value[,timestamp] records. A header
// line may reorder the columns. A pollutant column of "status" turns the
// record into a liveness message.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.Fields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	columns := p.header
	if columns == nil {
		columns = []string{"sensor_id", "pollutant", "value", "timestamp"}
	}
	fields := &normalize.Fields{Values: map[string]string{}}
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		assignField(fields, name, record[i])
	}
	if strings.EqualFold(fields.Pollutant, "status") {
		fields.Status = fields.Value
		fields.Pollutant, fields.Value = "", ""
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "sensor_id", "sensor", "pollutant", "value", "timestamp", "time", "ts":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.Fields, name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	switch name {
	case "timestamp", "time", "ts":
		fields.Timestamp = value
	case "sensor_id", "sensor", "sensorid", "device":
		fields.SensorID = value
	case "pollutant", "parameter":
		fields.Pollutant = value
	case "value":
		fields.Value = value
	case "status", "state":
		fields.Status = value
	default:
		if _, ok := model.ParsePollutant(name); ok {
			fields.Values[name] = value
		}
	}
}
