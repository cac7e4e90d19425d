package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"airguard/internal/model"
	"airguard/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.Fields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap accepts flat payloads ({"sensor_id":..,"pm25":..}), single
// pollutant payloads ({"pollutant":..,"value":..}) and a nested "values"
// object.
func ParseJSONMap(obj map[string]interface{}) *normalize.Fields {
	fields := &normalize.Fields{Values: map[string]string{}}
	flat := make(map[string]string, len(obj))
	for key, val := range obj {
		k := strings.ToLower(key)
		if nested, ok := val.(map[string]interface{}); ok {
			if k == "values" || k == "concentrations" || k == "readings" {
				for pk, pv := range nested {
					fields.Values[strings.ToLower(pk)] = stringify(pv)
				}
			}
			continue
		}
		flat[k] = stringify(val)
	}
	fields.SensorID = firstNonEmpty(flat, "sensor_id", "sensor", "sensorid", "device_id", "device")
	fields.Timestamp = firstNonEmpty(flat, "timestamp", "time", "ts")
	fields.Status = firstNonEmpty(flat, "status", "state")
	fields.Pollutant = firstNonEmpty(flat, "pollutant", "parameter")
	fields.Value = firstNonEmpty(flat, "value")
	for k, v := range flat {
		if _, ok := model.ParsePollutant(k); ok {
			fields.Values[k] = v
		}
	}
	return fields
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}
