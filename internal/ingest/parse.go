package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseReadingBytes decodes one JSON reading. Field names are tolerant of
// the aliases the mill's sensor gateways emit.
func ParseReadingBytes(data []byte) (Submission, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return Submission{}, err
	}
	return ParseReadingMap(obj)
}

func ParseReadingMap(obj map[string]any) (Submission, error) {
	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[strings.ToLower(k)] = v
	}
	sub := Submission{
		EquipmentID: firstString(fields, "equipment_id", "equipment", "unit_id", "device"),
		Metric:      firstString(fields, "metric", "metric_name", "sensor", "name"),
		Unit:        firstString(fields, "unit", "uom"),
	}
	if sub.EquipmentID == "" {
		return Submission{}, errors.New("reading missing equipment id")
	}
	if sub.Metric == "" {
		return Submission{}, errors.New("reading missing metric name")
	}
	raw, ok := firstValue(fields, "value", "reading", "v")
	if !ok {
		return Submission{}, errors.New("reading missing value")
	}
	value, err := toFloat(raw)
	if err != nil {
		return Submission{}, fmt.Errorf("reading value: %w", err)
	}
	sub.Value = value
	if tsRaw := firstString(fields, "timestamp", "time", "ts"); tsRaw != "" {
		ts, err := ParseTimestamp(tsRaw)
		if err != nil {
			return Submission{}, err
		}
		sub.Timestamp = ts
	}
	return sub, nil
}

func firstString(fields map[string]any, keys ...string) string {
	if v, ok := firstValue(fields, keys...); ok {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func firstValue(fields map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

// ParseTimestamp accepts RFC3339 variants plus unix seconds or millis.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		return parseUnix(value)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
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
