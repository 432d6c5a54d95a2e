package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StripCodeFences removes a surrounding markdown code fence from text a
// model returned instead of a bare JSON document.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// NormalizeRecordJSON coerces loosely-typed provider output toward the
// extraction schema: numeric strings become numbers, null aggregates become
// zero. Returns the cleaned document plus the list of adjusted keys.
func NormalizeRecordJSON(raw []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	var changed []string
	coerceFloat := func(k string) {
		switch t := m[k].(type) {
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				m[k] = f
				changed = append(changed, k)
			}
		case nil:
			if _, ok := m[k]; ok {
				m[k] = 0.0
				changed = append(changed, k)
			}
		}
	}
	coerceInt := func(k string) {
		switch t := m[k].(type) {
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				m[k] = n
				changed = append(changed, k)
			}
		case float64:
			m[k] = int(t)
		case nil:
			if _, ok := m[k]; ok {
				m[k] = 0
				changed = append(changed, k)
			}
		}
	}

	coerceFloat("total_wage")
	coerceFloat("average_daily_rate")
	coerceInt("employee_count")
	coerceInt("total_timecards")
	coerceInt("unique_days")

	if _, ok := m["daily_entries"]; !ok {
		m["daily_entries"] = []any{}
		changed = append(changed, "daily_entries")
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, changed, nil
}
