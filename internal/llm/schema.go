package llm

// BuildTimecardJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a
// generic map. It is passed to the provider as a tool input schema and used
// locally to validate the returned payload.
func BuildTimecardJSONSchema() map[string]any {
	entryItem := map[string]any{
		// Compact array form: [employee, date, rate, project, department].
		"type":     "array",
		"minItems": 5,
		"maxItems": 5,
	}
	props := map[string]any{
		"employee_name":  map[string]any{"type": "string", "minLength": 1},
		"employee_count": map[string]any{"type": "integer", "minimum": 0},
		"employee_list": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"total_timecards":    map[string]any{"type": "integer", "minimum": 0},
		"total_wage":         map[string]any{"type": "number", "minimum": 0},
		"average_daily_rate": map[string]any{"type": "number", "minimum": 0},
		"pay_period_start":   datePattern(),
		"pay_period_end":     datePattern(),
		"daily_entries": map[string]any{
			"type":  "array",
			"items": entryItem,
		},
	}
	required := []string{
		"employee_name",
		"employee_count",
		"total_timecards",
		"total_wage",
		"average_daily_rate",
		"daily_entries",
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func datePattern() map[string]any {
	return map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`}
}
