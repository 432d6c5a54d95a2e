package timecard

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyEntryArrayCodec(t *testing.T) {
	var e DailyEntry
	err := json.Unmarshal([]byte(`["John Doe","2025-01-15",200.0,"Project A","Production"]`), &e)
	require.NoError(t, err)
	assert.Equal(t, DailyEntry{
		Employee:   "John Doe",
		Date:       "2025-01-15",
		Rate:       200.0,
		Project:    "Project A",
		Department: "Production",
	}, e)

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `["John Doe","2025-01-15",200,"Project A","Production"]`, string(out))
}

func TestDailyEntryToleratesSloppyInput(t *testing.T) {
	var short DailyEntry
	require.NoError(t, json.Unmarshal([]byte(`["Jane Smith","2025-01-16"]`), &short))
	assert.Equal(t, "Jane Smith", short.Employee)
	assert.Zero(t, short.Rate)
	assert.Empty(t, short.Project)

	var stringRate DailyEntry
	require.NoError(t, json.Unmarshal([]byte(`["Jane Smith","2025-01-16","240.50","P","D"]`), &stringRate))
	assert.Equal(t, 240.50, stringRate.Rate)

	var notArray DailyEntry
	assert.Error(t, json.Unmarshal([]byte(`{"employee":"x"}`), &notArray))
}

func entriesFixture() []DailyEntry {
	return []DailyEntry{
		{"John Doe", "2025-01-15", 200, "Project A", "Production"},
		{"John Doe", "2025-01-16", 200, "Project A", "Production"},
		{"Jane Smith", "2025-01-16", 240, "Project C", "Audio"},
	}
}

func TestPostProcessRecomputesAggregates(t *testing.T) {
	r := Record{
		// Provider-reported figures, deliberately wrong.
		TotalWage:        999,
		AverageDailyRate: 111,
		EmployeeCount:    7,
		TotalTimecards:   9,
		DailyEntries:     entriesFixture(),
	}
	out := PostProcess(r)

	assert.Equal(t, 3, out.TotalTimecards)
	assert.Equal(t, 3, out.TotalDays)
	assert.Equal(t, 2, out.UniqueDays)
	assert.Equal(t, 2, out.EmployeeCount)
	assert.Equal(t, []string{"Jane Smith", "John Doe"}, out.EmployeeList)
	assert.Equal(t, "Multiple Employees (2)", out.EmployeeName)
	assert.Equal(t, 640.0, out.TotalWage)
	assert.InDelta(t, 213.33, out.AverageDailyRate, 1e-9)
	assert.Equal(t, "2025-01-15", out.PayPeriodStart)
	assert.Equal(t, "2025-01-16", out.PayPeriodEnd)

	require.NotNil(t, out.Reported)
	assert.Equal(t, 999.0, out.Reported.TotalWage)
	assert.Equal(t, 111.0, out.Reported.AverageDailyRate)
	assert.Equal(t, 7, out.Reported.EmployeeCount)
	assert.Equal(t, 9, out.Reported.TotalTimecards)
}

func TestPostProcessIsIdempotent(t *testing.T) {
	r := Record{
		TotalWage:        999,
		AverageDailyRate: 111,
		DailyEntries:     entriesFixture(),
	}
	once := PostProcess(r)
	twice := PostProcess(once)
	assert.Equal(t, once, twice)
}

func TestPostProcessSingleEmployee(t *testing.T) {
	out := PostProcess(Record{DailyEntries: []DailyEntry{
		{"John Doe", "2025-01-15", 200, "Project A", "Production"},
	}})
	assert.Equal(t, "John Doe", out.EmployeeName)
	assert.Equal(t, 1, out.EmployeeCount)
}

func TestPostProcessEmptyEntries(t *testing.T) {
	r := Record{TotalWage: 500, AverageDailyRate: 250, TotalTimecards: 2}
	out := PostProcess(r)

	// Aggregates are untouched when there is nothing to recompute from, but
	// the reported snapshot is still taken for the consistency checks.
	assert.Equal(t, 500.0, out.TotalWage)
	require.NotNil(t, out.Reported)
	assert.Equal(t, 500.0, out.Reported.TotalWage)
}

func TestDegraded(t *testing.T) {
	out := Degraded(assert.AnError)
	assert.Equal(t, "Extraction Failed", out.EmployeeName)
	assert.Empty(t, out.DailyEntries)
	assert.Zero(t, out.TotalWage)
	assert.Equal(t, assert.AnError.Error(), out.Error)
}
