package timecard

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// DailyEntry is one detail row of a timecard. On the wire it is the compact
// array form [employee, date, rate, project, department] that the extraction
// schema asks the model for.
type DailyEntry struct {
	Employee   string
	Date       string
	Rate       float64
	Project    string
	Department string
}

func (e DailyEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Employee, e.Date, e.Rate, e.Project, e.Department})
}

// UnmarshalJSON accepts arrays shorter than five elements and coerces the
// rate from either a number or a numeric string. Structural problems are
// surfaced by the consistency checks, not here, so a sloppy provider row
// still lands in the record for inspection.
func (e *DailyEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("daily entry must be an array: %w", err)
	}
	*e = DailyEntry{}
	fields := []*string{&e.Employee, nil, nil, &e.Project, &e.Department}
	for i, item := range raw {
		if i >= len(fields) {
			break
		}
		switch i {
		case 2:
			var rate float64
			if err := json.Unmarshal(item, &rate); err != nil {
				var s string
				if err := json.Unmarshal(item, &s); err == nil {
					fmt.Sscanf(s, "%f", &rate)
				}
			}
			e.Rate = rate
		case 1:
			_ = json.Unmarshal(item, &e.Date)
		default:
			_ = json.Unmarshal(item, fields[i])
		}
	}
	return nil
}

// ReportedAggregates preserves the aggregates exactly as the provider stated
// them, before recomputation overwrites the working fields. The consistency
// checks compare these against the entries so provider arithmetic errors are
// detectable after post-processing.
type ReportedAggregates struct {
	TotalWage        float64 `json:"total_wage"`
	AverageDailyRate float64 `json:"average_daily_rate"`
	EmployeeCount    int     `json:"employee_count"`
	TotalTimecards   int     `json:"total_timecards"`
}

// Record is the structured payload extracted from one timecard spreadsheet.
type Record struct {
	EmployeeName     string       `json:"employee_name"`
	EmployeeList     []string     `json:"employee_list"`
	EmployeeCount    int          `json:"employee_count"`
	TotalTimecards   int          `json:"total_timecards"`
	TotalDays        int          `json:"total_days"`
	UniqueDays       int          `json:"unique_days"`
	TotalWage        float64      `json:"total_wage"`
	AverageDailyRate float64      `json:"average_daily_rate"`
	PayPeriodStart   string       `json:"pay_period_start"`
	PayPeriodEnd     string       `json:"pay_period_end"`
	DailyEntries     []DailyEntry `json:"daily_entries"`

	// Reported is set once by PostProcess, never overwritten.
	Reported *ReportedAggregates `json:"reported_aggregates,omitempty"`

	// Error annotates a degraded record produced after extraction failure.
	Error string `json:"error,omitempty"`
}

// Degraded returns a well-formed all-zero record carrying the failure
// annotation, so a job can complete in an inspectable state instead of
// crashing the worker.
func Degraded(cause error) Record {
	return Record{
		EmployeeName: "Extraction Failed",
		EmployeeList: []string{},
		DailyEntries: []DailyEntry{},
		Error:        cause.Error(),
	}
}

// PostProcess recomputes every aggregate from DailyEntries. The provider's
// own figures are snapshotted into Reported on the first call; reprocessing
// an already-processed record is a no-op on the aggregates (pure function of
// the entries).
func PostProcess(r Record) Record {
	if r.Reported == nil {
		r.Reported = &ReportedAggregates{
			TotalWage:        r.TotalWage,
			AverageDailyRate: r.AverageDailyRate,
			EmployeeCount:    r.EmployeeCount,
			TotalTimecards:   r.TotalTimecards,
		}
	}
	if len(r.DailyEntries) == 0 {
		return r
	}

	uniqueDates := make(map[string]struct{})
	uniqueEmployees := make(map[string]struct{})
	totalWage := 0.0
	for _, e := range r.DailyEntries {
		uniqueEmployees[e.Employee] = struct{}{}
		uniqueDates[e.Date] = struct{}{}
		totalWage += e.Rate
	}

	employees := make([]string, 0, len(uniqueEmployees))
	for name := range uniqueEmployees {
		employees = append(employees, name)
	}
	sort.Strings(employees)

	dates := make([]string, 0, len(uniqueDates))
	for d := range uniqueDates {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	r.TotalTimecards = len(r.DailyEntries)
	r.TotalDays = len(r.DailyEntries)
	r.UniqueDays = len(uniqueDates)
	r.EmployeeCount = len(employees)
	r.EmployeeList = employees
	if len(employees) == 1 {
		r.EmployeeName = employees[0]
	} else {
		r.EmployeeName = fmt.Sprintf("Multiple Employees (%d)", len(employees))
	}
	r.TotalWage = round2(totalWage)
	r.AverageDailyRate = round2(totalWage / float64(len(r.DailyEntries)))
	r.PayPeriodStart = dates[0]
	r.PayPeriodEnd = dates[len(dates)-1]
	return r
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
