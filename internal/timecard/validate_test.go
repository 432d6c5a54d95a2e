package timecard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/timecard-processor/constants"
)

func record(totalWage, avg float64, entries ...DailyEntry) Record {
	employees := map[string]struct{}{}
	for _, e := range entries {
		employees[e.Employee] = struct{}{}
	}
	return Record{
		TotalWage:        totalWage,
		AverageDailyRate: avg,
		EmployeeCount:    len(employees),
		TotalTimecards:   len(entries),
		DailyEntries:     entries,
	}
}

func TestCheckConsistencyDetectsSumMismatch(t *testing.T) {
	r := record(800, 400,
		DailyEntry{"A", "2025-01-01", 300, "P", "D"},
		DailyEntry{"B", "2025-01-02", 400, "P", "D"},
	)
	ok, issues := CheckConsistency(r)
	assert.False(t, ok)
	require.NotEmpty(t, issues)

	joined := strings.Join(issues, "\n")
	assert.Contains(t, joined, "800.00")
	assert.Contains(t, joined, "700.00")
}

func TestCheckConsistencyValidRecord(t *testing.T) {
	r := record(700, 350,
		DailyEntry{"A", "2025-01-01", 300, "P", "D"},
		DailyEntry{"B", "2025-01-02", 400, "P", "D"},
	)
	ok, issues := CheckConsistency(r)
	assert.True(t, ok)
	assert.Empty(t, issues)
}

func TestCheckConsistencyToleratesRounding(t *testing.T) {
	r := record(700.009, 350.004,
		DailyEntry{"A", "2025-01-01", 300, "P", "D"},
		DailyEntry{"B", "2025-01-02", 400, "P", "D"},
	)
	ok, issues := CheckConsistency(r)
	assert.True(t, ok, "differences within 0.01 are rounding, not errors: %v", issues)
}

func TestCheckConsistencyAccumulatesEveryViolation(t *testing.T) {
	r := Record{
		TotalWage:        1000, // sum is 700
		AverageDailyRate: 500,  // avg is 350
		EmployeeCount:    5,    // 2 unique
		TotalTimecards:   9,    // 2 entries
		DailyEntries: []DailyEntry{
			{"A", "2025-01-01", 300, "P", "D"},
			{"B", "2025-01-02", 400, "P", "D"},
		},
	}
	ok, issues := CheckConsistency(r)
	assert.False(t, ok)
	assert.Len(t, issues, 4, "sum, average, employee count and timecard count all reported")
}

func TestCheckConsistencyMalformedEntries(t *testing.T) {
	r := record(300, 150,
		DailyEntry{"A", "2025-01-01", 400, "P", "D"},
		DailyEntry{"", "2025-01-02", -100, "", ""},
	)
	ok, issues := CheckConsistency(r)
	assert.False(t, ok)
	assert.Contains(t, strings.Join(issues, "\n"), "Data integrity issues")
}

func TestCheckConsistencyEmptyEntries(t *testing.T) {
	ok, issues := CheckConsistency(Record{})
	assert.True(t, ok)
	assert.Empty(t, issues)

	ok, issues = CheckConsistency(Record{TotalWage: 100, TotalTimecards: 1})
	assert.False(t, ok)
	assert.NotEmpty(t, issues)
}

func TestCheckConsistencyUsesReportedAggregates(t *testing.T) {
	// After post-processing the working aggregates are correct; the checks
	// must still flag the provider's original arithmetic error.
	r := PostProcess(record(800, 400,
		DailyEntry{"A", "2025-01-01", 300, "P", "D"},
		DailyEntry{"B", "2025-01-02", 400, "P", "D"},
	))
	assert.Equal(t, 700.0, r.TotalWage, "recomputed")

	ok, issues := CheckConsistency(r)
	assert.False(t, ok)
	assert.Contains(t, strings.Join(issues, "\n"), "800.00")
}

func TestReconcileGuardrailIntervened(t *testing.T) {
	v := Reconcile(nil, &ExternalOutcome{
		Action: constants.GuardrailActionIntervened,
		Method: constants.ValidationMethodReasoning,
	})
	assert.Equal(t, constants.ValidationInvalid, v.ValidationResult)
	assert.Equal(t, 0.3, v.ReasoningConfidence)
}

func TestReconcileInvalidFindings(t *testing.T) {
	v := Reconcile(nil, &ExternalOutcome{
		Action: constants.GuardrailActionNone,
		Method: constants.ValidationMethodReasoning,
		Findings: []Finding{
			{Result: constants.FindingInvalid, RuleDescription: "total wage must equal entry sum"},
		},
	})
	assert.Equal(t, constants.ValidationInvalid, v.ValidationResult)
	assert.Equal(t, 0.5, v.ReasoningConfidence)
	assert.True(t, v.RequiresHumanReview)
	require.Len(t, v.ValidationIssues, 1)
	assert.Contains(t, v.ValidationIssues[0], "total wage must equal entry sum")
}

func TestReconcileSatisfiableFindings(t *testing.T) {
	ext := &ExternalOutcome{
		Method:   constants.ValidationMethodReasoning,
		Findings: []Finding{{Result: constants.FindingSatisfiable}},
	}

	clean := Reconcile(nil, ext)
	assert.Equal(t, constants.ValidationSatisfiable, clean.ValidationResult)
	assert.Equal(t, 0.7, clean.ReasoningConfidence)
	assert.False(t, clean.RequiresHumanReview)

	dirty := Reconcile([]string{"Sum calculation error"}, ext)
	assert.Equal(t, constants.ValidationInvalid, dirty.ValidationResult)
	assert.True(t, dirty.RequiresHumanReview)
}

func TestReconcileLocalIssuesOverrideCleanExternalPass(t *testing.T) {
	v := Reconcile([]string{"Sum calculation error"}, &ExternalOutcome{
		Method:   constants.ValidationMethodReasoning,
		Findings: []Finding{{Result: constants.FindingValid}},
	})
	assert.Equal(t, constants.ValidationInvalid, v.ValidationResult)
	assert.True(t, v.RequiresHumanReview)
	assert.False(t, v.MathematicalConsistency)
}

func TestReconcileCleanPass(t *testing.T) {
	v := Reconcile(nil, &ExternalOutcome{
		Method:   constants.ValidationMethodReasoning,
		Findings: []Finding{{Result: constants.FindingValid}},
	})
	assert.Equal(t, constants.ValidationValid, v.ValidationResult)
	assert.Equal(t, 1.0, v.ReasoningConfidence)
	assert.False(t, v.RequiresHumanReview)
	assert.Empty(t, v.ValidationIssues)
}

func TestReconcileWithoutExternalValidator(t *testing.T) {
	clean := Reconcile(nil, nil)
	assert.Equal(t, constants.ValidationValid, clean.ValidationResult)
	assert.Equal(t, constants.ValidationMethodNone, clean.ValidationMethod)

	dirty := Reconcile([]string{"Sum calculation error"}, nil)
	assert.Equal(t, constants.ValidationInvalid, dirty.ValidationResult)
	assert.True(t, dirty.RequiresHumanReview)
}

func TestReconcileFallbackConfidencePassesThrough(t *testing.T) {
	clean := Reconcile(nil, &ExternalOutcome{
		Action:     constants.GuardrailActionNone,
		Method:     constants.ValidationMethodFallback,
		Confidence: 0.6,
		Findings:   []Finding{{Result: constants.FindingValid}},
	})
	assert.Equal(t, constants.ValidationValid, clean.ValidationResult)
	assert.Equal(t, 0.6, clean.ReasoningConfidence)

	dirty := Reconcile(nil, &ExternalOutcome{
		Action:     constants.GuardrailActionBlock,
		Method:     constants.ValidationMethodFallback,
		Confidence: 0.2,
		Findings:   []Finding{{Result: constants.FindingInvalid, RuleDescription: "Negative daily rate detected"}},
	})
	assert.Equal(t, constants.ValidationInvalid, dirty.ValidationResult)
	assert.Equal(t, 0.2, dirty.ReasoningConfidence)
	assert.True(t, dirty.RequiresHumanReview)
}

func TestValidateFillsMathChecks(t *testing.T) {
	v := Validate(record(800, 400,
		DailyEntry{"A", "2025-01-01", 300, "P", "D"},
		DailyEntry{"B", "2025-01-02", 400, "P", "D"},
	), nil)
	assert.Equal(t, constants.ValidationInvalid, v.ValidationResult)
	assert.False(t, v.MathematicalValidation.SumCorrect)
	assert.False(t, v.MathematicalValidation.AverageCorrect)
	assert.True(t, v.MathematicalValidation.CountCorrect)
	assert.True(t, v.MathematicalValidation.DataIntegrity)
}
