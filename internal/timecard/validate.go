package timecard

import (
	"fmt"
	"math"

	"github.com/joseph-ayodele/timecard-processor/constants"
)

// consistencyTolerance absorbs floating-point rounding in wage arithmetic.
const consistencyTolerance = 0.01

// Finding is one rule evaluation from a logical validator.
type Finding struct {
	Result          string         `json:"result"`
	RuleID          string         `json:"rule_id,omitempty"`
	RuleDescription string         `json:"rule_description,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
}

// ExternalOutcome is what a logical validator reports for a record. A nil
// outcome means the validator was unavailable and the verdict rests on local
// consistency checks alone.
type ExternalOutcome struct {
	Action     string
	Findings   []Finding
	Confidence float64
	Method     string
}

// MathChecks itemizes each local arithmetic check for the result payload.
type MathChecks struct {
	SumCorrect     bool `json:"sum_correct"`
	AverageCorrect bool `json:"average_correct"`
	CountCorrect   bool `json:"count_correct"`
	DataIntegrity  bool `json:"data_integrity"`
}

// Verdict is the validation section of a completed job's result.
type Verdict struct {
	ValidationResult        constants.ValidationResult `json:"validation_result"`
	ValidationIssues        []string                   `json:"validation_issues"`
	RequiresHumanReview     bool                       `json:"requires_human_review"`
	ReasoningConfidence     float64                    `json:"reasoning_confidence"`
	ReasoningFindings       []Finding                  `json:"reasoning_findings"`
	AutomatedReasoningState string                     `json:"automated_reasoning_result"`
	ValidationMethod        string                     `json:"validation_method"`
	MathematicalConsistency bool                       `json:"mathematical_consistency"`
	MathematicalValidation  MathChecks                 `json:"mathematical_validation"`
	ReviewCompleted         bool                       `json:"review_completed,omitempty"`
	ReviewCompletedAt       string                     `json:"review_completed_at,omitempty"`
}

// reportedOf returns the aggregates the checks compare entries against: the
// provider's original figures when PostProcess preserved them, otherwise the
// record's own fields.
func reportedOf(r Record) ReportedAggregates {
	if r.Reported != nil {
		return *r.Reported
	}
	return ReportedAggregates{
		TotalWage:        r.TotalWage,
		AverageDailyRate: r.AverageDailyRate,
		EmployeeCount:    r.EmployeeCount,
		TotalTimecards:   r.TotalTimecards,
	}
}

// CheckConsistency verifies the record's arithmetic identities against its
// daily entries. Every violated check contributes an issue; the list is
// never truncated to the first failure.
func CheckConsistency(r Record) (bool, []string) {
	var issues []string
	rep := reportedOf(r)

	if len(r.DailyEntries) == 0 {
		if rep.TotalWage != 0 {
			issues = append(issues, fmt.Sprintf(
				"Sum calculation error: Total wage (%.2f) ≠ Sum of daily rates (0.00)", rep.TotalWage))
		}
		if rep.AverageDailyRate != 0 {
			issues = append(issues, fmt.Sprintf(
				"Average calculation error: Reported (%.2f) ≠ Calculated (0.00)", rep.AverageDailyRate))
		}
		if rep.TotalTimecards != 0 {
			issues = append(issues, fmt.Sprintf(
				"Timecard count mismatch: Reported (%d) ≠ Daily entries length (0)", rep.TotalTimecards))
		}
		return len(issues) == 0, issues
	}

	actualSum := 0.0
	uniqueEmployees := make(map[string]struct{})
	integrityOK := true
	for _, e := range r.DailyEntries {
		actualSum += e.Rate
		uniqueEmployees[e.Employee] = struct{}{}
		if e.Employee == "" || e.Date == "" || e.Project == "" || e.Department == "" || e.Rate < 0 {
			integrityOK = false
		}
	}

	if math.Abs(actualSum-rep.TotalWage) > consistencyTolerance {
		issues = append(issues, fmt.Sprintf(
			"Sum calculation error: Total wage (%.2f) ≠ Sum of daily rates (%.2f)",
			rep.TotalWage, actualSum))
	}

	actualAvg := actualSum / float64(len(r.DailyEntries))
	if math.Abs(actualAvg-rep.AverageDailyRate) > consistencyTolerance {
		issues = append(issues, fmt.Sprintf(
			"Average calculation error: Reported (%.2f) ≠ Calculated (%.2f)",
			rep.AverageDailyRate, actualAvg))
	}

	if len(uniqueEmployees) != rep.EmployeeCount {
		issues = append(issues, fmt.Sprintf(
			"Employee count mismatch: Reported (%d) ≠ Actual unique employees (%d)",
			rep.EmployeeCount, len(uniqueEmployees)))
	}
	if len(r.DailyEntries) != rep.TotalTimecards {
		issues = append(issues, fmt.Sprintf(
			"Timecard count mismatch: Reported (%d) ≠ Daily entries length (%d)",
			rep.TotalTimecards, len(r.DailyEntries)))
	}

	if !integrityOK {
		issues = append(issues,
			"Data integrity issues: negative values, missing fields, or invalid structure")
	}

	return len(issues) == 0, issues
}

func mathChecks(r Record) MathChecks {
	rep := reportedOf(r)
	checks := MathChecks{SumCorrect: true, AverageCorrect: true, CountCorrect: true, DataIntegrity: true}

	actualSum := 0.0
	uniqueEmployees := make(map[string]struct{})
	for _, e := range r.DailyEntries {
		actualSum += e.Rate
		uniqueEmployees[e.Employee] = struct{}{}
		if e.Employee == "" || e.Date == "" || e.Project == "" || e.Department == "" || e.Rate < 0 {
			checks.DataIntegrity = false
		}
	}

	if len(r.DailyEntries) == 0 {
		checks.SumCorrect = rep.TotalWage == 0
		checks.AverageCorrect = rep.AverageDailyRate == 0
		checks.CountCorrect = rep.EmployeeCount == 0 && rep.TotalTimecards == 0
		return checks
	}
	checks.SumCorrect = math.Abs(actualSum-rep.TotalWage) <= consistencyTolerance
	checks.AverageCorrect = math.Abs(actualSum/float64(len(r.DailyEntries))-rep.AverageDailyRate) <= consistencyTolerance
	checks.CountCorrect = len(uniqueEmployees) == rep.EmployeeCount && len(r.DailyEntries) == rep.TotalTimecards
	return checks
}

// Reconcile folds local consistency issues and an optional external outcome
// into one verdict. The precedence is strict: an intervening guardrail beats
// explicit invalid findings, which beat satisfiable findings, which beat
// local issues, which beat a clean pass.
func Reconcile(localIssues []string, ext *ExternalOutcome) Verdict {
	issues := append([]string(nil), localIssues...)
	v := Verdict{
		ValidationMethod:        constants.ValidationMethodNone,
		AutomatedReasoningState: constants.GuardrailActionNone,
		MathematicalConsistency: len(localIssues) == 0,
		ReasoningConfidence:     1.0,
	}

	if ext != nil {
		v.ValidationMethod = ext.Method
		v.AutomatedReasoningState = ext.Action
		v.ReasoningFindings = ext.Findings
		if ext.Confidence > 0 {
			v.ReasoningConfidence = ext.Confidence
		}

		intervened := ext.Action == constants.GuardrailActionIntervened || ext.Action == constants.GuardrailActionBlocked
		hasInvalid, hasSatisfiable := false, false
		for _, f := range ext.Findings {
			switch f.Result {
			case string(constants.ValidationInvalid):
				hasInvalid = true
				desc := f.RuleDescription
				if desc == "" {
					desc = "Mathematical validation failed"
				}
				issues = append(issues, "Data integrity issue: "+desc)
			case string(constants.ValidationSatisfiable):
				hasSatisfiable = true
			}
		}

		switch {
		case intervened:
			v.ValidationResult = constants.ValidationInvalid
			v.ReasoningConfidence = 0.3
		case hasInvalid:
			v.ValidationResult = constants.ValidationInvalid
			if ext.Method != constants.ValidationMethodFallback {
				v.ReasoningConfidence = 0.5
			}
		case hasSatisfiable:
			v.ReasoningConfidence = 0.7
			if len(issues) > 0 {
				v.ValidationResult = constants.ValidationInvalid
			} else {
				v.ValidationResult = constants.ValidationSatisfiable
			}
		case len(issues) > 0:
			v.ValidationResult = constants.ValidationInvalid
		default:
			v.ValidationResult = constants.ValidationValid
			if ext.Method != constants.ValidationMethodFallback {
				v.ReasoningConfidence = 1.0
			}
		}
	} else {
		if len(issues) > 0 {
			v.ValidationResult = constants.ValidationInvalid
		} else {
			v.ValidationResult = constants.ValidationValid
		}
	}

	v.ValidationIssues = issues
	if v.ValidationIssues == nil {
		v.ValidationIssues = []string{}
	}
	v.RequiresHumanReview = len(issues) > 0
	return v
}

// Validate runs the full local-plus-external verdict for a record.
func Validate(r Record, ext *ExternalOutcome) Verdict {
	_, localIssues := CheckConsistency(r)
	v := Reconcile(localIssues, ext)
	v.MathematicalValidation = mathChecks(r)
	return v
}
