package reasoning

import (
	"github.com/joseph-ayodele/timecard-processor/constants"
	"github.com/joseph-ayodele/timecard-processor/internal/timecard"
)

// FallbackCheck runs basic sanity rules over a record when the external
// reasoning service is unavailable. The outcome carries a reduced
// confidence: 0.6 on a clean pass, 0.2 when any rule fires.
func FallbackCheck(r timecard.Record) *timecard.ExternalOutcome {
	var issues []string

	if r.AverageDailyRate < 0 {
		issues = append(issues, "Negative daily rate detected")
	}
	if r.TotalDays < 0 {
		issues = append(issues, "Negative total days detected")
	}
	if r.TotalDays == 0 && r.AverageDailyRate > 0 {
		issues = append(issues, "Zero days worked but positive daily rate")
	}
	if r.TotalDays > 0 && r.AverageDailyRate == 0 {
		issues = append(issues, "Days worked but zero daily rate")
	}

	action := constants.GuardrailActionNone
	result := constants.FindingValid
	confidence := 0.6
	if len(issues) > 0 {
		action = constants.GuardrailActionBlock
		result = constants.FindingInvalid
		confidence = 0.2
	}

	findings := make([]timecard.Finding, 0, len(issues))
	if len(issues) == 0 {
		findings = append(findings, timecard.Finding{
			Result:          result,
			RuleID:          "fallback_mathematical_validation",
			RuleDescription: "Basic mathematical consistency check",
		})
	}
	for _, issue := range issues {
		findings = append(findings, timecard.Finding{
			Result:          result,
			RuleID:          "fallback_mathematical_validation",
			RuleDescription: issue,
			Variables: map[string]any{
				"average_daily_rate": r.AverageDailyRate,
				"total_days":         r.TotalDays,
			},
		})
	}

	return &timecard.ExternalOutcome{
		Action:     action,
		Findings:   findings,
		Confidence: confidence,
		Method:     constants.ValidationMethodFallback,
	}
}
