package llm

import (
	"fmt"
	"strings"
)

const extractionInstructions = `You are extracting structured wage data from an entertainment-industry timecard spreadsheet.

Rules:
- daily_entries uses COMPACT ARRAY FORMAT: [employee_name, date, daily_rate, project, department]
- Include ALL individual timecard entries in daily_entries (no limits); its length MUST equal total_timecards
- total_wage = sum of all daily rates; average_daily_rate = total_wage / total_timecards
- employee_name is the primary employee name, or "Multiple Employees" when more than one
- Dates are YYYY-MM-DD
- Use the provided tool to return the structured result`

// BuildExtractionPrompt assembles the user prompt for one tabularized file.
func BuildExtractionPrompt(req ExtractRequest) string {
	var b strings.Builder
	b.WriteString(extractionInstructions)
	if req.FilenameHint != "" {
		fmt.Fprintf(&b, "\n\nSource file: %s", req.FilenameHint)
	}
	b.WriteString("\n\nTimecard data:\n\n")
	b.WriteString(req.TabularText)
	return b.String()
}
