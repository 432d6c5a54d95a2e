package llm

import (
	"context"

	"github.com/joseph-ayodele/timecard-processor/internal/timecard"
)

// ExtractRequest carries everything the extractor needs for one file.
// Guardrail fields are set per call because guardrail availability is a
// runtime setting, not a process-lifetime constant.
type ExtractRequest struct {
	TabularText      string
	FilenameHint     string
	GuardrailID      string
	GuardrailVersion string
}

// ModelInfo records which model produced an extraction.
type ModelInfo struct {
	ModelID          string `json:"model_id"`
	MaxTokens        int    `json:"max_tokens"`
	GuardrailApplied bool   `json:"guardrail_applied"`
}

// Extraction is the raw provider output before post-processing.
type Extraction struct {
	Record timecard.Record
	// Raw is the provider JSON as received, after sanitation.
	Raw []byte
	// Guardrail is non-nil only when the provider ran a logical validator
	// over the response and returned a trace.
	Guardrail *timecard.ExternalOutcome
	// Method is how the structured payload was obtained: "tool_use",
	// "tool_use_with_guardrail" or "text_fallback".
	Method    string
	ModelInfo ModelInfo
}

// FieldExtractor is the interface the pipeline depends on.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, req ExtractRequest) (Extraction, error)
}
