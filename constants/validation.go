package constants

// ValidationResult classifies an extracted record after consistency checking.
// It is recomputed on every pipeline run, not a mutable state.
type ValidationResult string

const (
	ValidationValid       ValidationResult = "VALID"
	ValidationInvalid     ValidationResult = "INVALID"
	ValidationSatisfiable ValidationResult = "SATISFIABLE"
	ValidationNeedsReview ValidationResult = "REQUIRES_HUMAN_REVIEW"
	ValidationTooComplex  ValidationResult = "TOO_COMPLEX"
	// ValidationReviewed is written only by the complete-review operation.
	ValidationReviewed ValidationResult = "REVIEWED"
)

// Guardrail actions reported by the logical validator.
const (
	GuardrailActionNone       = "NONE"
	GuardrailActionIntervened = "GUARDRAIL_INTERVENED"
	GuardrailActionBlocked    = "BLOCKED"
	GuardrailActionBlock      = "BLOCK"
)

// Finding result tags from the logical validator.
const (
	FindingValid       = "VALID"
	FindingInvalid     = "INVALID"
	FindingSatisfiable = "SATISFIABLE"
)

// Validation methods recorded on the verdict.
const (
	ValidationMethodReasoning = "automated_reasoning"
	ValidationMethodFallback  = "fallback"
	ValidationMethodNone      = "none"
)
