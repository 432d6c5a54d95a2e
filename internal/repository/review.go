package repository

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/timecard-processor/constants"
	"github.com/joseph-ayodele/timecard-processor/internal/common"
)

// markReviewCompleted rewrites result.validation in place: review_completed,
// review_completed_at and validation_result = REVIEWED. The payload is
// handled as a generic map so fields this version does not know about are
// preserved. Returns changed=false when the review is already completed,
// which makes the operation idempotent.
func markReviewCompleted(result json.RawMessage) (json.RawMessage, bool, error) {
	if len(result) == 0 {
		return nil, false, common.FailedPreconditionError("job has no result payload")
	}
	var payload map[string]any
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, false, common.NewAppError("RESULT_DECODE", "decode result payload", err)
	}
	validation, ok := payload["validation"].(map[string]any)
	if !ok {
		return nil, false, common.FailedPreconditionError("job has no validation verdict")
	}
	if required, _ := validation["requires_human_review"].(bool); !required {
		return nil, false, common.FailedPreconditionError("job does not require human review")
	}
	if done, _ := validation["review_completed"].(bool); done {
		return nil, false, nil
	}

	validation["review_completed"] = true
	validation["review_completed_at"] = time.Now().UTC().Format(time.RFC3339)
	validation["validation_result"] = string(constants.ValidationReviewed)
	payload["validation"] = validation

	updated, err := json.Marshal(payload)
	if err != nil {
		return nil, false, common.NewAppError("RESULT_ENCODE", "encode result payload", err)
	}
	return updated, true, nil
}
