package repository

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkReviewCompletedPreservesUnknownFields(t *testing.T) {
	in := json.RawMessage(`{
		"custom_field": "kept",
		"validation": {
			"requires_human_review": true,
			"validation_result": "INVALID",
			"future_field": 42
		}
	}`)

	out, changed, err := markReviewCompleted(in)
	require.NoError(t, err)
	assert.True(t, changed)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "kept", m["custom_field"])
	validation := m["validation"].(map[string]any)
	assert.Equal(t, float64(42), validation["future_field"])
	assert.Equal(t, true, validation["review_completed"])
	assert.Equal(t, "REVIEWED", validation["validation_result"])
	assert.NotEmpty(t, validation["review_completed_at"])
}

func TestMarkReviewCompletedAlreadyDone(t *testing.T) {
	in := json.RawMessage(`{"validation":{"requires_human_review":true,"review_completed":true}}`)
	_, changed, err := markReviewCompleted(in)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMarkReviewCompletedPreconditions(t *testing.T) {
	cases := []struct {
		name   string
		result json.RawMessage
	}{
		{"no result", nil},
		{"no validation", json.RawMessage(`{"status":"completed"}`)},
		{"review not required", json.RawMessage(`{"validation":{"requires_human_review":false}}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := markReviewCompleted(tc.result)
			assert.Error(t, err)
		})
	}
}
