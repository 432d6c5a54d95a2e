package bedrock

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/timecard-processor/constants"
	"github.com/joseph-ayodele/timecard-processor/internal/llm"
)

func testClient(endpoint string, httpClient *http.Client) *Client {
	return &Client{
		cfg: Config{
			ModelID:    "anthropic.claude-3-5-sonnet-20240620-v1:0",
			Region:     "us-east-1",
			Endpoint:   endpoint,
			MaxRetries: 3,
		},
		creds:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		signer: v4.NewSigner(),
		http:   httpClient,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestMaxTokensForModel(t *testing.T) {
	assert.Equal(t, 16000, maxTokensForModel("anthropic.claude-3-sonnet-20240229-v1:0"))
	assert.Equal(t, 32000, maxTokensForModel("us.anthropic.claude-sonnet-4-20250514-v1:0"))
	assert.Equal(t, defaultMaxTokens, maxTokensForModel("some.future-model-v9:0"))
}

func TestIsThrottle(t *testing.T) {
	assert.True(t, isThrottle(429, nil))
	assert.True(t, isThrottle(400, []byte(`{"__type":"ThrottlingException"}`)))
	assert.True(t, isThrottle(400, []byte(`{"__type":"TooManyRequestsException"}`)))
	assert.False(t, isThrottle(400, []byte(`{"__type":"ValidationException"}`)))
	assert.False(t, isThrottle(500, []byte(`internal error`)))
}

const toolUseInput = `{
	"employee_name": "John Doe",
	"employee_count": 1,
	"total_timecards": 1,
	"total_wage": 200,
	"average_daily_rate": 200,
	"daily_entries": [["John Doe","2025-01-15",200,"Project A","Production"]]
}`

func toolUseResponse(trace string) string {
	resp := `{
		"output": {"message": {"role": "assistant", "content": [
			{"toolUse": {"toolUseId": "t1", "name": "record_timecard_data", "input": ` + toolUseInput + `}}
		]}},
		"stopReason": "tool_use"`
	if trace != "" {
		resp += `, "trace": ` + trace
	}
	return resp + `}`
}

func TestExtractFieldsToolUse(t *testing.T) {
	var gotBody converseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"), "request must be signed")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, toolUseResponse(""))
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.Client())
	out, err := c.ExtractFields(context.Background(), llm.ExtractRequest{
		TabularText:  "| Employee | Date |",
		FilenameHint: "january.xlsx",
	})
	require.NoError(t, err)

	assert.Equal(t, "tool_use", out.Method)
	assert.Equal(t, "John Doe", out.Record.EmployeeName)
	assert.Equal(t, 200.0, out.Record.TotalWage)
	require.Len(t, out.Record.DailyEntries, 1)
	assert.Nil(t, out.Guardrail)
	assert.False(t, out.ModelInfo.GuardrailApplied)

	require.NotNil(t, gotBody.ToolConfig)
	require.Len(t, gotBody.ToolConfig.Tools, 1)
	assert.Equal(t, "record_timecard_data", gotBody.ToolConfig.Tools[0].ToolSpec.Name)
	assert.Nil(t, gotBody.GuardrailConfig)
}

func TestExtractFieldsAttachesGuardrail(t *testing.T) {
	trace := `{"guardrail": {
		"action": "NONE",
		"modelOutput": {"assessments": {"automatedReasoning": {"findings": [
			{"result": "VALID", "ruleId": "wage_sum", "ruleDescription": "Total wage equals entry sum"}
		]}}}
	}}`
	var gotBody converseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, toolUseResponse(trace))
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.Client())
	out, err := c.ExtractFields(context.Background(), llm.ExtractRequest{
		TabularText: "| x |",
		GuardrailID: "gr-123",
	})
	require.NoError(t, err)

	require.NotNil(t, gotBody.GuardrailConfig)
	assert.Equal(t, "gr-123", gotBody.GuardrailConfig.GuardrailIdentifier)
	assert.Equal(t, "DRAFT", gotBody.GuardrailConfig.GuardrailVersion)
	assert.Equal(t, "enabled", gotBody.GuardrailConfig.Trace)

	assert.Equal(t, "tool_use_with_guardrail", out.Method)
	assert.True(t, out.ModelInfo.GuardrailApplied)
	require.NotNil(t, out.Guardrail)
	assert.Equal(t, constants.GuardrailActionNone, out.Guardrail.Action)
	assert.Equal(t, constants.ValidationMethodReasoning, out.Guardrail.Method)
	require.Len(t, out.Guardrail.Findings, 1)
	assert.Equal(t, constants.FindingValid, out.Guardrail.Findings[0].Result)
	assert.Equal(t, "wage_sum", out.Guardrail.Findings[0].RuleID)
}

func TestExtractFieldsTextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"output": map[string]any{"message": map[string]any{
				"role": "assistant",
				"content": []map[string]any{
					{"text": "```json\n" + toolUseInput + "\n```"},
				},
			}},
			"stopReason": "end_turn",
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.Client())
	out, err := c.ExtractFields(context.Background(), llm.ExtractRequest{TabularText: "| x |"})
	require.NoError(t, err)
	assert.Equal(t, "text_fallback", out.Method)
	assert.Equal(t, "John Doe", out.Record.EmployeeName)
}

func TestExtractFieldsRetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"__type":"ThrottlingException"}`)
			return
		}
		io.WriteString(w, toolUseResponse(""))
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.Client())
	out, err := c.ExtractFields(context.Background(), llm.ExtractRequest{TabularText: "| x |"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "John Doe", out.Record.EmployeeName)
}

func TestExtractFieldsSurfacesHardErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"__type":"ValidationException"}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.Client())
	_, err := c.ExtractFields(context.Background(), llm.ExtractRequest{TabularText: "| x |"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestExtractFieldsRejectsSchemaViolations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"output": {"message": {"role": "assistant", "content": [
				{"toolUse": {"toolUseId": "t1", "name": "record_timecard_data",
					"input": {"employee_name": ""}}}
			]}},
			"stopReason": "tool_use"
		}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL, srv.Client())
	_, err := c.ExtractFields(context.Background(), llm.ExtractRequest{TabularText: "| x |"})
	assert.Error(t, err)
}

func TestDecodeRejectsEmptyContent(t *testing.T) {
	c := testClient("", nil)
	_, err := c.decode(&converseResponse{}, defaultMaxTokens)
	assert.Error(t, err)
}

func TestDecodeGuardrailTrace(t *testing.T) {
	t.Run("no trace", func(t *testing.T) {
		assert.Nil(t, decodeGuardrailTrace(nil))
	})
	t.Run("unrecognized shape", func(t *testing.T) {
		assert.Nil(t, decodeGuardrailTrace(json.RawMessage(`{"other":{}}`)))
	})
	t.Run("intervention without findings", func(t *testing.T) {
		out := decodeGuardrailTrace(json.RawMessage(`{"guardrail":{"action":"GUARDRAIL_INTERVENED"}}`))
		require.NotNil(t, out)
		assert.Equal(t, constants.GuardrailActionIntervened, out.Action)
		assert.Empty(t, out.Findings)
	})
}
