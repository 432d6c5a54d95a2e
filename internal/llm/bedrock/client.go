// Package bedrock implements field extraction against the Bedrock Converse
// REST API with tool use and an optional reasoning guardrail.
package bedrock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/timecard-processor/constants"
	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/llm"
	"github.com/joseph-ayodele/timecard-processor/internal/timecard"
)

// Config configures the Converse client.
type Config struct {
	ModelID          string
	Region           string
	Endpoint         string // override for testing; default is the regional endpoint
	Temperature      float32
	MaxRetries       int
	GuardrailID      string
	GuardrailVersion string
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// Client calls the Converse API directly over HTTP with SigV4 signing.
type Client struct {
	cfg    Config
	creds  aws.CredentialsProvider
	signer *v4.Signer
	http   *http.Client
	log    *slog.Logger
}

var _ llm.FieldExtractor = (*Client)(nil)

// Per-model output token ceilings; unknown models get the default.
var modelTokenLimits = map[string]int{
	"us.anthropic.claude-opus-4-1-20250805-v1:0":   32000,
	"us.anthropic.claude-sonnet-4-20250514-v1:0":   32000,
	"us.anthropic.claude-3-7-sonnet-20250219-v1:0": 32000,
	"anthropic.claude-3-sonnet-20240229-v1:0":      16000,
}

const defaultMaxTokens = 32000

func maxTokensForModel(modelID string) int {
	if n, ok := modelTokenLimits[modelID]; ok {
		return n
	}
	return defaultMaxTokens
}

// New resolves AWS credentials from the default chain and returns a client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ModelID == "" {
		return nil, common.WrapError(common.ErrInvalidInput, "model id is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, common.NewAppError("LLM_INIT", "load aws config", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{
		cfg:    cfg,
		creds:  awsCfg.Credentials,
		signer: v4.NewSigner(),
		http:   httpClient,
		log:    cfg.Logger,
	}, nil
}

type converseRequest struct {
	Messages        []converseMessage `json:"messages"`
	ToolConfig      *toolConfig       `json:"toolConfig,omitempty"`
	InferenceConfig inferenceConfig   `json:"inferenceConfig"`
	GuardrailConfig *guardrailConfig  `json:"guardrailConfig,omitempty"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Text    string        `json:"text,omitempty"`
	ToolUse *toolUseBlock `json:"toolUse,omitempty"`
}

type toolUseBlock struct {
	ToolUseID string          `json:"toolUseId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input"`
}

type toolConfig struct {
	Tools []toolEntry `json:"tools"`
}

type toolEntry struct {
	ToolSpec toolSpec `json:"toolSpec"`
}

type toolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type inferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"topP"`
}

type guardrailConfig struct {
	GuardrailIdentifier string `json:"guardrailIdentifier"`
	GuardrailVersion    string `json:"guardrailVersion"`
	Trace               string `json:"trace"`
}

type converseResponse struct {
	Output struct {
		Message converseMessage `json:"message"`
	} `json:"output"`
	StopReason string          `json:"stopReason"`
	Trace      json.RawMessage `json:"trace,omitempty"`
}

// ExtractFields runs one tool-use extraction over the tabular text. Rate
// limits are retried with exponential backoff and jitter; every other error
// surfaces immediately.
func (c *Client) ExtractFields(ctx context.Context, req llm.ExtractRequest) (llm.Extraction, error) {
	maxTokens := maxTokensForModel(c.cfg.ModelID)
	body := converseRequest{
		Messages: []converseMessage{{
			Role:    "user",
			Content: []contentBlock{{Text: llm.BuildExtractionPrompt(req)}},
		}},
		ToolConfig: &toolConfig{Tools: []toolEntry{{ToolSpec: toolSpec{
			Name:        "record_timecard_data",
			Description: "Record the structured wage data extracted from a timecard",
			InputSchema: map[string]any{"json": llm.BuildTimecardJSONSchema()},
		}}}},
		InferenceConfig: inferenceConfig{
			MaxTokens:   maxTokens,
			Temperature: c.cfg.Temperature,
			TopP:        1,
		},
	}
	guardrailID := req.GuardrailID
	version := req.GuardrailVersion
	if guardrailID == "" {
		guardrailID = c.cfg.GuardrailID
		version = c.cfg.GuardrailVersion
	}
	if guardrailID != "" {
		if version == "" {
			version = "DRAFT"
		}
		body.GuardrailConfig = &guardrailConfig{
			GuardrailIdentifier: guardrailID,
			GuardrailVersion:    version,
			Trace:               "enabled",
		}
	}

	resp, err := c.converseWithRetry(ctx, body)
	if err != nil {
		return llm.Extraction{}, err
	}
	return c.decode(resp, maxTokens)
}

func (c *Client) endpoint() string {
	if c.cfg.Endpoint != "" {
		return c.cfg.Endpoint
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", c.cfg.Region)
}

func (c *Client) converseWithRetry(ctx context.Context, body converseRequest) (*converseResponse, error) {
	baseDelay := time.Second
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		resp, retryable, err := c.converse(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable || attempt == c.cfg.MaxRetries-1 {
			break
		}
		delay := baseDelay*(1<<attempt) + time.Duration(rand.Float64()*float64(time.Second))
		c.log.Warn("rate limited, retrying",
			"delay", delay, "attempt", attempt+1, "max_retries", c.cfg.MaxRetries)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) converse(ctx context.Context, body converseRequest) (*converseResponse, bool, error) {
	reqID := uuid.New().String()
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, false, common.NewAppError("LLM_ENCODE", "encode converse request", err)
	}
	target := fmt.Sprintf("%s/model/%s/converse", c.endpoint(), url.PathEscape(c.cfg.ModelID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(bs))
	if err != nil {
		return nil, false, common.NewAppError("LLM_REQUEST", "build converse request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	hash := sha256.Sum256(bs)
	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return nil, false, common.NewAppError("LLM_AUTH", "resolve aws credentials", err)
	}
	if err := c.signer.SignHTTP(ctx, creds, httpReq, hex.EncodeToString(hash[:]),
		"bedrock", c.cfg.Region, time.Now()); err != nil {
		return nil, false, common.NewAppError("LLM_AUTH", "sign converse request", err)
	}

	start := time.Now()
	c.log.Info("llm.converse.request", "req_id", reqID, "model_id", c.cfg.ModelID, "content_length", len(bs))
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, false, common.NewAppError("LLM_SEND", "send converse request", err)
	}
	defer httpResp.Body.Close()
	raw, _ := io.ReadAll(httpResp.Body)
	c.log.Info("llm.converse.response",
		"req_id", reqID, "status", httpResp.StatusCode,
		"bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())

	if httpResp.StatusCode/100 != 2 {
		if isThrottle(httpResp.StatusCode, raw) {
			return nil, true, common.WrapError(common.ErrRateLimited,
				fmt.Sprintf("converse returned %d", httpResp.StatusCode))
		}
		return nil, false, common.NewAppError("LLM_STATUS",
			fmt.Sprintf("converse returned %d: %s", httpResp.StatusCode, truncate(raw, 256)), nil)
	}
	var resp converseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, common.NewAppError("LLM_DECODE", "decode converse response", err)
	}
	return &resp, false, nil
}

func isThrottle(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	s := string(body)
	return strings.Contains(s, "ThrottlingException") || strings.Contains(s, "TooManyRequestsException")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// decode pulls the structured payload out of the response, preferring tool
// use and falling back to JSON embedded in a text block, then normalizes and
// validates it against the extraction schema.
func (c *Client) decode(resp *converseResponse, maxTokens int) (llm.Extraction, error) {
	var rawPayload []byte
	method := "tool_use"
	for _, block := range resp.Output.Message.Content {
		if block.ToolUse != nil && len(block.ToolUse.Input) > 0 {
			rawPayload = block.ToolUse.Input
			break
		}
	}
	if rawPayload == nil {
		for _, block := range resp.Output.Message.Content {
			if text := strings.TrimSpace(block.Text); text != "" {
				rawPayload = []byte(llm.StripCodeFences(text))
				method = "text_fallback"
				break
			}
		}
	}
	if rawPayload == nil {
		return llm.Extraction{}, common.WrapError(common.ErrExtraction,
			"no tool use or text content in response")
	}

	cleaned, changed, err := llm.NormalizeRecordJSON(rawPayload)
	if err != nil {
		return llm.Extraction{}, common.WrapError(common.ErrExtraction, err.Error())
	}
	if len(changed) > 0 {
		c.log.Debug("normalized provider payload", "fields", changed)
	}
	if err := llm.ValidateRecordJSON(cleaned); err != nil {
		return llm.Extraction{}, common.WrapError(common.ErrExtraction, err.Error())
	}

	var record timecard.Record
	if err := json.Unmarshal(cleaned, &record); err != nil {
		return llm.Extraction{}, common.WrapError(common.ErrExtraction, err.Error())
	}

	guardrail := decodeGuardrailTrace(resp.Trace)
	if guardrail != nil {
		method = "tool_use_with_guardrail"
	}
	return llm.Extraction{
		Record:    record,
		Raw:       cleaned,
		Guardrail: guardrail,
		Method:    method,
		ModelInfo: llm.ModelInfo{
			ModelID:          c.cfg.ModelID,
			MaxTokens:        maxTokens,
			GuardrailApplied: guardrail != nil,
		},
	}, nil
}

// decodeGuardrailTrace walks the loosely-structured guardrail trace for the
// action and any automated-reasoning findings. Absent or unrecognized traces
// yield nil.
func decodeGuardrailTrace(trace json.RawMessage) *timecard.ExternalOutcome {
	if len(trace) == 0 {
		return nil
	}
	var t map[string]any
	if err := json.Unmarshal(trace, &t); err != nil {
		return nil
	}
	g, ok := t["guardrail"].(map[string]any)
	if !ok {
		return nil
	}
	out := &timecard.ExternalOutcome{
		Action: constants.GuardrailActionNone,
		Method: constants.ValidationMethodReasoning,
	}
	if action, ok := g["action"].(string); ok && action != "" {
		out.Action = action
	}
	if mo, ok := g["modelOutput"].(map[string]any); ok {
		if assessments, ok := mo["assessments"].(map[string]any); ok {
			if ar, ok := assessments["automatedReasoning"].(map[string]any); ok {
				if findings, ok := ar["findings"].([]any); ok {
					for _, f := range findings {
						fm, ok := f.(map[string]any)
						if !ok {
							continue
						}
						finding := timecard.Finding{}
						finding.Result, _ = fm["result"].(string)
						finding.RuleID, _ = fm["ruleId"].(string)
						finding.RuleDescription, _ = fm["ruleDescription"].(string)
						out.Findings = append(out.Findings, finding)
					}
				}
			}
		}
	}
	return out
}
