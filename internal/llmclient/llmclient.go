// Package llmclient implements the LLM Client (spec §4.6): structured
// output request shaping, the preset x model fallback cascade, long-context
// routing, and provider retries. Grounded on the teacher's llm.go chat
// request/response shapes and API-key fallback, generalized onto the
// centralized internal/retry helper instead of an ad hoc retry loop.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anatolykoptev/digestor/internal/config"
	"github.com/anatolykoptev/digestor/internal/httpx"
	"github.com/anatolykoptev/digestor/internal/metrics"
	"github.com/anatolykoptev/digestor/internal/model"
	"github.com/anatolykoptev/digestor/internal/retry"
)

// Client issues chat-completion requests against the configured provider.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

func New(cfg config.Config) *Client {
	return &Client{cfg: cfg, hc: httpx.LLM(cfg.LLMTimeout)}
}

// Request is the input to Call: a built messages list and the contract
// schema the response must conform to.
type Request struct {
	Messages      []model.ChatMessage
	Schema        map[string]any
	InputTokens   int // approximate; drives long-context routing
	CorrelationID string

	// OnAttempt, if set, is invoked synchronously with each Attempt right
	// after it completes and before the next one in the cascade is issued,
	// so a caller can persist it durably before any further call is made.
	OnAttempt func(Attempt)
}

// Attempt is one recorded (model, preset) call, successful or not.
type Attempt struct {
	Model        string
	Preset       model.Preset
	RequestBody  []byte // persisted verbatim; never includes the Authorization header
	ResponseText string
	ResponseObj  map[string]any
	LatencyMS    int64
	Status       model.LLMCallStatus
	ErrorText    string
}

// Result is returned by Call: the winning attempt (if any), plus the full
// attempt history for persistence via store.RecordLLMCall.
type Result struct {
	Best     *Attempt
	Attempts []Attempt
}

type presetParams struct {
	preset        model.Preset
	temperature   float64
	topP          float64
	schemaMode    bool // true: response_format=json_schema, false: json_object
}

// Call runs the preset cascade for the primary model, then the model
// fallback cascade (each inheriting json_object_fallback), unless the
// input is routed straight to the long-context model (spec §4.6).
func (c *Client) Call(ctx context.Context, req Request) (Result, error) {
	var result Result
	record := func(a Attempt) {
		result.Attempts = append(result.Attempts, a)
		if req.OnAttempt != nil {
			req.OnAttempt(a)
		}
	}

	if req.InputTokens > c.cfg.LongContextWindow {
		metrics.IncrLLMFallbacks()
		attempt := c.attempt(ctx, req, c.cfg.LongContextModel, presetParams{
			preset: model.PresetJSONObjectFallback, temperature: c.cfg.TempJSON, topP: c.cfg.TopPJSON, schemaMode: false,
		})
		record(attempt)
		if attempt.Status == model.LLMCallOK {
			result.Best = &result.Attempts[len(result.Attempts)-1]
		}
		return result, finalize(result)
	}

	cascadeForPrimary := []presetParams{
		{preset: model.PresetSchemaStrict, temperature: c.cfg.TempStrict, topP: c.cfg.TopPStrict, schemaMode: true},
		{preset: model.PresetSchemaRelaxed, temperature: c.cfg.TempRelaxed, topP: c.cfg.TopPRelaxed, schemaMode: true},
		{preset: model.PresetJSONObjectGuardrail, temperature: c.cfg.TempJSON, topP: c.cfg.TopPJSON, schemaMode: false},
	}

	for _, p := range cascadeForPrimary {
		attempt := c.attempt(ctx, req, c.cfg.PrimaryModel, p)
		record(attempt)
		if attempt.Status == model.LLMCallOK {
			result.Best = &result.Attempts[len(result.Attempts)-1]
			return result, nil
		}
	}

	for _, fallbackModel := range c.cfg.FallbackModels {
		metrics.IncrLLMFallbacks()
		attempt := c.attempt(ctx, req, fallbackModel, presetParams{
			preset: model.PresetJSONObjectFallback, temperature: c.cfg.TempJSON, topP: c.cfg.TopPJSON, schemaMode: false,
		})
		record(attempt)
		if attempt.Status == model.LLMCallOK {
			result.Best = &result.Attempts[len(result.Attempts)-1]
			return result, nil
		}
	}

	return result, finalize(result)
}

// finalize builds the exhaustion error reporting every attempted (model, preset) combination.
func finalize(result Result) error {
	var combos []string
	for _, a := range result.Attempts {
		combos = append(combos, fmt.Sprintf("%s/%s", a.Model, a.Preset))
	}
	return fmt.Errorf("llmclient: all attempts failed: %s", strings.Join(combos, ", "))
}

type chatRequestBody struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	TopP           float64       `json:"top_p"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatResponseBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// attempt issues one chat-completion call and records it, regardless of outcome.
func (c *Client) attempt(ctx context.Context, req Request, modelName string, p presetParams) Attempt {
	metrics.IncrLLMCalls()
	start := time.Now()

	body := chatRequestBody{
		Model:       modelName,
		Temperature: p.temperature,
		TopP:        p.topP,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if p.schemaMode && req.Schema != nil {
		body.ResponseFormat = responseFormat{Type: "json_schema", JSONSchema: &jsonSchema{Name: "summary", Strict: true, Schema: req.Schema}}
	} else {
		body.ResponseFormat = responseFormat{Type: "json_object"}
	}

	bodyBytes, _ := json.Marshal(body)
	attempt := Attempt{Model: modelName, Preset: p.preset, RequestBody: bodyBytes}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
	defer cancel()

	policy := retry.Policy{MaxAttempts: c.cfg.RetryAttempts, BaseDelay: c.cfg.RetryBaseDelay, MaxDelay: c.cfg.RetryMaxDelay, JitterRatio: c.cfg.RetryJitterRatio}
	resp, err := retry.DoHTTP(ctx, policy, func(ctx context.Context) (*http.Response, error) {
		apiURL := strings.TrimSuffix(c.cfg.LLMAPIBase, "/") + "/chat/completions"
		httpReq, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey) // never persisted
		return c.hc.Do(httpReq)
	})
	attempt.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		metrics.IncrLLMErrors()
		attempt.Status = model.LLMCallError
		attempt.ErrorText = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(resp.Body)
	var parsed chatResponseBody
	if err := json.Unmarshal(respBytes, &parsed); err != nil || len(parsed.Choices) == 0 {
		metrics.IncrLLMErrors()
		attempt.Status = model.LLMCallError
		attempt.ErrorText = "empty or unparseable response"
		return attempt
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		metrics.IncrLLMErrors()
		attempt.Status = model.LLMCallError
		attempt.ErrorText = "empty response content"
		return attempt
	}

	attempt.ResponseText = text
	attempt.Status = model.LLMCallOK
	return attempt
}
