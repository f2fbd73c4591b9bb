// Package summarizer implements the Summarization Agent (spec §4.8): the
// self-correction loop coupling the LLM client and contract validator
// (the coordinator does the chunking and calls Summarize per chunk, then
// Reduce). Modeled on the teacher's research.go iterative
// prompt-then-parse pattern, generalized into a bounded retry loop that
// injects validation feedback into the next attempt instead of giving up
// after one parse failure.
package summarizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/anatolykoptev/digestor/internal/apperr"
	"github.com/anatolykoptev/digestor/internal/contract"
	"github.com/anatolykoptev/digestor/internal/llmclient"
	"github.com/anatolykoptev/digestor/internal/model"
)

const defaultMaxRetries = 3

// Agent couples the LLM client with the contract validator.
type Agent struct {
	llm        *llmclient.Client
	maxRetries int
	recorder   func(ctx context.Context, call model.LLMCall) error
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithRecorder registers a callback invoked synchronously right after each
// LLM attempt completes, before the next attempt in the cascade is issued
// (spec §3 LLMCall invariant: every attempt, including failures, is
// recorded before the next is issued). Without it, attempts are only
// returned in Outcome.Calls for the caller to persist after the whole
// retry loop finishes.
func WithRecorder(fn func(ctx context.Context, call model.LLMCall) error) Option {
	return func(a *Agent) { a.recorder = fn }
}

func New(llm *llmclient.Client, maxRetries int, opts ...Option) *Agent {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	a := &Agent{llm: llm, maxRetries: maxRetries}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Outcome is the result of one Summarize call: either a validated payload
// or the terminal error code plus every LLMCall made along the way.
type Outcome struct {
	Payload  *model.SummaryPayload
	Calls    []model.LLMCall
	Err      *apperr.Error
}

// Summarize runs the self-correction loop (spec §4.8 pseudocode) for one
// piece of content, already carrying its metadata header.
func (a *Agent) Summarize(ctx context.Context, correlationID, lang, metadataHeader, content string, approxInputTokens int) Outcome {
	var lastErrors []contract.ValidationError
	var previousFingerprint string
	var calls []model.LLMCall

	schema := schemaAsMap()

	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Calls: calls, Err: apperr.Wrap(apperr.Cancelled, correlationID, "summarize cancelled", err)}
		}

		messages := buildMessages(metadataHeader, content, lastErrors, attempt)
		attemptIndex := 0
		result, callErr := a.llm.Call(ctx, llmclient.Request{
			Messages:      messages,
			Schema:        schema,
			InputTokens:   approxInputTokens,
			CorrelationID: correlationID,
			OnAttempt: func(at llmclient.Attempt) {
				call := model.LLMCall{
					RequestID:    correlationID,
					Provider:     "openai",
					Model:        at.Model,
					Preset:       at.Preset,
					AttemptIndex: attempt*100 + attemptIndex,
					Messages:     messages,
					ResponseText: at.ResponseText,
					Status:       at.Status,
					ErrorText:    nonEmptyPtr(at.ErrorText),
				}
				attemptIndex++
				calls = append(calls, call)
				if a.recorder != nil {
					if err := a.recorder(ctx, call); err != nil {
						slog.Warn("persist llm call failed", slog.String("request_id", correlationID), slog.Any("err", err))
					}
				}
			},
		})

		if callErr != nil || result.Best == nil {
			lastErrors = []contract.ValidationError{{Path: "$", Reason: "llm call failed or returned no parseable response"}}
			continue
		}

		parsed, parseErr := contract.ParseLenient([]byte(result.Best.ResponseText))
		if parseErr != nil {
			lastErrors = []contract.ValidationError{{Path: "$", Reason: parseErr.Error()}}
			continue
		}

		parsed = contract.Repair(parsed)
		errs := contract.Validate(parsed)
		if len(errs) == 0 {
			return Outcome{Payload: &parsed, Calls: calls}
		}

		fingerprint := fingerprintOf(parsed)
		if fingerprint == previousFingerprint && attempt >= 2 {
			return Outcome{Calls: calls, Err: apperr.New(apperr.LLMFeedbackIneffective, correlationID, "identical response across attempts; feedback ineffective")}
		}
		previousFingerprint = fingerprint
		lastErrors = errs
	}

	return Outcome{Calls: calls, Err: apperr.New(apperr.LLMAllAttemptsFailed, correlationID, summarizeErrors(lastErrors))}
}

// buildMessages shapes the system+user messages, injecting prior
// validation errors as structured self-correction feedback.
func buildMessages(metadataHeader, content string, lastErrors []contract.ValidationError, attempt int) []model.ChatMessage {
	system := model.ChatMessage{
		Role: "system",
		Content: "You are a precise content summarizer. Return a single JSON object matching the required schema exactly. " +
			"Never invent facts not present in the source content.",
	}

	var userBuilder strings.Builder
	if metadataHeader != "" {
		userBuilder.WriteString(metadataHeader)
		userBuilder.WriteString("\n\n")
	}
	userBuilder.WriteString(content)

	if len(lastErrors) > 0 {
		userBuilder.WriteString("\n\nYour previous response failed validation with these errors; fix them:\n")
		for _, e := range lastErrors {
			fmt.Fprintf(&userBuilder, "- %s: %s\n", e.Path, e.Reason)
		}
	}

	return []model.ChatMessage{system, {Role: "user", Content: userBuilder.String()}}
}

// Reduce merges independently-summarized chunk payloads into one final
// summary via a last reduce call over the chunk summaries themselves.
func (a *Agent) Reduce(ctx context.Context, correlationID, lang string, chunkPayloads []model.SummaryPayload, metadataHeader string) Outcome {
	var sb strings.Builder
	for i, p := range chunkPayloads {
		fmt.Fprintf(&sb, "Chunk %d summary:\n%s\n\n", i+1, p.Summary1000)
	}
	reduced := sb.String()
	return a.Summarize(ctx, correlationID, lang, metadataHeader, reduced, (len(reduced)+3)/4)
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fingerprintOf(p model.SummaryPayload) string {
	b, _ := json.Marshal(canonicalize(p))
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalize produces a deterministic map for fingerprinting so field
// and slice ordering never causes a spurious fingerprint mismatch.
func canonicalize(p model.SummaryPayload) map[string]any {
	sortedCopy := func(s []string) []string {
		out := append([]string(nil), s...)
		sort.Strings(out)
		return out
	}
	return map[string]any{
		"summary_250":  p.Summary250,
		"summary_1000": p.Summary1000,
		"tldr":         p.TLDR,
		"key_ideas":    sortedCopy(p.KeyIdeas),
		"topic_tags":   sortedCopy(p.TopicTags),
		"seo_keywords": sortedCopy(p.SEOKeywords),
	}
}

func summarizeErrors(errs []contract.ValidationError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

func schemaAsMap() map[string]any {
	b, _ := json.Marshal(contract.Schema())
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}
