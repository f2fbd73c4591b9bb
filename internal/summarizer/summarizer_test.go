package summarizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/digestor/internal/config"
	"github.com/anatolykoptev/digestor/internal/contract"
	"github.com/anatolykoptev/digestor/internal/llmclient"
	"github.com/anatolykoptev/digestor/internal/model"
)

func testConfig(apiBase string) config.Config {
	c := config.Default()
	c.LLMAPIBase = apiBase
	c.LLMAPIKey = "test-key"
	c.RetryAttempts = 1
	c.LLMTimeout = 5 * time.Second
	c.PrimaryModel = "gpt-4o-mini"
	c.FallbackModels = nil
	c.LongContextWindow = 1_000_000
	return c
}

func jsonResponder(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	}
}

var validSummaryJSON = `{
  "summary_250":"A short summary.",
  "summary_1000":"A much longer summary with more detail than the short one here.",
  "tldr":"The gist of it.",
  "key_ideas":["first idea here","second idea here","third idea here"],
  "topic_tags":["#go","#backend","#concurrency"],
  "entities":{"people":["Ada Lovelace"],"organizations":["Acme"],"locations":["London"]},
  "estimated_reading_time_min":4,
  "key_stats":[],
  "answered_questions":[],
  "readability":{"method":"flesch_kincaid","score":60,"level":"standard"},
  "seo_keywords":["go","backend","concurrency"]
}`

func TestSummarizeSucceedsOnFirstValidResponse(t *testing.T) {
	srv := httptest.NewServer(jsonResponder(validSummaryJSON))
	defer srv.Close()

	agent := New(llmclient.New(testConfig(srv.URL)), 3)
	outcome := agent.Summarize(t.Context(), "corr-1", "en", "HEADER", "some content", 100)

	require.Nil(t, outcome.Err)
	require.NotNil(t, outcome.Payload)
	assert.Equal(t, "A short summary.", outcome.Payload.Summary250)
	assert.Len(t, outcome.Calls, 1)
}

func TestSummarizeRetriesOnInvalidThenSucceeds(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			jsonResponder(`{"summary_250":"too short overall"}`)(w, r)
			return
		}
		jsonResponder(validSummaryJSON)(w, r)
	}))
	defer srv.Close()

	agent := New(llmclient.New(testConfig(srv.URL)), 3)
	outcome := agent.Summarize(t.Context(), "corr-2", "en", "HEADER", "some content", 100)

	require.Nil(t, outcome.Err)
	require.NotNil(t, outcome.Payload)
	assert.GreaterOrEqual(t, len(outcome.Calls), 2)
}

func TestSummarizeExhaustsRetriesOnPersistentInvalidPayload(t *testing.T) {
	srv := httptest.NewServer(jsonResponder(`{"summary_250":"nope"}`))
	defer srv.Close()

	agent := New(llmclient.New(testConfig(srv.URL)), 3)
	outcome := agent.Summarize(t.Context(), "corr-3", "en", "HEADER", "some content", 100)

	require.NotNil(t, outcome.Err)
	assert.Nil(t, outcome.Payload)
}

func TestSummarizeAbortsOnIdenticalFingerprintFeedbackIneffective(t *testing.T) {
	// Same invalid-but-parseable payload every time: validation errors never
	// change, so the fingerprint repeats and the loop should abort early
	// instead of burning all max_retries attempts.
	srv := httptest.NewServer(jsonResponder(`{"summary_250":"identical invalid payload every single time"}`))
	defer srv.Close()

	agent := New(llmclient.New(testConfig(srv.URL)), 5)
	outcome := agent.Summarize(t.Context(), "corr-4", "en", "HEADER", "some content", 100)

	require.NotNil(t, outcome.Err)
	assert.Less(t, len(outcome.Calls), 5)
}

func TestSummarizeRecordsEachAttemptBeforeTheNextIsIssued(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			jsonResponder(`{"summary_250":"too short overall"}`)(w, r)
			return
		}
		jsonResponder(validSummaryJSON)(w, r)
	}))
	defer srv.Close()

	var recordedAtCallTime []int
	var recorded []model.LLMCall
	agent := New(llmclient.New(testConfig(srv.URL)), 3, WithRecorder(func(ctx context.Context, call model.LLMCall) error {
		recordedAtCallTime = append(recordedAtCallTime, int(n.Load()))
		recorded = append(recorded, call)
		return nil
	}))

	outcome := agent.Summarize(t.Context(), "corr-5", "en", "HEADER", "some content", 100)
	require.Nil(t, outcome.Err)
	require.Len(t, recorded, len(outcome.Calls))
	assert.GreaterOrEqual(t, len(recorded), 2)

	for i, callsSoFar := range recordedAtCallTime {
		assert.Equal(t, i+1, callsSoFar, "attempt %d must be recorded before attempt %d is issued", i+1, i+2)
	}
}

func TestBuildMessagesInjectsPriorErrorsAsFeedback(t *testing.T) {
	errs := []contract.ValidationError{{Path: "key_ideas", Reason: "must have 3-8 entries"}}
	msgs := buildMessages("HEADER", "body text", errs, 2)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "key_ideas")
	assert.Contains(t, msgs[1].Content, "must have 3-8 entries")
}
