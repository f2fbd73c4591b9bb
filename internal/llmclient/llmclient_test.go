package llmclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/digestor/internal/config"
	"github.com/anatolykoptev/digestor/internal/model"
)

func testConfig(apiBase string) config.Config {
	c := config.Default()
	c.LLMAPIBase = apiBase
	c.LLMAPIKey = "test-key"
	c.RetryAttempts = 1
	c.LLMTimeout = 5 * time.Second
	c.PrimaryModel = "gpt-4o-mini"
	c.FallbackModels = []string{"gpt-4o"}
	c.LongContextWindow = 1000
	return c
}

func respondWithContent(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}
}

func TestCallSucceedsOnFirstPreset(t *testing.T) {
	srv := httptest.NewServer(respondWithContent(`{"summary_250":"x"}`))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	req := Request{Messages: []model.ChatMessage{{Role: "user", Content: "hi"}}, Schema: map[string]any{"type": "object"}}

	result, err := c.Call(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, result.Best)
	assert.Equal(t, model.PresetSchemaStrict, result.Best.Preset)
	assert.Equal(t, `{"summary_250":"x"}`, result.Best.ResponseText)
	assert.Len(t, result.Attempts, 1)
}

func TestCallFallsBackThroughModelsOnEmptyResponses(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		respondWithContent("")(w, r)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	req := Request{Messages: []model.ChatMessage{{Role: "user", Content: "hi"}}, Schema: map[string]any{"type": "object"}}

	result, err := c.Call(t.Context(), req)
	require.Error(t, err)
	assert.Nil(t, result.Best)
	// 3 presets for primary + 1 fallback model = 4 attempts
	assert.Len(t, result.Attempts, 4)
}

func TestCallRoutesToLongContextModelWhenOverWindow(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		respondWithContent(`{"ok":true}`)(w, r)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.LongContextModel = "gpt-4o-long"
	c := New(cfg)

	req := Request{Messages: []model.ChatMessage{{Role: "user", Content: "hi"}}, InputTokens: 5000}
	result, err := c.Call(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-long", gotModel)
	assert.Len(t, result.Attempts, 1)
}

func TestAttemptNeverPersistsAuthorizationHeader(t *testing.T) {
	srv := httptest.NewServer(respondWithContent(`{"ok":true}`))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	req := Request{Messages: []model.ChatMessage{{Role: "user", Content: "hi"}}, Schema: map[string]any{"type": "object"}}

	result, err := c.Call(t.Context(), req)
	require.NoError(t, err)
	assert.NotContains(t, string(result.Best.RequestBody), "test-key")
}
