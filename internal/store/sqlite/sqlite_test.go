package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/digestor/internal/model"
	"github.com/anatolykoptev/digestor/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "digestor.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRequest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	url := "https://example.com/a"
	hash := "deadbeef"
	id, err := s.CreateRequest(ctx, model.KindURLWeb, "https://example.com/a", &url, &hash)
	require.NoError(t, err)

	got, err := s.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.KindURLWeb, got.Kind)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, url, *got.NormalizedURL)
}

func TestCreateRequestDuplicateDedupeReturnsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	url := "https://example.com/a"
	hash := "deadbeef"
	id1, err := s.CreateRequest(ctx, model.KindURLWeb, "a", &url, &hash)
	require.NoError(t, err)

	id2, err := s.CreateRequest(ctx, model.KindURLWeb, "a again", &url, &hash)
	require.ErrorIs(t, err, store.ErrDuplicate)
	assert.Equal(t, id1, id2)
}

func TestGetByDedupeNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetByDedupe(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateStatusEnforcesMonotonicTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRequest(ctx, model.KindURLWeb, "a", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, id, model.StatusProcessing, nil))
	require.NoError(t, s.UpdateStatus(ctx, id, model.StatusOK, nil))

	err = s.UpdateStatus(ctx, id, model.StatusProcessing, nil)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestUpdateStatusErrorToErrorIsLegal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRequest(ctx, model.KindURLWeb, "a", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, id, model.StatusError, &model.ErrorInfo{Code: "internal", Message: "x"}))
	require.NoError(t, s.UpdateStatus(ctx, id, model.StatusError, &model.ErrorInfo{Code: "internal", Message: "y"}))
}

func TestUpsertSummaryBumpsVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRequest(ctx, model.KindURLWeb, "a", nil, nil)
	require.NoError(t, err)

	sum := model.Summary{RequestID: id, Lang: "en", Payload: model.SummaryPayload{Summary250: "x"}}
	require.NoError(t, s.UpsertSummary(ctx, id, sum))

	got, err := s.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	require.NoError(t, s.UpsertSummary(ctx, id, sum))
	got, err = s.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestRecordCrawlAndVideoAndLLMCallAndAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRequest(ctx, model.KindURLVideo, "a", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.RecordCrawl(ctx, model.CrawlResult{RequestID: id, SourceURL: "https://x", Status: model.CrawlOK, Markdown: "body"}))
	require.NoError(t, s.RecordVideo(ctx, model.VideoArtifact{RequestID: id, VideoID: "dQw4w9WgXcQ", Status: model.VideoCompleted, TranscriptSource: model.TranscriptAPIManual}))
	require.NoError(t, s.RecordLLMCall(ctx, model.LLMCall{RequestID: id, Provider: "openai", Model: "gpt-4o-mini", Preset: model.PresetSchemaStrict, Status: model.LLMCallOK}))
	require.NoError(t, s.AppendAudit(ctx, model.AuditEvent{CorrelationID: id, Level: "info", EventName: "test_event"}))
}
