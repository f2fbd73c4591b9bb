// Package postgres implements internal/store.Store over pgx/pgxpool, the
// shared-deployment backend (spec §6 store_backend=postgres). Grounded on
// the teacher's resumedb.go: pgxpool with embed.FS migrations run on a
// single dedicated connection.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anatolykoptev/digestor/internal/apperr"
	"github.com/anatolykoptev/digestor/internal/model"
	"github.com/anatolykoptev/digestor/internal/store"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Store is the postgres-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
	seq  atomic.Uint64
}

// Connect creates a pgx pool against databaseURL and runs schema migrations.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres: DATABASE_URL is required")
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DATABASE_URL: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET search_path TO public")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: run migrations: %w", err)
	}
	slog.Info("store postgres connected", slog.String("host", cfg.ConnConfig.Host))
	return s, nil
}

func (s *Store) runMigrations(ctx context.Context) error {
	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := schemaFS.ReadFile("schema/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		if _, err := conn.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("execute %s: %w", entry.Name(), err)
		}
		slog.Info("migration applied", slog.String("file", entry.Name()))
	}
	return nil
}

func (s *Store) CreateRequest(ctx context.Context, kind model.RequestKind, inputText string, normalizedURL, dedupeHash *string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", apperr.Wrap(apperr.StorageTransactionFailed, id, "begin create_request", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if dedupeHash != nil {
		var existing string
		err := tx.QueryRow(ctx, `SELECT id FROM requests WHERE dedupe_hash = $1`, *dedupeHash).Scan(&existing)
		if err == nil {
			return existing, store.ErrDuplicate
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", apperr.Wrap(apperr.StorageTransactionFailed, id, "dedupe lookup", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO requests (id, kind, status, input_text, normalized_url, dedupe_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		id, string(kind), string(model.StatusPending), inputText, normalizedURL, dedupeHash, now,
	)
	if err != nil {
		return "", apperr.Wrap(apperr.StorageTransactionFailed, id, "insert request", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", apperr.Wrap(apperr.StorageTransactionFailed, id, "commit create_request", err)
	}
	return id, nil
}

func (s *Store) GetByDedupe(ctx context.Context, hash string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM requests WHERE dedupe_hash = $1`, hash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetRequest(ctx context.Context, requestID string) (model.Request, error) {
	var r model.Request
	var kind, status string
	var normalizedURL, dedupeHash, langDetected, errCode, errMsg *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, status, input_text, normalized_url, dedupe_hash, lang_detected, error_code, error_message, created_at, updated_at
		 FROM requests WHERE id = $1`, requestID,
	).Scan(&r.ID, &kind, &status, &r.InputText, &normalizedURL, &dedupeHash, &langDetected, &errCode, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Request{}, store.ErrNotFound
	}
	if err != nil {
		return model.Request{}, err
	}

	r.Kind = model.RequestKind(kind)
	r.Status = model.RequestStatus(status)
	r.NormalizedURL = normalizedURL
	r.DedupeHash = dedupeHash
	r.LangDetected = langDetected
	if errCode != nil {
		msg := ""
		if errMsg != nil {
			msg = *errMsg
		}
		r.Error = &model.ErrorInfo{Code: *errCode, Message: msg}
	}
	return r, nil
}

func (s *Store) UpdateStatus(ctx context.Context, requestID string, newStatus model.RequestStatus, errInfo *model.ErrorInfo) error {
	existing, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !store.ValidTransition(existing.Status, newStatus) {
		return store.ErrInvalidTransition
	}

	var code, msg *string
	if errInfo != nil {
		code, msg = &errInfo.Code, &errInfo.Message
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE requests SET status = $1, error_code = $2, error_message = $3, updated_at = $4 WHERE id = $5`,
		string(newStatus), code, msg, time.Now().UTC(), requestID,
	)
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, requestID, "update_status", err)
	}
	return nil
}

func (s *Store) SetLangDetected(ctx context.Context, requestID, lang string) error {
	var val *string
	if lang != "" {
		val = &lang
	}
	_, err := s.pool.Exec(ctx, `UPDATE requests SET lang_detected = $1 WHERE id = $2`, val, requestID)
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, requestID, "set_lang_detected", err)
	}
	return nil
}

func (s *Store) RecordCrawl(ctx context.Context, result model.CrawlResult) error {
	structuredJSON, _ := json.Marshal(result.Structured)
	metadataJSON, _ := json.Marshal(result.Metadata)
	linksJSON, _ := json.Marshal(result.Links)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO crawl_results (request_id, source_url, http_status, status, markdown, html, structured, metadata, links, latency_ms, error_text, raw_payload, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		result.RequestID, result.SourceURL, result.HTTPStatus, string(result.Status), result.Markdown,
		result.HTML, structuredJSON, metadataJSON, linksJSON, result.LatencyMS, result.ErrorText, store.CompressPayload(result.RawPayload), result.Source,
	)
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, result.RequestID, "record_crawl", err)
	}
	return nil
}

func (s *Store) RecordVideo(ctx context.Context, a model.VideoArtifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO video_artifacts (request_id, video_id, status, video_path, subtitle_path, metadata_path, thumbnail_path, duration_sec, resolution, transcript_text, transcript_source, subtitle_language, auto_generated, title, channel)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.RequestID, a.VideoID, string(a.Status), a.VideoPath, a.SubtitlePath, a.MetadataPath, a.ThumbnailPath,
		a.DurationSec, a.Resolution, a.TranscriptText, string(a.TranscriptSource), a.SubtitleLanguage, a.AutoGenerated, a.Title, a.Channel,
	)
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, a.RequestID, "record_video", err)
	}
	return nil
}

func (s *Store) RecordLLMCall(ctx context.Context, c model.LLMCall) error {
	messagesJSON, _ := json.Marshal(c.Messages)
	responseObjJSON, _ := json.Marshal(c.ResponseObj)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_calls (request_id, provider, model, preset, attempt_index, messages, response_text, response_obj, prompt_tokens, output_tokens, cost_estimate, latency_ms, status, error_text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.RequestID, c.Provider, c.Model, string(c.Preset), c.AttemptIndex, messagesJSON, c.ResponseText,
		responseObjJSON, c.PromptTokens, c.OutputTokens, c.CostEstimate, c.LatencyMS, string(c.Status), c.ErrorText, time.Now().UTC(),
	)
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, c.RequestID, "record_llm_call", err)
	}
	return nil
}

func (s *Store) UpsertSummary(ctx context.Context, requestID string, summary model.Summary) error {
	payloadJSON, err := json.Marshal(summary.Payload)
	if err != nil {
		return apperr.Wrap(apperr.StorageIntegrity, requestID, "marshal summary payload", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO summaries (request_id, lang, payload, version) VALUES ($1, $2, $3, 1)
		 ON CONFLICT (request_id) DO UPDATE SET lang = $2, payload = $3, version = summaries.version + 1`,
		requestID, summary.Lang, payloadJSON,
	)
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, requestID, "upsert_summary", err)
	}
	return nil
}

func (s *Store) GetSummary(ctx context.Context, requestID string) (model.Summary, error) {
	var sum model.Summary
	var payloadJSON []byte
	sum.RequestID = requestID

	err := s.pool.QueryRow(ctx, `SELECT lang, payload, version FROM summaries WHERE request_id = $1`, requestID).
		Scan(&sum.Lang, &payloadJSON, &sum.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Summary{}, store.ErrNotFound
	}
	if err != nil {
		return model.Summary{}, err
	}
	if err := json.Unmarshal(payloadJSON, &sum.Payload); err != nil {
		return model.Summary{}, apperr.Wrap(apperr.StorageIntegrity, requestID, "unmarshal summary payload", err)
	}
	return sum, nil
}

func (s *Store) AppendAudit(ctx context.Context, e model.AuditEvent) error {
	detailsJSON, _ := json.Marshal(e.Details)
	seq := s.seq.Add(1)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (timestamp, sequence, level, event_name, correlation_id, user_id, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Timestamp.UTC(), seq, e.Level, e.EventName, e.CorrelationID, e.UserID, detailsJSON,
	)
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, e.CorrelationID, "append_audit", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
