// Package sqlite implements internal/store.Store over modernc.org/sqlite,
// the default backend for single-node deployments (spec §6 store_backend
// default). Grounded on the teacher's tracker.go: database/sql with a
// single writer connection and write-ahead journaling for concurrent reads.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/anatolykoptev/digestor/internal/apperr"
	"github.com/anatolykoptev/digestor/internal/model"
	"github.com/anatolykoptev/digestor/internal/store"
)

// Store is the sqlite-backed implementation of store.Store.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex // serializes per-request transactions; sqlite has one writer anyway
	once sync.Once
	seq  uint64
}

// Open creates (if absent) and opens the sqlite database at path, running
// schema initialization once under a double-checked sync.Once.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer; WAL still allows concurrent readers

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	var err error
	s.once.Do(func() {
		_, err = s.db.Exec(schemaSQL)
	})
	return err
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS requests (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	status         TEXT NOT NULL,
	input_text     TEXT NOT NULL,
	normalized_url TEXT,
	dedupe_hash    TEXT UNIQUE,
	lang_detected  TEXT,
	error_code     TEXT,
	error_message  TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_dedupe ON requests(dedupe_hash);

CREATE TABLE IF NOT EXISTS crawl_results (
	request_id  TEXT PRIMARY KEY REFERENCES requests(id),
	source_url  TEXT NOT NULL,
	http_status INTEGER,
	status      TEXT NOT NULL,
	markdown    TEXT,
	html        TEXT,
	structured  TEXT,
	metadata    TEXT,
	links       TEXT,
	latency_ms  INTEGER,
	error_text  TEXT,
	raw_payload BLOB,
	source      TEXT
);

CREATE TABLE IF NOT EXISTS video_artifacts (
	request_id        TEXT PRIMARY KEY REFERENCES requests(id),
	video_id          TEXT NOT NULL,
	status            TEXT NOT NULL,
	video_path        TEXT,
	subtitle_path     TEXT,
	metadata_path     TEXT,
	thumbnail_path    TEXT,
	duration_sec      INTEGER,
	resolution        TEXT,
	transcript_text   TEXT,
	transcript_source TEXT,
	subtitle_language TEXT,
	auto_generated    INTEGER,
	title             TEXT,
	channel           TEXT
);

CREATE TABLE IF NOT EXISTS llm_calls (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id    TEXT NOT NULL REFERENCES requests(id),
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	preset        TEXT NOT NULL,
	attempt_index INTEGER NOT NULL,
	messages      TEXT,
	response_text TEXT,
	response_obj  TEXT,
	prompt_tokens INTEGER,
	output_tokens INTEGER,
	cost_estimate REAL,
	latency_ms    INTEGER,
	status        TEXT NOT NULL,
	error_text    TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_calls_request ON llm_calls(request_id);

CREATE TABLE IF NOT EXISTS summaries (
	request_id TEXT PRIMARY KEY REFERENCES requests(id),
	lang       TEXT,
	payload    TEXT NOT NULL,
	version    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp      TEXT NOT NULL,
	sequence       INTEGER NOT NULL,
	level          TEXT NOT NULL,
	event_name     TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	user_id        TEXT,
	details        TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id);
`

func (s *Store) CreateRequest(ctx context.Context, kind model.RequestKind, inputText string, normalizedURL, dedupeHash *string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newID()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.StorageTransactionFailed, id, "begin create_request", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if dedupeHash != nil {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM requests WHERE dedupe_hash = ?`, *dedupeHash).Scan(&existing)
		if err == nil {
			return existing, store.ErrDuplicate
		}
		if err != sql.ErrNoRows {
			return "", apperr.Wrap(apperr.StorageTransactionFailed, id, "dedupe lookup", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO requests (id, kind, status, input_text, normalized_url, dedupe_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(kind), string(model.StatusPending), inputText, normalizedURL, dedupeHash, now, now,
	)
	if err != nil {
		return "", apperr.Wrap(apperr.StorageTransactionFailed, id, "insert request", err)
	}
	if err := tx.Commit(); err != nil {
		return "", apperr.Wrap(apperr.StorageTransactionFailed, id, "commit create_request", err)
	}
	return id, nil
}

func (s *Store) GetByDedupe(ctx context.Context, hash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM requests WHERE dedupe_hash = ?`, hash).Scan(&id)
	if err == sql.ErrNoRows {
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
	var normalizedURL, dedupeHash, langDetected, errCode, errMsg sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, input_text, normalized_url, dedupe_hash, lang_detected, error_code, error_message, created_at, updated_at
		 FROM requests WHERE id = ?`, requestID,
	).Scan(&r.ID, &kind, &status, &r.InputText, &normalizedURL, &dedupeHash, &langDetected, &errCode, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return model.Request{}, store.ErrNotFound
	}
	if err != nil {
		return model.Request{}, err
	}

	r.Kind = model.RequestKind(kind)
	r.Status = model.RequestStatus(status)
	r.NormalizedURL = nullableString(normalizedURL)
	r.DedupeHash = nullableString(dedupeHash)
	r.LangDetected = nullableString(langDetected)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if errCode.Valid {
		r.Error = &model.ErrorInfo{Code: errCode.String, Message: errMsg.String}
	}
	return r, nil
}

func (s *Store) UpdateStatus(ctx context.Context, requestID string, newStatus model.RequestStatus, errInfo *model.ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !store.ValidTransition(existing.Status, newStatus) {
		return store.ErrInvalidTransition
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var code, msg *string
	if errInfo != nil {
		code, msg = &errInfo.Code, &errInfo.Message
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, error_code = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(newStatus), code, msg, now, requestID,
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
	_, err := s.db.ExecContext(ctx, `UPDATE requests SET lang_detected = ? WHERE id = ?`, val, requestID)
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, requestID, "set_lang_detected", err)
	}
	return nil
}

func (s *Store) RecordCrawl(ctx context.Context, result model.CrawlResult) error {
	structuredJSON, _ := json.Marshal(result.Structured)
	metadataJSON, _ := json.Marshal(result.Metadata)
	linksJSON, _ := json.Marshal(result.Links)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_results (request_id, source_url, http_status, status, markdown, html, structured, metadata, links, latency_ms, error_text, raw_payload, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RequestID, result.SourceURL, result.HTTPStatus, string(result.Status), result.Markdown,
		result.HTML, string(structuredJSON), string(metadataJSON), string(linksJSON),
		result.LatencyMS, result.ErrorText, store.CompressPayload(result.RawPayload), result.Source,
	)
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, result.RequestID, "record_crawl", err)
	}
	return nil
}

func (s *Store) RecordVideo(ctx context.Context, a model.VideoArtifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO video_artifacts (request_id, video_id, status, video_path, subtitle_path, metadata_path, thumbnail_path, duration_sec, resolution, transcript_text, transcript_source, subtitle_language, auto_generated, title, channel)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_calls (request_id, provider, model, preset, attempt_index, messages, response_text, response_obj, prompt_tokens, output_tokens, cost_estimate, latency_ms, status, error_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RequestID, c.Provider, c.Model, string(c.Preset), c.AttemptIndex, string(messagesJSON), c.ResponseText,
		string(responseObjJSON), c.PromptTokens, c.OutputTokens, c.CostEstimate, c.LatencyMS, string(c.Status), c.ErrorText, now,
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

	s.mu.Lock()
	defer s.mu.Unlock()

	var version int
	err = s.db.QueryRowContext(ctx, `SELECT version FROM summaries WHERE request_id = ?`, requestID).Scan(&version)
	switch err {
	case nil:
		version++
		_, err = s.db.ExecContext(ctx, `UPDATE summaries SET lang = ?, payload = ?, version = ? WHERE request_id = ?`,
			summary.Lang, string(payloadJSON), version, requestID)
	case sql.ErrNoRows:
		version = 1
		_, err = s.db.ExecContext(ctx, `INSERT INTO summaries (request_id, lang, payload, version) VALUES (?, ?, ?, ?)`,
			requestID, summary.Lang, string(payloadJSON), version)
	}
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, requestID, "upsert_summary", err)
	}
	return nil
}

func (s *Store) GetSummary(ctx context.Context, requestID string) (model.Summary, error) {
	var sum model.Summary
	var payloadJSON string
	sum.RequestID = requestID

	err := s.db.QueryRowContext(ctx, `SELECT lang, payload, version FROM summaries WHERE request_id = ?`, requestID).
		Scan(&sum.Lang, &payloadJSON, &sum.Version)
	if err == sql.ErrNoRows {
		return model.Summary{}, store.ErrNotFound
	}
	if err != nil {
		return model.Summary{}, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &sum.Payload); err != nil {
		return model.Summary{}, apperr.Wrap(apperr.StorageIntegrity, requestID, "unmarshal summary payload", err)
	}
	return sum, nil
}

func (s *Store) AppendAudit(ctx context.Context, e model.AuditEvent) error {
	detailsJSON, _ := json.Marshal(e.Details)
	seq := s.nextSeq()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (timestamp, sequence, level, event_name, correlation_id, user_id, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), seq, e.Level, e.EventName, e.CorrelationID, e.UserID, string(detailsJSON),
	)
	if err != nil {
		return apperr.Wrap(apperr.StorageTransactionFailed, e.CorrelationID, "append_audit", err)
	}
	return nil
}

func (s *Store) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Store) Close() error { return s.db.Close() }

func nullableString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

// newID mints a correlation id, also the Request's stable identifier.
func newID() string {
	return uuid.NewString()
}
