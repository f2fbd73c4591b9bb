// Package store defines the Request Store contract (spec §4.2): the only
// component with storage side effects. Two backends implement it —
// internal/store/sqlite (default) and internal/store/postgres — with
// identical semantics; selection is configuration, not call-site code.
package store

import (
	"context"
	"errors"

	"github.com/anatolykoptev/digestor/internal/model"
)

// ErrDuplicate is returned by CreateRequest when dedupe_hash already exists.
// Callers must then call GetByDedupe to retrieve the existing request id.
var ErrDuplicate = errors.New("store: duplicate dedupe_hash")

// ErrInvalidTransition is returned by UpdateStatus on an illegal status move.
var ErrInvalidTransition = errors.New("store: invalid status transition")

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the durable lifecycle API every Pipeline Coordinator call goes
// through. Implementations must serialize writes per request inside a
// transaction while allowing cross-request writes to proceed in parallel.
type Store interface {
	// CreateRequest inserts a new request row. It fails with ErrDuplicate
	// when dedupeHash is non-nil and already present; the caller should
	// then call GetByDedupe to find the existing request id.
	CreateRequest(ctx context.Context, kind model.RequestKind, inputText string, normalizedURL, dedupeHash *string) (string, error)

	// GetByDedupe returns the request id owning hash, or ErrNotFound.
	GetByDedupe(ctx context.Context, hash string) (string, error)

	// GetRequest returns the full request row.
	GetRequest(ctx context.Context, requestID string) (model.Request, error)

	// UpdateStatus enforces monotonic transitions; ErrInvalidTransition on
	// a backward move other than error->error.
	UpdateStatus(ctx context.Context, requestID string, newStatus model.RequestStatus, errInfo *model.ErrorInfo) error

	// RecordCrawl writes the one CrawlResult for a request.
	RecordCrawl(ctx context.Context, result model.CrawlResult) error

	// RecordVideo writes the one VideoArtifact for a request.
	RecordVideo(ctx context.Context, artifact model.VideoArtifact) error

	// RecordLLMCall appends one LLM attempt row.
	RecordLLMCall(ctx context.Context, call model.LLMCall) error

	// UpsertSummary writes or replaces the Summary for a request, bumping version.
	UpsertSummary(ctx context.Context, requestID string, summary model.Summary) error

	// GetSummary returns the persisted summary for a request, or ErrNotFound.
	GetSummary(ctx context.Context, requestID string) (model.Summary, error)

	// AppendAudit writes one append-only audit event.
	AppendAudit(ctx context.Context, event model.AuditEvent) error

	// SetLangDetected records the language detected on extracted content;
	// lang is an empty string when detection was inconclusive.
	SetLangDetected(ctx context.Context, requestID, lang string) error

	Close() error
}

// legalTransitions is the closed set of allowed status moves. error->error
// is legal (re-recording a failure); anything else backward is rejected.
var legalTransitions = map[model.RequestStatus][]model.RequestStatus{
	model.StatusPending:    {model.StatusProcessing, model.StatusError},
	model.StatusProcessing: {model.StatusOK, model.StatusError},
	model.StatusOK:         {},
	model.StatusError:      {model.StatusError},
}

// ValidTransition reports whether from->to is a legal status move.
func ValidTransition(from, to model.RequestStatus) bool {
	if from == to && from == model.StatusError {
		return true
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
