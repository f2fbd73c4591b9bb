// Package coordinator implements the Pipeline Coordinator (C10, spec
// §4.10): the end-to-end orchestration of one submission through
// canonicalization, dedupe lock, lookup, extraction, summarization, and
// persistence, with the correlation ID threaded through every stage.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anatolykoptev/digestor/internal/apperr"
	"github.com/anatolykoptev/digestor/internal/batch"
	"github.com/anatolykoptev/digestor/internal/chunker"
	"github.com/anatolykoptev/digestor/internal/config"
	"github.com/anatolykoptev/digestor/internal/extractor"
	"github.com/anatolykoptev/digestor/internal/lock"
	"github.com/anatolykoptev/digestor/internal/metrics"
	"github.com/anatolykoptev/digestor/internal/model"
	"github.com/anatolykoptev/digestor/internal/store"
	"github.com/anatolykoptev/digestor/internal/summarizer"
	"github.com/anatolykoptev/digestor/internal/urlcanon"
)

// Coordinator couples every stage component behind the single entry point
// a submission goes through.
type Coordinator struct {
	cfg       config.Config
	store     store.Store
	locks     *lock.Manager
	extractor *extractor.Extractor
	summarize *summarizer.Agent
	batch     *batch.Orchestrator
}

func New(cfg config.Config, st store.Store, locks *lock.Manager, ex *extractor.Extractor, sm *summarizer.Agent, orch *batch.Orchestrator) *Coordinator {
	return &Coordinator{cfg: cfg, store: st, locks: locks, extractor: ex, summarize: sm, batch: orch}
}

// Outcome is what a submission resolves to: a usable summary, a reused
// prior summary, or a terminal error.
type Outcome struct {
	RequestID string
	Summary   *model.Summary
	Reused    bool
	Err       *apperr.Error
}

// SubmitText scans free text for URL-shaped substrings (spec §4.10 step 1:
// "if multiple URLs are produced from free text, each becomes its own
// submission routed through C9") and runs every one found through the
// batch orchestrator as its own submission, sharing the same global/
// per-user concurrency caps, circuit breaker, and rate limiter as any
// other batch run. A single URL takes the same path as a one-element
// batch, so the orchestrator is never bypassed for real traffic.
func (c *Coordinator) SubmitText(ctx context.Context, text, userID string) (batch.BatchResult, []Outcome) {
	extracted := urlcanon.ExtractFromText(text, c.cfg.FreeTextScanCap)
	if len(extracted.Found) == 0 {
		return batch.BatchResult{}, nil
	}

	outcomes := make([]Outcome, len(extracted.Found))
	submissions := make([]batch.Submission, len(extracted.Found))
	for i, canon := range extracted.Found {
		i, url := i, canon.Normalized
		submissions[i] = batch.Submission{
			URL:    url,
			UserID: userID,
			Run: func(ctx context.Context) error {
				outcome := c.Submit(ctx, url)
				outcomes[i] = outcome
				if outcome.Err != nil {
					return outcome.Err
				}
				return nil
			},
		}
	}

	result := c.batch.Run(ctx, submissions, nil)
	return result, outcomes
}

// Submit runs the full 9-step coordinator flow for one already-isolated URL.
// Callers with free text that may contain several URLs should go through
// SubmitText instead, which fans out through the batch orchestrator.
func (c *Coordinator) Submit(ctx context.Context, rawURL string) Outcome {
	canon, err := urlcanon.Canonicalize(rawURL)
	if err != nil {
		return Outcome{Err: apperr.Wrap(apperr.Validation, "", "could not canonicalize url", err)}
	}

	lockKey := canon.DedupeHash
	token, lockErr := c.locks.Acquire(ctx, lockKey, c.cfg.LockTTL)
	if lockErr != nil {
		return Outcome{Err: apperr.Wrap(apperr.LockHeld, "", "request already in flight", lockErr)}
	}
	defer c.locks.Release(ctx, lockKey, token)

	if existingID, err := c.store.GetByDedupe(ctx, canon.DedupeHash); err == nil {
		if existing, err := c.store.GetRequest(ctx, existingID); err == nil && existing.Status == model.StatusOK {
			if summary, err := c.store.GetSummary(ctx, existingID); err == nil {
				correlationID := uuid.NewString()
				c.audit(ctx, correlationID, "summary_reused", map[string]any{"original_request_id": existingID})
				metrics.IncrRequestsDeduped()
				return Outcome{RequestID: correlationID, Summary: &summary, Reused: true}
			}
		}
	}

	var requestKind model.RequestKind
	if canon.Kind == urlcanon.KindVideo {
		requestKind = model.KindURLVideo
	} else {
		requestKind = model.KindURLWeb
	}

	requestID, err := c.store.CreateRequest(ctx, requestKind, rawURL, &canon.Normalized, &canon.DedupeHash)
	if err != nil {
		return Outcome{Err: apperr.Wrap(apperr.StorageIntegrity, "", "create request failed", err)}
	}
	metrics.IncrRequestsCreated()
	c.audit(ctx, requestID, "request_created", map[string]any{"kind": requestKind})

	outcome := c.runPipeline(ctx, requestID, canon)
	outcome.RequestID = requestID

	c.audit(ctx, requestID, "request_completed", map[string]any{"success": outcome.Err == nil})
	return outcome
}

func (c *Coordinator) runPipeline(ctx context.Context, requestID string, canon urlcanon.Canonical) Outcome {
	content, metadataHeader, extractErr := c.extract(ctx, requestID, canon)
	if extractErr != nil {
		c.fail(ctx, requestID, extractErr)
		return Outcome{Err: extractErr}
	}

	if lang := extractor.DetectLanguage(content); lang != "" {
		if err := c.store.SetLangDetected(ctx, requestID, lang); err != nil {
			slog.Warn("set lang detected failed", slog.String("request_id", requestID), slog.Any("err", err))
		}
	}

	if err := c.store.UpdateStatus(ctx, requestID, model.StatusProcessing, nil); err != nil {
		appErr := apperr.Wrap(apperr.StorageTransactionFailed, requestID, "status update to processing failed", err)
		c.fail(ctx, requestID, appErr)
		return Outcome{Err: appErr}
	}

	plan := chunker.Decide(metadataHeader, content, c.cfg.PrimaryWindow, c.cfg.ChunkTokenCap, c.cfg.MaxChunks)
	approxTokens := (len(content) + 3) / 4

	var finalPayload model.SummaryPayload
	switch {
	case plan.NeedsLongContext:
		result := c.summarize.Summarize(ctx, requestID, c.cfg.PreferredLang, metadataHeader, content, approxTokens)
		if result.Err != nil {
			c.fail(ctx, requestID, result.Err)
			return Outcome{Err: result.Err}
		}
		finalPayload = *result.Payload

	case plan.NeedsChunking:
		chunks := chunker.Split(metadataHeader, content, c.cfg.ChunkTokenCap)
		var chunkPayloads []model.SummaryPayload
		for _, chunk := range chunks {
			result := c.summarize.Summarize(ctx, requestID, c.cfg.PreferredLang, metadataHeader, chunk.Text, chunk.ApproxTokens)
			if result.Err != nil {
				c.fail(ctx, requestID, result.Err)
				return Outcome{Err: result.Err}
			}
			chunkPayloads = append(chunkPayloads, *result.Payload)
		}
		reduced := c.summarize.Reduce(ctx, requestID, c.cfg.PreferredLang, chunkPayloads, metadataHeader)
		if reduced.Err != nil {
			c.fail(ctx, requestID, reduced.Err)
			return Outcome{Err: reduced.Err}
		}
		finalPayload = *reduced.Payload

	default:
		result := c.summarize.Summarize(ctx, requestID, c.cfg.PreferredLang, metadataHeader, content, approxTokens)
		if result.Err != nil {
			c.fail(ctx, requestID, result.Err)
			return Outcome{Err: result.Err}
		}
		finalPayload = *result.Payload
	}

	summary := model.Summary{RequestID: requestID, Lang: c.cfg.PreferredLang, Payload: finalPayload, Version: 1}
	if err := c.store.UpsertSummary(ctx, requestID, summary); err != nil {
		appErr := apperr.Wrap(apperr.StorageTransactionFailed, requestID, "upsert summary failed", err)
		c.fail(ctx, requestID, appErr)
		return Outcome{Err: appErr}
	}
	if err := c.store.UpdateStatus(ctx, requestID, model.StatusOK, nil); err != nil {
		slog.Warn("status update to ok failed", slog.String("request_id", requestID), slog.Any("err", err))
	}
	metrics.IncrRequestsOK()

	return Outcome{Summary: &summary}
}

func (c *Coordinator) extract(ctx context.Context, requestID string, canon urlcanon.Canonical) (content, metadataHeader string, err *apperr.Error) {
	if canon.Kind == urlcanon.KindVideo {
		artifact, header, extractErr := c.extractor.ExtractVideo(ctx, requestID, canon)
		if extractErr != nil {
			if ae, ok := apperr.As(extractErr); ok {
				return "", "", ae
			}
			return "", "", apperr.Wrap(apperr.ExtractionNetworkTimeout, requestID, "video extraction failed", extractErr)
		}
		if recordErr := c.store.RecordVideo(ctx, artifact); recordErr != nil {
			slog.Warn("record video artifact failed", slog.String("request_id", requestID), slog.Any("err", recordErr))
		}
		return header + "\n\n" + artifact.TranscriptText, header, nil
	}

	result, extractErr := c.extractor.ExtractWeb(ctx, requestID, canon.Normalized)
	if extractErr != nil {
		if recordErr := c.store.RecordCrawl(ctx, result); recordErr != nil {
			slog.Warn("record crawl result failed", slog.String("request_id", requestID), slog.Any("err", recordErr))
		}
		if ae, ok := apperr.As(extractErr); ok {
			return "", "", ae
		}
		return "", "", apperr.Wrap(apperr.ExtractionQualityBelowThreshold, requestID, "web extraction failed", extractErr)
	}
	if recordErr := c.store.RecordCrawl(ctx, result); recordErr != nil {
		slog.Warn("record crawl result failed", slog.String("request_id", requestID), slog.Any("err", recordErr))
	}
	return result.Markdown, "", nil
}

func (c *Coordinator) fail(ctx context.Context, requestID string, appErr *apperr.Error) {
	errInfo := &model.ErrorInfo{Code: string(appErr.Code), Message: appErr.Message}
	if err := c.store.UpdateStatus(ctx, requestID, model.StatusError, errInfo); err != nil {
		slog.Warn("status update to error failed", slog.String("request_id", requestID), slog.Any("err", err))
	}
	metrics.IncrRequestsError()
	c.audit(ctx, requestID, "request_failed", map[string]any{"code": appErr.Code, "message": appErr.Message})
}

func (c *Coordinator) audit(ctx context.Context, correlationID, eventName string, details map[string]any) {
	event := model.AuditEvent{
		Timestamp:     time.Now(),
		Level:         "info",
		EventName:     eventName,
		CorrelationID: correlationID,
		Details:       details,
	}
	if err := c.store.AppendAudit(ctx, event); err != nil {
		slog.Warn("append audit failed", slog.String("correlation_id", correlationID), slog.Any("err", err))
	}
}
