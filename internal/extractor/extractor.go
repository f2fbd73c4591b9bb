package extractor

import (
	"context"
	"strings"
	"time"

	"github.com/anatolykoptev/digestor/internal/apperr"
	"github.com/anatolykoptev/digestor/internal/config"
	"github.com/anatolykoptev/digestor/internal/model"
	"github.com/anatolykoptev/digestor/internal/urlcanon"
)

// Extractor dispatches to the web or YouTube cascade depending on the
// canonicalized URL's kind (spec §4.4).
type Extractor struct {
	web     *WebExtractor
	youtube *YouTubeExtractor
	cfg     config.Config
}

func New(cfg config.Config) *Extractor {
	return &Extractor{web: NewWebExtractor(cfg), youtube: NewYouTubeExtractor(cfg), cfg: cfg}
}

// ExtractWeb runs the scraper-then-salvage cascade for a web URL.
func (e *Extractor) ExtractWeb(ctx context.Context, correlationID, normalizedURL string) (model.CrawlResult, error) {
	return e.web.Extract(ctx, correlationID, normalizedURL)
}

// ExtractVideo runs the full YouTube cascade: transcript API, then download
// (off the scheduling loop), then VTT fallback if the API produced nothing,
// building the metadata header and enforcing the storage budget (spec §4.4
// YouTube URL steps 1-5).
func (e *Extractor) ExtractVideo(ctx context.Context, correlationID string, canon urlcanon.Canonical) (model.VideoArtifact, string, error) {
	artifact := model.VideoArtifact{RequestID: correlationID, VideoID: canon.VideoID, Status: model.VideoDownloading}

	transcript, source, auto, transcriptErr := e.youtube.FetchTranscript(ctx, canon.VideoID, e.cfg.SubtitleLangs)

	downloadDone := make(chan struct {
		res DownloadResult
		err error
	}, 1)
	go func() {
		res, err := e.youtube.Download(ctx, correlationID, canon.VideoID)
		downloadDone <- struct {
			res DownloadResult
			err error
		}{res, err}
	}()

	var dl DownloadResult
	select {
	case out := <-downloadDone:
		dl, artifact.Status = out.res, model.VideoCompleted
		if out.err != nil {
			artifact.Status = model.VideoError
			if transcriptErr != nil {
				return artifact, "", apperr.Wrap(classifyExtractionError(out.err.Error()), correlationID, "video download failed", out.err)
			}
		}
	case <-ctx.Done():
		artifact.Status = model.VideoError
		return artifact, "", apperr.Wrap(apperr.Cancelled, correlationID, "video extraction cancelled", ctx.Err())
	}

	if transcriptErr != nil && dl.SubtitlePath != "" {
		if vtt, err := ParseVTTFallback(dl.SubtitlePath); err == nil && strings.TrimSpace(vtt) != "" {
			transcript, source, auto, transcriptErr = vtt, model.TranscriptVTTFallback, true, nil
		}
	}
	if transcriptErr != nil {
		artifact.Status = model.VideoError
		return artifact, "", apperr.Wrap(classifyExtractionError(transcriptErr.Error()), correlationID, "no transcript available", transcriptErr)
	}

	artifact.TranscriptText = transcript
	artifact.TranscriptSource = source
	artifact.AutoGenerated = auto
	artifact.SubtitleLanguage = firstOrEmpty(e.cfg.SubtitleLangs)
	artifact.VideoPath = nonEmptyPtr(dl.VideoPath)
	artifact.SubtitlePath = nonEmptyPtr(dl.SubtitlePath)
	artifact.MetadataPath = nonEmptyPtr(dl.MetadataPath)
	artifact.ThumbnailPath = nonEmptyPtr(dl.ThumbnailPath)
	artifact.DurationSec = dl.DurationSec
	artifact.Resolution = dl.Resolution
	artifact.Title = dl.Title
	artifact.Channel = dl.Channel

	header := BuildMetadataHeader(dl.Title, dl.Channel, dl.DurationSec, dl.Resolution)

	if err := EnforceStorageBudget(e.cfg.StorageRoot, int64(e.cfg.MaxStorageGB*1024*1024*1024), e.cfg.CleanupTriggerPct, time.Duration(e.cfg.AutoCleanupDays)*24*time.Hour); err != nil {
		return artifact, header, apperr.Wrap(apperr.ExtractionStorageFull, correlationID, "storage budget cleanup failed", err)
	}

	return artifact, header, nil
}

func classifyExtractionError(msg string) apperr.Code {
	switch {
	case strings.HasPrefix(msg, "age_restricted"):
		return apperr.ExtractionAgeRestricted
	case strings.HasPrefix(msg, "geo_blocked"):
		return apperr.ExtractionGeoBlocked
	case strings.HasPrefix(msg, "private_or_removed"):
		return apperr.ExtractionPrivateOrRemoved
	case strings.HasPrefix(msg, "members_only"):
		return apperr.ExtractionMembersOnly
	case strings.HasPrefix(msg, "scheduled_premiere"):
		return apperr.ExtractionPremiere
	case strings.HasPrefix(msg, "rate_limited"):
		return apperr.ExtractionRateLimited
	case strings.HasPrefix(msg, "transcripts_disabled"):
		return apperr.ExtractionTranscriptsDisabled
	default:
		return apperr.ExtractionNetworkTimeout
	}
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
