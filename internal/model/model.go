// Package model defines the shared domain entities persisted and passed
// between pipeline stages (spec §3). These are plain value types; nothing
// here talks to storage directly.
package model

import "time"

// RequestKind classifies how a submission entered the pipeline.
type RequestKind string

const (
	KindURLWeb   RequestKind = "url_web"
	KindURLVideo RequestKind = "url_video"
	KindForward  RequestKind = "forward"
)

// RequestStatus is monotonic forward except error->error.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusOK         RequestStatus = "ok"
	StatusError      RequestStatus = "error"
)

// Request is the durable record of one submission, keyed by correlation id.
type Request struct {
	ID            string
	Kind          RequestKind
	Status        RequestStatus
	InputText     string
	NormalizedURL *string
	DedupeHash    *string
	LangDetected  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Error         *ErrorInfo
}

// ErrorInfo is the structured error recorded against a terminal Request.
type ErrorInfo struct {
	Code    string
	Message string
}

// CrawlStatus is the outcome of one content-extraction attempt.
type CrawlStatus string

const (
	CrawlOK    CrawlStatus = "ok"
	CrawlError CrawlStatus = "error"
)

// CrawlResult is created exactly once per successful extraction; reuse is
// a lookup, never a second row.
type CrawlResult struct {
	RequestID  string
	SourceURL  string
	HTTPStatus int
	Status     CrawlStatus
	Markdown   string
	HTML       *string
	Structured map[string]any
	Metadata   map[string]string
	Links      []string
	LatencyMS  int64
	ErrorText  *string
	RawPayload []byte // opaque vendor payload, stored verbatim
	Source     string // "scraper" | "salvage"
}

// VideoStatus tracks the lifecycle of a YouTube download+transcript job.
type VideoStatus string

const (
	VideoPending     VideoStatus = "pending"
	VideoDownloading VideoStatus = "downloading"
	VideoCompleted   VideoStatus = "completed"
	VideoError       VideoStatus = "error"
)

// TranscriptSource records which mechanism produced the transcript text.
type TranscriptSource string

const (
	TranscriptAPIManual TranscriptSource = "api_manual"
	TranscriptAPIAuto   TranscriptSource = "api_auto"
	TranscriptVTTFallback TranscriptSource = "vtt_fallback"
	TranscriptNone      TranscriptSource = "none"
)

// VideoArtifact is the 0..1-per-request YouTube extraction record.
type VideoArtifact struct {
	RequestID        string
	VideoID          string
	Status           VideoStatus
	VideoPath        *string
	SubtitlePath     *string
	MetadataPath     *string
	ThumbnailPath    *string
	DurationSec      int
	Resolution       string
	TranscriptText   string
	TranscriptSource TranscriptSource
	SubtitleLanguage string
	AutoGenerated    bool
	Title            string
	Channel          string
}

// Preset is the LLM request shaping strategy for one attempt.
type Preset string

const (
	PresetSchemaStrict       Preset = "schema_strict"
	PresetSchemaRelaxed      Preset = "schema_relaxed"
	PresetJSONObjectGuardrail Preset = "json_object_guardrail"
	PresetJSONObjectFallback Preset = "json_object_fallback"
)

// LLMCallStatus is the outcome of one LLM attempt.
type LLMCallStatus string

const (
	LLMCallOK    LLMCallStatus = "ok"
	LLMCallError LLMCallStatus = "error"
)

// LLMCall records every attempt, including failures, before the next is issued.
type LLMCall struct {
	RequestID     string
	Provider      string
	Model         string
	Preset        Preset
	AttemptIndex  int
	Messages      []ChatMessage
	ResponseText  string
	ResponseObj   map[string]any
	PromptTokens  int
	OutputTokens  int
	CostEstimate  float64
	LatencyMS     int64
	Status        LLMCallStatus
	ErrorText     *string
}

// ChatMessage mirrors an OpenAI-style chat-completion message.
type ChatMessage struct {
	Role    string
	Content string
}

// KeyStat is one structured fact extracted into the summary contract.
type KeyStat struct {
	Label         string  `json:"label"`
	Value         string  `json:"value"`
	Unit          *string `json:"unit,omitempty"`
	SourceExcerpt *string `json:"source_excerpt,omitempty"`
}

// Readability carries the chosen readability scoring method and result.
type Readability struct {
	Method string  `json:"method"`
	Score  float64 `json:"score"`
	Level  string  `json:"level"`
}

// Entities groups deduped named entities by category.
type Entities struct {
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`
	Locations     []string `json:"locations"`
}

// SummaryPayload is the validated contract object (spec §4.7).
type SummaryPayload struct {
	Summary250               string      `json:"summary_250"`
	Summary1000               string      `json:"summary_1000"`
	TLDR                      string      `json:"tldr"`
	KeyIdeas                  []string    `json:"key_ideas"`
	TopicTags                 []string    `json:"topic_tags"`
	Entities                  Entities    `json:"entities"`
	EstimatedReadingTimeMin   int         `json:"estimated_reading_time_min"`
	KeyStats                  []KeyStat   `json:"key_stats"`
	AnsweredQuestions         []string    `json:"answered_questions"`
	Readability               Readability `json:"readability"`
	SEOKeywords               []string    `json:"seo_keywords"`
}

// Summary is the 0..1-per-request persisted contract result.
type Summary struct {
	RequestID string
	Lang      string
	Payload   SummaryPayload
	Version   int
}

// AuditEvent is one append-only log line tied to a correlation id.
type AuditEvent struct {
	Timestamp     time.Time
	Sequence      uint64
	Level         string
	EventName     string
	CorrelationID string
	UserID        *string
	Details       map[string]any
}
