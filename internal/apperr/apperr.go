// Package apperr defines the structured error taxonomy used across the
// pipeline (spec §7). It replaces ad hoc error strings and exception-style
// control flow with a single tagged type every component returns.
package apperr

import (
	"errors"
	"fmt"
)

// Code is the closed taxonomy of error categories a submission can fail with.
type Code string

const (
	Validation Code = "validation"
	DedupeReuse Code = "dedupe_reuse" // not an error; success with reused=true
	LockHeld    Code = "lock_held"

	ExtractionAgeRestricted      Code = "extraction_age_restricted"
	ExtractionGeoBlocked         Code = "extraction_geo_blocked"
	ExtractionPrivateOrRemoved   Code = "extraction_private_or_removed"
	ExtractionMembersOnly        Code = "extraction_members_only"
	ExtractionPremiere           Code = "extraction_premiere"
	ExtractionRateLimited        Code = "extraction_rate_limited"
	ExtractionTranscriptsDisabled Code = "extraction_transcripts_disabled"
	ExtractionNetworkTimeout     Code = "extraction_network_timeout"
	ExtractionQualityBelowThreshold Code = "extraction_quality_below_threshold"
	ExtractionStorageFull        Code = "extraction_storage_full"

	LLMStructuredParse    Code = "llm_structured_parse"
	LLMEmptyResponse      Code = "llm_empty_response"
	LLMRateLimited        Code = "llm_rate_limited"
	LLMServerError        Code = "llm_server_error"
	LLMAllAttemptsFailed  Code = "llm_all_attempts_failed"
	LLMFeedbackIneffective Code = "llm_feedback_ineffective"

	StorageIntegrity        Code = "storage_integrity"
	StorageTransactionFailed Code = "storage_transaction_failed"

	Cancelled Code = "cancelled"
	Internal  Code = "internal"

	CleanupPermissionDenied Code = "cleanup_permission_denied"
	CleanupUnexpected       Code = "cleanup_unexpected"
)

// retryable is the closed set of codes for which a caller may retry.
var retryable = map[Code]bool{
	ExtractionRateLimited:    true,
	ExtractionNetworkTimeout: true,
	LLMRateLimited:           true,
	LLMServerError:           true,
	StorageTransactionFailed: true,
}

// Error is the single structured error type every component returns.
// It always carries the correlation id so every user-visible failure can be
// traced back through logs, audit events, and stored rows.
type Error struct {
	Code          Code
	CorrelationID string
	Message       string
	RetryAfter    *int // seconds, set for rate-limited errors when known
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Code, e.CorrelationID, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.CorrelationID, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryPossible reports whether callers should offer retry guidance.
func (e *Error) RetryPossible() bool { return retryable[e.Code] }

// New builds an Error with the given code and correlation id.
func New(code Code, correlationID, message string) *Error {
	return &Error{Code: code, CorrelationID: correlationID, Message: message}
}

// Wrap builds an Error that wraps an underlying cause.
func Wrap(code Code, correlationID, message string, err error) *Error {
	return &Error{Code: code, CorrelationID: correlationID, Message: message, Err: err}
}

// As is a thin convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// CodeOf returns the Code of err if it is (or wraps) an *Error, else Internal.
func CodeOf(err error) Code {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return Internal
}
