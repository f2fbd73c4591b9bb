// Package metrics tracks operational counters across the pipeline and
// exposes them in the teacher's plain-text exposition format (no
// Prometheus client — just atomic counters and a FormatMetrics dump).
package metrics

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

var counters struct {
	RequestsCreated   atomic.Int64
	RequestsDeduped   atomic.Int64
	RequestsOK        atomic.Int64
	RequestsError     atomic.Int64
	RequestsCancelled atomic.Int64

	ScraperCalls  atomic.Int64
	ScraperErrors atomic.Int64
	SalvageCalls  atomic.Int64

	LLMCalls     atomic.Int64
	LLMErrors    atomic.Int64
	LLMRetries   atomic.Int64
	LLMFallbacks atomic.Int64

	CircuitOpens     atomic.Int64
	CircuitHalfOpens atomic.Int64
	CircuitCloses    atomic.Int64

	LockHeld     atomic.Int64
	LockDegraded atomic.Int64
}

func IncrRequestsCreated()   { counters.RequestsCreated.Add(1) }
func IncrRequestsDeduped()   { counters.RequestsDeduped.Add(1) }
func IncrRequestsOK()        { counters.RequestsOK.Add(1) }
func IncrRequestsError()     { counters.RequestsError.Add(1) }
func IncrRequestsCancelled() { counters.RequestsCancelled.Add(1) }

func IncrScraperCalls()  { counters.ScraperCalls.Add(1) }
func IncrScraperErrors() { counters.ScraperErrors.Add(1) }
func IncrSalvageCalls()  { counters.SalvageCalls.Add(1) }

func IncrLLMCalls()     { counters.LLMCalls.Add(1) }
func IncrLLMErrors()    { counters.LLMErrors.Add(1) }
func IncrLLMRetries()   { counters.LLMRetries.Add(1) }
func IncrLLMFallbacks() { counters.LLMFallbacks.Add(1) }

func IncrCircuitOpen()     { counters.CircuitOpens.Add(1) }
func IncrCircuitHalfOpen() { counters.CircuitHalfOpens.Add(1) }
func IncrCircuitClose()    { counters.CircuitCloses.Add(1) }

func IncrLockHeld()     { counters.LockHeld.Add(1) }
func IncrLockDegraded() { counters.LockDegraded.Add(1) }

// Snapshot returns a point-in-time copy of every counter.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"requests_created":   counters.RequestsCreated.Load(),
		"requests_deduped":   counters.RequestsDeduped.Load(),
		"requests_ok":        counters.RequestsOK.Load(),
		"requests_error":     counters.RequestsError.Load(),
		"requests_cancelled": counters.RequestsCancelled.Load(),
		"scraper_calls":      counters.ScraperCalls.Load(),
		"scraper_errors":     counters.ScraperErrors.Load(),
		"salvage_calls":      counters.SalvageCalls.Load(),
		"llm_calls":          counters.LLMCalls.Load(),
		"llm_errors":         counters.LLMErrors.Load(),
		"llm_retries":        counters.LLMRetries.Load(),
		"llm_fallbacks":      counters.LLMFallbacks.Load(),
		"circuit_opens":      counters.CircuitOpens.Load(),
		"circuit_half_opens": counters.CircuitHalfOpens.Load(),
		"circuit_closes":     counters.CircuitCloses.Load(),
		"lock_held":          counters.LockHeld.Load(),
		"lock_degraded":      counters.LockDegraded.Load(),
	}
}

// Format renders the counters as the simple text format used by /metrics.
func Format() string {
	m := Snapshot()
	keys := []string{
		"requests_created", "requests_deduped", "requests_ok", "requests_error", "requests_cancelled",
		"scraper_calls", "scraper_errors", "salvage_calls",
		"llm_calls", "llm_errors", "llm_retries", "llm_fallbacks",
		"circuit_opens", "circuit_half_opens", "circuit_closes",
		"lock_held", "lock_degraded",
	}
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	return sb.String()
}

// TrackOperation logs a warning if fn runs longer than the given threshold,
// without affecting fn's return value. Used to spot slow external calls.
func TrackOperation(name string, threshold time.Duration, fn func() error) error {
	start := time.Now()
	err := fn()
	if elapsed := time.Since(start); elapsed > threshold {
		slog.Warn("slow operation", slog.String("op", name), slog.Duration("elapsed", elapsed))
	}
	return err
}
