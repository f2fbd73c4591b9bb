// Package batch implements the Batch Orchestrator (spec §4.9): bounded
// concurrency across two gates (global + per-user), one circuit breaker
// shared by every submission of a run, a fixed-rate token bucket in front of
// each submission's work (its rate does not change on 429 responses), and
// per-submission retry.
// Grounded on the teacher's pipeline.go fan-out (goroutine-per-task,
// channel-based collection, WaitGroup), generalized from "search queries"
// to "submissions" and given the spec's circuit-breaker/rate-limit/
// backpressure machinery the teacher's fire-and-forget fan-out never needed.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/anatolykoptev/digestor/internal/apperr"
	"github.com/anatolykoptev/digestor/internal/config"
	"github.com/anatolykoptev/digestor/internal/metrics"
	"github.com/anatolykoptev/digestor/internal/retry"
)

// Submission is one unit of work the orchestrator schedules.
type Submission struct {
	URL    string
	UserID string
	Run    func(ctx context.Context) error
}

// Result is the per-submission outcome (spec §4.9 "Result type").
type Result struct {
	URL              string
	Success          bool
	ErrorType        string
	ErrorMessage     string
	RetryPossible    bool
	ProcessingTimeMS int64
}

// BatchResult aggregates a full run: success/failure counts, an error
// histogram grouped by error_type, and the first few failed URLs.
type BatchResult struct {
	Total            int
	Succeeded        int
	Failed           int
	Cancelled        int
	ErrorHistogram   map[string]int
	FirstFailedURLs  []FailedURL
}

type FailedURL struct {
	URL     string
	Message string
}

const maxFirstFailedURLs = 5

// ProgressSink is notified once per completed submission.
type ProgressSink func(completed, total int, r Result)

// Orchestrator holds the two concurrency gates, the circuit breaker, and
// the token bucket shared across a batch run.
type Orchestrator struct {
	cfg     config.Config
	global  *semaphore.Weighted
	userMu  sync.Mutex
	userSem map[string]*semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	progressMu sync.Mutex
	completed  int
}

func New(cfg config.Config) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		global:  semaphore.NewWeighted(int64(cfg.BatchPerBatchCap)),
		userSem: make(map[string]*semaphore.Weighted),
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxConcurrentExternal), cfg.MaxConcurrentExternal),
	}
}

// tripThreshold implements spec §4.9: "trips on max(3, total÷3) consecutive
// failures, capped at 10" — sized to the batch's own submission count.
func tripThreshold(total int) uint32 {
	t := total / 3
	if t < 3 {
		t = 3
	}
	if t > 10 {
		t = 10
	}
	return uint32(t)
}

func newBreaker(cfg config.Config, total int) *gobreaker.CircuitBreaker {
	threshold := tripThreshold(total)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "batch-external-calls",
		MaxRequests: uint32(cfg.CircuitProbeSuccesses),
		Timeout:     cfg.CircuitCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				metrics.IncrCircuitOpen()
			case gobreaker.StateHalfOpen:
				metrics.IncrCircuitHalfOpen()
			case gobreaker.StateClosed:
				metrics.IncrCircuitClose()
			}
		},
	})
}

func (o *Orchestrator) userSemaphore(userID string) *semaphore.Weighted {
	o.userMu.Lock()
	defer o.userMu.Unlock()
	sem, ok := o.userSem[userID]
	if !ok {
		sem = semaphore.NewWeighted(int64(o.cfg.MaxConcurrentPerUser))
		o.userSem[userID] = sem
	}
	return sem
}

// Run schedules every submission under the two concurrency gates, the
// circuit breaker, and the per-submission timeout, reporting progress as
// each completes. Submissions are spawned on demand rather than all at
// once (spec §5 "must not materialize all task objects up front").
func (o *Orchestrator) Run(ctx context.Context, submissions []Submission, sink ProgressSink) BatchResult {
	total := len(submissions)
	o.breaker = newBreaker(o.cfg, total)

	results := make(chan Result, total)
	var wg sync.WaitGroup
	spawn := make(chan struct{}, max(1, o.cfg.BatchPerBatchCap))

	for _, sub := range submissions {
		spawn <- struct{}{}
		wg.Add(1)
		go func(s Submission) {
			defer wg.Done()
			defer func() { <-spawn }()
			results <- o.runOne(ctx, s)
		}(sub)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	agg := BatchResult{Total: total, ErrorHistogram: make(map[string]int)}
	for r := range results {
		o.progressMu.Lock()
		o.completed++
		completed := o.completed
		o.progressMu.Unlock()

		if sink != nil {
			sink(completed, total, r)
		}

		switch {
		case r.Success:
			agg.Succeeded++
		case r.ErrorType == string(apperr.Cancelled):
			agg.Cancelled++
		default:
			agg.Failed++
			agg.ErrorHistogram[r.ErrorType]++
			if len(agg.FirstFailedURLs) < maxFirstFailedURLs {
				agg.FirstFailedURLs = append(agg.FirstFailedURLs, FailedURL{URL: r.URL, Message: r.ErrorMessage})
			}
		}
	}
	return agg
}

// runOne runs a single submission: acquire permits, honor the circuit
// breaker and rate limiter, retry on retryable failure, always release
// permits on every exit path including cancellation (spec §5 cleanup
// discipline; §4.9 suspension points).
func (o *Orchestrator) runOne(ctx context.Context, s Submission) (result Result) {
	start := time.Now()
	result.URL = s.URL

	submissionCtx, cancel := context.WithTimeout(ctx, o.cfg.BatchSubmissionTimeout)
	defer cancel()

	userSem := o.userSemaphore(s.UserID)

	if err := userSem.Acquire(submissionCtx, 1); err != nil {
		return cancelledResult(s.URL, start)
	}
	defer userSem.Release(1)

	if err := o.global.Acquire(submissionCtx, 1); err != nil {
		return cancelledResult(s.URL, start)
	}
	defer o.global.Release(1)

	if o.breaker.State() == gobreaker.StateOpen {
		result.ErrorType = "circuit_open"
		result.ErrorMessage = "circuit breaker open; submission skipped"
		result.RetryPossible = true
		result.ProcessingTimeMS = time.Since(start).Milliseconds()
		return result
	}

	if err := o.limiter.Wait(submissionCtx); err != nil {
		return cancelledResult(s.URL, start)
	}

	retryPolicy := retry.Policy{MaxAttempts: o.cfg.RetryAttempts, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, JitterRatio: 0.2}

	_, err := retry.Do(submissionCtx, retryPolicy, isRetryableAppErr, func(ctx context.Context) (struct{}, error) {
		_, breakerErr := o.breaker.Execute(func() (interface{}, error) {
			return nil, s.Run(ctx)
		})
		return struct{}{}, breakerErr
	})

	result.ProcessingTimeMS = time.Since(start).Milliseconds()
	if err == nil {
		result.Success = true
		return result
	}
	if submissionCtx.Err() != nil {
		return cancelledResult(s.URL, start)
	}

	result.ErrorType = string(apperr.CodeOf(err))
	result.ErrorMessage = err.Error()
	if ae, ok := apperr.As(err); ok {
		result.RetryPossible = ae.RetryPossible()
	}
	return result
}

func cancelledResult(url string, start time.Time) Result {
	return Result{
		URL: url, ErrorType: string(apperr.Cancelled), ErrorMessage: "submission cancelled",
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}
}

func isRetryableAppErr(err error) bool {
	if ae, ok := apperr.As(err); ok {
		return ae.RetryPossible()
	}
	return false
}
