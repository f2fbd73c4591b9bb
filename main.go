// digestor is a personal content-summarization service: it ingests URLs
// (web articles and YouTube videos), extracts clean text, and produces a
// strict JSON summary via a pluggable LLM provider. Chat transports,
// HTTP/MCP surfaces, and search/embeddings stay out of scope; this binary
// wires the core pipeline and exposes only ambient health/metrics endpoints
// plus a manual CLI submission path for single-operator use.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anatolykoptev/digestor/internal/batch"
	"github.com/anatolykoptev/digestor/internal/config"
	"github.com/anatolykoptev/digestor/internal/coordinator"
	"github.com/anatolykoptev/digestor/internal/extractor"
	"github.com/anatolykoptev/digestor/internal/llmclient"
	"github.com/anatolykoptev/digestor/internal/lock"
	"github.com/anatolykoptev/digestor/internal/metrics"
	"github.com/anatolykoptev/digestor/internal/store"
	"github.com/anatolykoptev/digestor/internal/store/postgres"
	"github.com/anatolykoptev/digestor/internal/store/sqlite"
	"github.com/anatolykoptev/digestor/internal/summarizer"
)

var version = "dev"

func main() {
	submitURL := flag.String("submit", "", "submit free text (one or more URLs) through the pipeline and print the resulting summaries")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if lvl, ok := parseLevel(cfg.LogLevel); ok {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
		slog.SetDefault(logger)
	}

	coord, closeAll, err := wire(cfg)
	if err != nil {
		logger.Error("wiring failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeAll()

	if *submitURL != "" {
		runSubmit(coord, *submitURL)
		return
	}

	runServer(cfg, logger)
}

func wire(cfg config.Config) (*coordinator.Coordinator, func(), error) {
	var st store.Store
	switch cfg.StoreBackend {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st = pg
	default:
		sq, err := sqlite.Open(cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		st = sq
	}

	var lockOpts []lock.Option
	if cfg.LockBackend == "redis" {
		lockOpts = append(lockOpts, lock.WithRedis(cfg.RedisURL, cfg.RedisRequired))
	}
	locks, err := lock.New(lockOpts...)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("build lock manager: %w", err)
	}

	ex := extractor.New(cfg)
	llm := llmclient.New(cfg)
	agent := summarizer.New(llm, cfg.RetryAttempts, summarizer.WithRecorder(st.RecordLLMCall))
	orchestrator := batch.New(cfg)
	coord := coordinator.New(cfg, st, locks, ex, agent, orchestrator)

	closeAll := func() {
		if err := st.Close(); err != nil {
			slog.Warn("store close failed", slog.Any("error", err))
		}
	}
	return coord, closeAll, nil
}

// runSubmit treats the --submit argument as free text that may carry one
// or several URLs; every URL found is routed through the batch
// orchestrator (C9), so even a single-operator CLI run exercises the same
// concurrency caps, circuit breaker, and rate limiter as any other batch.
func runSubmit(coord *coordinator.Coordinator, text string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, outcomes := coord.SubmitText(ctx, text, "cli-operator")
	if len(outcomes) == 0 {
		slog.Error("submission failed", slog.String("reason", "no url found in input"))
		os.Exit(1)
	}

	exitCode := 0
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			exitCode = 1
			slog.Error("submission failed",
				slog.String("request_id", outcome.RequestID),
				slog.String("code", string(outcome.Err.Code)),
				slog.String("message", outcome.Err.Message),
			)
			continue
		}
		slog.Info("submission complete",
			slog.String("request_id", outcome.RequestID),
			slog.Bool("reused", outcome.Reused),
		)
		fmt.Println(outcome.Summary.Payload.TLDR)
		fmt.Println(outcome.Summary.Payload.Summary250)
	}

	slog.Info("batch complete",
		slog.Int("total", result.Total),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
	)
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func runServer(cfg config.Config, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"digestor","version":"` + version + `"}`))
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(metrics.Format()))
	})

	srv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	<-sigCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.Any("error", err))
	}
	logger.Info("stopped")
}

func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
