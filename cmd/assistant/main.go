package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/household-assistant/internal/api/anthropic"
	"github.com/tjfontaine/household-assistant/internal/completion"
	"github.com/tjfontaine/household-assistant/internal/config"
	"github.com/tjfontaine/household-assistant/internal/directive"
	"github.com/tjfontaine/household-assistant/internal/frontdoor/chat"
	"github.com/tjfontaine/household-assistant/internal/pkg/safehttp"
	"github.com/tjfontaine/household-assistant/internal/server"
	"github.com/tjfontaine/household-assistant/internal/telemetry"
	"github.com/tjfontaine/household-assistant/internal/tokens"
)

const serviceName = "household-assistant"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.Tracing.Enabled, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics("household", registry)

	if cfg.Anthropic.APIKey == "" {
		// Surfaces as an authentication fallback on first use.
		logger.Warn("no Anthropic API key configured")
	}

	client := anthropic.NewClient(cfg.Anthropic.APIKey,
		anthropic.WithBaseURL(cfg.Anthropic.BaseURL),
		anthropic.WithHTTPClient(&http.Client{
			Timeout:   cfg.Anthropic.Timeout,
			Transport: otelhttp.NewTransport(safehttp.NewTransport(cfg.Anthropic.AllowPrivateHosts)),
		}),
	)

	gw := completion.New(client, completion.Config{
		System:      directive.System,
		Model:       cfg.Anthropic.Model,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		MaxAttempts: cfg.Completion.MaxAttempts,
		BackoffBase: cfg.Completion.BackoffBase,
		BackoffCap:  cfg.Completion.BackoffCap,
	},
		completion.WithLogger(logger),
		completion.WithMetrics(metrics),
		completion.WithEstimator(tokens.NewEstimator()),
	)

	handler := chat.NewHandler(gw, directive.Members, logger)

	srv := server.New(cfg.Server.Port, logger, cfg.Server.RequestTimeout)
	srv.Router.Post("/api/chat", handler.HandleChat)
	srv.Router.Method(http.MethodGet, "/metrics", telemetry.MetricsHandler(registry))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("household assistant started",
		slog.Int("port", cfg.Server.Port),
		slog.String("model", cfg.Anthropic.Model),
		slog.Int("max_attempts", cfg.Completion.MaxAttempts),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
