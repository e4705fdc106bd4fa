// Package completion submits household conversations to the model service and
// turns every result into exactly one CompletionOutcome.
//
// Only overloaded responses are retried, with capped exponential backoff.
// Authentication, server and other failures end the call on first occurrence
// and are surfaced as fallback replies.
package completion

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/household-assistant/internal/api/anthropic"
	"github.com/tjfontaine/household-assistant/internal/domain"
	"github.com/tjfontaine/household-assistant/internal/telemetry"
	"github.com/tjfontaine/household-assistant/internal/tokens"
)

const tracerName = "github.com/tjfontaine/household-assistant/internal/completion"

// Defaults for Config fields left zero.
const (
	DefaultModel       = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens   = 800
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 5 * time.Second
)

// MessageCreator is the upstream operation the gateway depends on.
// *anthropic.Client satisfies it.
type MessageCreator interface {
	CreateMessage(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error)
}

// MessageCreatorFunc adapts a function to MessageCreator.
type MessageCreatorFunc func(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error)

// CreateMessage calls f(ctx, req).
func (f MessageCreatorFunc) CreateMessage(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	return f(ctx, req)
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config is the static generation configuration.
type Config struct {
	// System is prepended to every conversation.
	System string

	Model       string
	MaxTokens   int
	MaxAttempts int

	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	return c
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records attempts and outcomes in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithSleeper replaces the backoff wait.
func WithSleeper(s Sleeper) Option {
	return func(g *Gateway) {
		if s != nil {
			g.sleep = s
		}
	}
}

// WithEstimator logs a prompt size estimate on every attempt.
func WithEstimator(e *tokens.Estimator) Option {
	return func(g *Gateway) {
		g.estimator = e
	}
}

// Gateway is the Completion Gateway. It keeps no per-call state, so a single
// Gateway serves concurrent callers.
type Gateway struct {
	client    MessageCreator
	cfg       Config
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	estimator *tokens.Estimator
	sleep     Sleeper
	tracer    trace.Tracer
}

// New creates a gateway around client.
func New(client MessageCreator, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		sleep:  sleepContext,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CompleteDefault calls Complete with the configured attempt budget.
func (g *Gateway) CompleteDefault(ctx context.Context, conversation []domain.ConversationMessage) domain.CompletionOutcome {
	return g.Complete(ctx, conversation, g.cfg.MaxAttempts)
}

// Complete submits the conversation and returns its outcome. maxRetries bounds
// the total number of attempts; values below 1 make no attempt.
func (g *Gateway) Complete(ctx context.Context, conversation []domain.ConversationMessage, maxRetries int) domain.CompletionOutcome {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "completion.Complete", trace.WithAttributes(
		attribute.Int("completion.messages", len(conversation)),
		attribute.Int("completion.max_attempts", maxRetries),
		attribute.String("completion.model", g.cfg.Model),
	))
	defer span.End()

	req := g.buildRequest(conversation)
	logger := g.logger.With(
		slog.String("model", g.cfg.Model),
		slog.Int("messages", len(conversation)),
	)
	if g.estimator != nil {
		logger = logger.With(slog.Int("prompt_tokens_estimate", g.estimator.Estimate(g.cfg.System, conversation)))
	}

	outcome := domain.FallbackOutcome(domain.ReasonAllRetriesExhausted)
	attempts := 0

attemptLoop:
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attempts = attempt
		logger.Debug("completion attempt", slog.Int("attempt", attempt))

		resp, err := g.client.CreateMessage(ctx, req)
		if err == nil {
			g.countAttempt("success")
			span.AddEvent("attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("result", "success"),
			))

			text, ok := resp.FirstText()
			if !ok {
				logger.Warn("completion returned no text block",
					slog.Int("attempt", attempt),
					slog.String("stop_reason", resp.StopReason),
				)
				outcome = domain.CompletionOutcome{Text: domain.EmptyResponseMessage, Reason: domain.ReasonUnknown}
				break attemptLoop
			}
			outcome = domain.TextOutcome(text)
			break attemptLoop
		}

		class := Classify(err)
		g.countAttempt(class.String())
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("result", class.String()),
		))
		logger.Warn("completion attempt failed",
			slog.Int("attempt", attempt),
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
		)

		switch class {
		case ClassOverloaded:
			if attempt >= maxRetries {
				outcome = domain.FallbackOutcome(domain.ReasonServiceBusy)
				break attemptLoop
			}
			delay := Backoff(attempt, g.cfg.BackoffBase, g.cfg.BackoffCap)
			logger.Info("retrying after overload",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if g.metrics != nil {
				g.metrics.Retries.Inc()
			}
			if err := g.sleep(ctx, delay); err != nil {
				logger.Warn("backoff interrupted", slog.String("error", err.Error()))
				break attemptLoop
			}
		case ClassAuth:
			outcome = domain.FallbackOutcome(domain.ReasonAuthFailure)
			break attemptLoop
		case ClassServer:
			// Server errors are reported, never retried.
			outcome = domain.FallbackOutcome(domain.ReasonServerError)
			break attemptLoop
		default:
			outcome = domain.FallbackOutcome(domain.ReasonUnknown)
			break attemptLoop
		}
	}

	outcome.Attempts = attempts
	g.finish(span, logger, outcome, time.Since(start))
	return outcome
}

func (g *Gateway) buildRequest(conversation []domain.ConversationMessage) *anthropic.MessagesRequest {
	messages := make([]anthropic.Message, 0, len(conversation))
	for _, msg := range conversation {
		messages = append(messages, anthropic.TextMessage(string(msg.Role), msg.Content))
	}

	req := &anthropic.MessagesRequest{
		Model:     g.cfg.Model,
		MaxTokens: g.cfg.MaxTokens,
		Messages:  messages,
	}
	if g.cfg.System != "" {
		req.System = anthropic.SystemMessages{{Type: "text", Text: g.cfg.System}}
	}
	return req
}

func (g *Gateway) countAttempt(result string) {
	if g.metrics != nil {
		g.metrics.Attempts.WithLabelValues(result).Inc()
	}
}

func (g *Gateway) finish(span trace.Span, logger *slog.Logger, outcome domain.CompletionOutcome, elapsed time.Duration) {
	span.SetAttributes(
		attribute.String("completion.outcome", outcome.Kind()),
		attribute.Int("completion.attempts", outcome.Attempts),
	)
	if outcome.IsFallback() {
		span.SetStatus(codes.Error, string(outcome.Reason))
	}

	if g.metrics != nil {
		g.metrics.Outcomes.WithLabelValues(outcome.Kind()).Inc()
		g.metrics.ObserveDuration(elapsed)
	}

	logger.Info("completion finished",
		slog.String("outcome", outcome.Kind()),
		slog.Int("attempts", outcome.Attempts),
		slog.Duration("duration", elapsed),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
