// Package server hosts the HTTP router and the middleware chain shared by all
// endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultRequestTimeout = 120 * time.Second

// Server owns the chat router and its http.Server.
type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger

	httpServer *http.Server
}

// New builds the router. requestTimeout bounds each request's context and
// must cover the worst-case retry schedule; zero uses 120s.
func New(port int, logger *slog.Logger, requestTimeout time.Duration) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(requestTimeout))
	r.Use(RecoverMiddleware(logger))

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "household-assistant")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown is called. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones, including
// any completion still inside its backoff schedule.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping server")
	return s.httpServer.Shutdown(ctx)
}
