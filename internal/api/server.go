// Package api serves the queue snapshot, admin submit/remove endpoints,
// rate limiter state, health and metrics over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/logging"
	"github.com/Sternrassler/osu-score-fetcher/pkg/ratelimit"
	"github.com/Sternrassler/osu-score-fetcher/pkg/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Scheduler is the part of *scheduler.Scheduler the API drives.
type Scheduler interface {
	Submit(ctx context.Context, subjectID int64, wantPrimary, wantConverts bool) bool
	Remove(subjectID int64) bool
	Snapshot() scheduler.Snapshot
}

// Config holds server dependencies.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// AdminToken protects /api/v1/admin with a bearer token. Empty disables auth.
	AdminToken string

	// Scheduler (REQUIRED)
	Scheduler Scheduler

	// Limiter is reported by /api/v1/ratelimit (optional).
	Limiter ratelimit.Limiter

	// Health is called by /health (optional), e.g. the store ping.
	Health func(ctx context.Context) error
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	config Config
	logger zerolog.Logger
}

// New creates a server and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	s := &Server{
		router: r,
		config: cfg,
		logger: logging.NewLogger("api"),
	}
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.registerRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.AdminToken == "" {
		s.logger.Warn().Msg("Admin endpoints enabled without token - do not expose this server publicly")
	}
	return s, nil
}

// Start listens until Shutdown is called. It returns nil after a clean
// shutdown, also when Shutdown ran first.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.Addr).Msg("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
