package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/osu-score-fetcher/pkg/metrics"
	"github.com/go-chi/chi/v5"
)

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/queue", s.handleQueue)
		r.Get("/ratelimit", s.handleRateLimit)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Post("/fetch/{subjectID}", s.handleSubmit)
			r.Delete("/fetch/{subjectID}", s.handleRemove)
		})
	})
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.config.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.config.Health(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Scheduler.Snapshot())
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.config.Limiter == nil {
		writeError(w, http.StatusNotFound, "rate limiter not configured")
		return
	}
	state, err := s.config.Limiter.State(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read rate limit state")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		WindowStart   time.Time `json:"window_start"`
		CallsInWindow int       `json:"calls_in_window"`
		Limit         int       `json:"limit"`
		WindowSeconds float64   `json:"window_seconds"`
		Remaining     int       `json:"remaining"`
		Backend       string    `json:"backend"`
	}{
		WindowStart:   state.WindowStart,
		CallsInWindow: state.CallsInWindow,
		Limit:         state.Limit,
		WindowSeconds: state.Window.Seconds(),
		Remaining:     state.Remaining(),
		Backend:       state.Backend,
	})
}

// handleSubmit queues a fetch. Flags come from ?primary= and ?converts=.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectIDParam(w, r)
	if !ok {
		return
	}

	wantPrimary, err := boolQuery(r, "primary")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wantConverts, err := boolQuery(r, "converts")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, okResponse{OK: s.config.Scheduler.Submit(r.Context(), id, wantPrimary, wantConverts)})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := subjectIDParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: s.config.Scheduler.Remove(id)})
}

func subjectIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "subjectID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid subject id "+strconv.Quote(raw))
		return 0, false
	}
	return id, true
}

// boolQuery parses an optional boolean query parameter; absent means false.
func boolQuery(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid value %q for %s", raw, name)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
