// Package server exposes the station's status API: health, per-source
// state, item queries, a manual collection trigger and the Prometheus
// endpoint. It binds to loopback by default; anything wider is an
// explicit config choice.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"

	"github.com/sentinelpi/sentinel/internal/logging"
	"github.com/sentinelpi/sentinel/internal/metrics"
	"github.com/sentinelpi/sentinel/internal/store"
	"github.com/sentinelpi/sentinel/pkg/scoring"
	"github.com/sentinelpi/sentinel/pkg/source"
)

// Runner triggers collection cycles on demand. *scheduler.Scheduler
// implements it.
type Runner interface {
	RunOnce(ctx context.Context, sourceID string) error
}

// Server is the status HTTP API.
type Server struct {
	store   store.Store
	learner *scoring.Learner
	runner  Runner
	listen  string
	started time.Time
}

// New builds the server. learner and runner may be nil; the endpoints
// needing them degrade instead of failing.
func New(st store.Store, learner *scoring.Learner, runner Runner, listen string) *Server {
	if listen == "" {
		listen = "127.0.0.1:8090"
	}
	return &Server{
		store:   st,
		learner: learner,
		runner:  runner,
		listen:  listen,
		started: time.Now(),
	}
}

func (s *Server) String() string { return "server " + s.listen }

// Serve listens until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Info().Str("listen", s.listen).Msg("status API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("status api: %w", err)
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/items", s.handleItems)
		r.Get("/sources", s.handleSources)
		r.With(httprate.LimitByIP(6, time.Minute)).Post("/collect", s.handleCollect)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sourceHealth is the per-source slice of the status payload.
type sourceHealth struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Type              source.Type `json:"type"`
	Enabled           bool        `json:"enabled"`
	LastCheck         *time.Time  `json:"last_check,omitempty"`
	LastSuccess       *time.Time  `json:"last_success,omitempty"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	Items             int         `json:"items"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sources, err := s.store.ListSources(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.store.CountItemsBySource(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	health := make([]sourceHealth, 0, len(sources))
	for _, src := range sources {
		health = append(health, sourceHealth{
			ID:                src.ID,
			Name:              src.Name,
			Type:              src.Type,
			Enabled:           src.Enabled,
			LastCheck:         src.LastCheck,
			LastSuccess:       src.LastSuccess,
			ConsecutiveErrors: src.ConsecutiveErrors,
			Items:             counts[src.ID],
		})
	}

	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"sources":        health,
		"store":          stats,
	}
	if s.learner != nil {
		if summary, err := s.learner.Summary(ctx); err == nil {
			resp["learning"] = summary
		} else {
			logging.Warn().Err(err).Msg("learner summary")
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOpts{Limit: 100}
	q := r.URL.Query()
	if src := q.Get("source"); src != "" {
		opts.SourceID = src
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339"})
			return
		}
		opts.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		if n > 500 {
			n = 500
		}
		opts.Limit = n
	}
	if q.Get("by_score") == "true" {
		opts.ByScore = true
	}

	items, err := s.store.ListItems(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  sources,
		"count": len(sources),
	})
}

// handleCollect runs a collection pass synchronously. Scope it to one
// source with ?source=<id>.
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "collection not available"})
		return
	}

	sourceID := r.URL.Query().Get("source")
	if err := s.runner.RunOnce(r.Context(), sourceID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
