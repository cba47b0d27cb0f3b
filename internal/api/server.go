// Package api provides the HTTP API for starting and inspecting workflows.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/delivery"
	"github.com/hugo-lorenzo-mato/stepwise/internal/events"
)

// Runner starts workflows and redelivers tasks.
type Runner interface {
	StartWorkflow(ctx context.Context, workflowType string, data map[string]any) (*core.Workflow, *core.Task, error)
	Redeliver(ctx context.Context, id core.TaskID) (*core.Task, error)
}

// Server provides HTTP REST API endpoints for workflow management.
type Server struct {
	router      chi.Router
	runner      Runner
	store       core.Store
	graphs      func() []string
	stats       func() delivery.StatsSnapshot
	events      *eventStream
	corsOrigins []string
	logger      *slog.Logger
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCORSOrigins restricts cross-origin access. Empty allows any origin.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithGraphTypes exposes the registered workflow types.
func WithGraphTypes(types func() []string) ServerOption {
	return func(s *Server) {
		s.graphs = types
	}
}

// WithStats exposes worker pool counters.
func WithStats(stats func() delivery.StatsSnapshot) ServerOption {
	return func(s *Server) {
		s.stats = stats
	}
}

// WithEvents streams bus events on GET /api/v1/events.
func WithEvents(bus *events.Bus) ServerOption {
	return func(s *Server) {
		if bus != nil {
			s.events = newEventStream(bus)
		}
	}
}

// NewServer creates a new API server.
func NewServer(runner Runner, store core.Store, opts ...ServerOption) *Server {
	s := &Server{
		runner: runner,
		store:  store,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Route("/api/v1", func(r chi.Router) {
		// Streams are long-lived and sit outside the request timeout.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Route("/workflows", func(r chi.Router) {
				r.Post("/", s.handleStartWorkflow)
				r.Get("/{workflowID}", s.handleGetWorkflow)
			})
			r.Route("/tasks/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/redeliver", s.handleRedeliverTask)
			})
			r.Get("/dead-letters", s.handleListDeadLetters)
			r.Get("/graphs", s.handleListGraphs)
			r.Get("/stats", s.handleStats)
		})
	})

	r.With(middleware.Timeout(10*time.Second)).Get("/health", s.handleHealth)

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports whether the store is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
			"time":   now,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   now,
	})
}

// ListenAndServe starts the HTTP server and shuts it down when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with ctx so event streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
