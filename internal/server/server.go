// Package server exposes the REST API, provider webhooks, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/approval"
	"github.com/drewdunne/conductor/internal/config"
	"github.com/drewdunne/conductor/internal/event"
	"github.com/drewdunne/conductor/internal/mergetrain"
	"github.com/drewdunne/conductor/internal/metrics"
	"github.com/drewdunne/conductor/internal/store"
	"github.com/drewdunne/conductor/internal/webhook"
)

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the services the server exposes.
type Deps struct {
	Store     store.Store
	Approvals *approval.Service
	Train     *mergetrain.Service
	// Events receives webhook deliveries. nil disables the webhook routes.
	Events *event.Router
	Checks map[string]HealthCheck
	Logger *zap.Logger
}

// Server is the HTTP server for conductor.
type Server struct {
	cfg          *config.Config
	deps         Deps
	router       chi.Router
	logger       *zap.Logger
	mu       sync.Mutex
	srv      *http.Server // set once listening
	listener net.Listener
	ready    chan struct{} // closed once listening
}

// New creates a new Server with the given config.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
		logger: deps.Logger.Named("server"),
		ready:  make(chan struct{}),
	}
	s.routes()
	return s
}

// Ready returns a channel that is closed when the server is ready to accept connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if s.deps.Events != nil {
		if secret := s.cfg.Providers.GitHub.WebhookSecret; secret != "" {
			r.Method(http.MethodPost, "/webhook/github", webhook.NewGitHubHandler(secret, s.deps.Events.GitHub))
		}
		if secret := s.cfg.Providers.GitLab.WebhookSecret; secret != "" {
			r.Method(http.MethodPost, "/webhook/gitlab", webhook.NewGitLabHandler(secret, s.deps.Events.GitLab))
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/approval_rules", s.listProjectRules)
			r.Post("/approval_rules", s.createProjectRule)
			r.Put("/approval_rules/{ruleID}", s.updateProjectRule)
			r.Delete("/approval_rules/{ruleID}", s.deleteProjectRule)
			r.Get("/merge_trains", s.listTrain)
		})
		r.Route("/merge_requests/{mrID}", func(r chi.Router) {
			r.Get("/approval_rules", s.listMergeRequestRules)
			r.Post("/approval_rules", s.createMergeRequestRule)
			r.Get("/approval_state", s.approvalState)
			r.Post("/approvals", s.approve)
			r.Delete("/approvals/{userID}", s.unapprove)
			r.Get("/merge_train", s.trainEntry)
			r.Post("/merge_train", s.addToTrain)
			r.Delete("/merge_train", s.removeFromTrain)
		})
	})
}

// handleHealth responds with server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthResponse{Status: "ok", Checks: map[string]string{}}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			health.Status = "degraded"
			health.Checks[name] = err.Error()
			continue
		}
		health.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
