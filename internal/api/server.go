package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-credit/kestrel/internal/audit"
	"github.com/opensource-credit/kestrel/internal/decision"
	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/history"
	"github.com/opensource-credit/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, processor *decision.Processor, auditor *audit.Logger, historySvc *history.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, engine, processor, auditor, historySvc, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Eligibility evaluation
		r.Post("/evaluate", handler.Evaluate)

		// Evaluation retrieval
		r.Get("/evaluations/{id}", handler.GetEvaluation)

		// Subject history
		r.Get("/subjects/{id}/evaluations", handler.ListSubjectEvaluations)
		r.Get("/subjects/{id}/history", handler.GetSubjectHistory)

		// Criteria management
		r.Get("/criteria", handler.ListCriteria)
		r.Post("/criteria", handler.CreateCriteria)
		r.Post("/criteria/reload", handler.ReloadCriteria)
		r.Get("/criteria/{id}", handler.GetCriteria)
		r.Put("/criteria/{id}", handler.UpdateCriteria)
		r.Delete("/criteria/{id}", handler.DeleteCriteria)
		r.Get("/criteria/{id}/versions", handler.ListCriteriaVersions)
		r.Post("/criteria/{id}/versions", handler.CreateCriteriaVersion)
		r.Get("/criteria/{id}/versions/{version}", handler.GetCriteriaVersion)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
