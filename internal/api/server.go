package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. metricsHandler may be nil, in which
// case /metrics is not mounted.
func NewServer(cfg domain.ServerConfig, intake Intake, rules RuleCatalog, checks map[string]Pinger, metricsHandler http.Handler, version string) *Server {
	handler := NewHandler(intake, rules, checks, version)
	router := chi.NewRouter()

	router.Use(middleware.RealIP)
	router.Use(CORS)
	router.Use(RequestContext)
	router.Use(AccessLog)
	router.Use(Recover)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if metricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	router.Route("/accounts", func(r chi.Router) {
		r.Post("/", handler.CreateAccount)
		r.Get("/{id}", handler.GetAccount)
	})

	router.Route("/transactions", func(r chi.Router) {
		r.Post("/", handler.SubmitTransaction)
		r.Get("/{id}", handler.GetTransaction)
		r.Get("/{id}/alerts", handler.ListAlerts)
	})

	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Get("/{id}", handler.GetRule)
		r.Put("/{id}", handler.UpdateRule)
		r.Put("/{id}/conditions", handler.UpdateRuleConditions)
		r.Put("/{id}/priority", handler.UpdateRulePriority)
		r.Post("/{id}/activate", handler.ActivateRule)
		r.Post("/{id}/deactivate", handler.DeactivateRule)
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
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
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
