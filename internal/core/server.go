// Package core provides the API chassis for the expensio billing service.
// It creates a chi router and enforces cross-cutting concerns -- logging,
// request identification, panic recovery, and error handling -- before
// requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"expensio/internal/config"
)

// RouteRegistrar mounts a group of routes onto the router. Handlers expose a
// RegisterRoutes method matching this signature.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the shared dependencies of the HTTP surface, allowing
// for easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *Metrics

	// Pinger reports data-store liveness for the health endpoint.
	Pinger Pinger

	// RouteRegistrars are mounted under the router root by MountRoutes.
	RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// Pinger is the minimal health-check contract satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewServer initializes the server chassis. It performs a fail-fast check on
// critical configuration. The caller mounts routes via MountRoutes after
// registering handlers; this separation allows tests to customize route
// registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:  cfg,
		Logger:  logger,
		Metrics: NewMetrics(),
		router:  chi.NewRouter(),
	}, nil
}

// MountRoutes wires the middleware chain, the health endpoint, and every
// registered route group. Middleware order matters: Recoverer is outermost so
// panics anywhere in the chain are caught.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(s.RequestID)
	s.router.Use(s.RequestLogger)

	s.router.Get("/health", s.handleHealth)

	for _, register := range s.RouteRegistrars {
		register(s.router)
	}
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
