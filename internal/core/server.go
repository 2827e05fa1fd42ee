// Package core provides the API chassis for the polarsync service: a chi
// router with the cross-cutting middleware chain (panic recovery, request
// ids, timeouts, structured logging with header redaction) and the shared
// response and validation utilities, applied before requests reach
// domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"polarsync/internal/config"
)

// RouteRegistrar mounts a group of domain handler routes onto the router.
// The application entry point populates Server.RouteRegistrars; this
// indirection avoids import cycles between core and handler packages.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the router and its cross-cutting dependencies,
// allowing injection during testing and distinct configuration per
// environment.
type Server struct {
	Config          *config.Config
	Logger          *slog.Logger
	Validator       *validator.Validate
	HealthProbes    []HealthProbe
	RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer initializes the router and validator and prepares the server
// for route mounting. The caller registers domain routes via
// RouteRegistrars and then calls MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: validator.New(validator.WithRequiredStructEnabled()),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, the /v1 API group,
// and the top-level health endpoint.
//
// Middleware ordering:
//  1. Recoverer        - outermost, catches all panics.
//  2. ContextTimeout   - soft deadline for the whole request.
//  3. RequestID        - correlation id for logs and responses.
//  4. SecurityHeaders  - present on every response.
//  5. RequestLogger    - structured logging with redacted headers.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range s.RouteRegistrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return 29 * time.Second
}

// Shutdown performs a graceful termination of server resources. The
// database pool is owned and closed by main; this hook exists for
// symmetry and future resource ownership.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown complete")
	return nil
}
