// Package api is the HTTP boundary: job submission with a progress stream,
// stats, reports and health.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/relay/internal/config"
)

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a new API server. metricsHandler may be nil when the
// Prometheus endpoint is disabled.
func NewServer(cfg config.ServerConfig, h *Handlers, health *HealthChecker, metricsHandler http.Handler) *Server {
	router := SetupRoutes(h, health, metricsHandler, cfg.CORSOrigins)
	return &Server{
		config:  cfg,
		handler: router,
		router:  router,
	}
}

// ListenAndServe starts the HTTP server. Request contexts derive from ctx,
// so cancelling it stops running jobs at their next batch boundary.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: progress streams last as long as the job. The
		// stream handler sets per-write deadlines instead.
		IdleTimeout: 120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
