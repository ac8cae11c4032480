package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Server serves the ops endpoints and any routes a service adds to its mux.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer mounts /health, /health/live, /health/ready and /metrics on a fresh mux.
func NewServer(port int, checker *HealthChecker) *Server {
	InitMetrics()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/health/live", checker.LivenessHandler())
	mux.HandleFunc("/health/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())

	return &Server{
		mux: mux,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handle adds a route. Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
