package api

import (
	"context"
	"net/http"
	"time"
)

// Server represents the API server
type Server struct {
	addr    string
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(addr string, deps Deps, opts RouteOptions) *Server {
	return &Server{
		addr:    addr,
		handler: SetupRoutes(deps, opts),
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.handler,
		// Generous read/write windows cover workbook uploads; ingestion
		// itself runs inside the request.
		ReadTimeout:       5 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
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
