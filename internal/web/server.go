// Package web serves the scope's status surface: a JSON snapshot, a
// palette control and an SSE mirror of the debug log.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cjeanneret/thermoscope/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and handlers.
func NewServer(addr string, handlers *Handlers) *Server {
	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("POST /palette", s.handlers.HandlePalette)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
