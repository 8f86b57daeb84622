// Package server owns the single TCP listener and routes each inbound
// HTTP request to either the websocket relay or the HTTP API.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/damus-io/notepush/internal/wsrelay"
)

// Server is the top-level HTTP server: one handler function dispatches
// upgrade requests to the websocket relay and everything else to the
// HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func New(addr string, wsHandler *wsrelay.Handler, apiHandler http.Handler, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if wsrelay.IsUpgradeRequest(r) {
			wsHandler.ServeHTTP(w, r)
			return
		}
		apiHandler.ServeHTTP(w, r)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Run starts serving and blocks until the listener fails or Shutdown is
// called, in which case http.ErrServerClosed is swallowed.
func (s *Server) Run() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests, giving up after timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
