// Package server exposes the HTTP front-end of the dispatch service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bobmcallan/fhegate/internal/app"
	"github.com/bobmcallan/fhegate/internal/common"
)

// Server wraps the HTTP server and application reference.
type Server struct {
	app    *app.App
	server *http.Server
	logger *common.Logger
	hub    *TaskWSHub
}

// NewServer creates a new HTTP front-end server.
func NewServer(a *app.App) *Server {
	s := &Server{
		app:    a,
		logger: a.Logger,
	}
	s.hub = NewTaskWSHub(a.Logger, s.currentTasks)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, a.Logger)

	host := a.Config.Server.Host
	port := a.Config.Server.Port

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Hub returns the task event hub.
func (s *Server) Hub() *TaskWSHub {
	return s.hub
}

// Start starts the HTTP server (blocking). TLS is used when certificate
// material is configured.
func (s *Server) Start() error {
	cert := s.app.Config.Server.TLSCert
	key := s.app.Config.Server.TLSKey

	s.logger.Info().
		Str("addr", s.server.Addr).
		Bool("tls", cert != "" && key != "").
		Msg("Starting front-end server")

	if cert != "" && key != "" {
		return s.server.ListenAndServeTLS(cert, key)
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.server.Shutdown(ctx)
}
