// Package server assembles the notification components into a runnable Server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gonotify/internal/auth"
	"github.com/Tyrowin/gonotify/internal/config"
	"github.com/Tyrowin/gonotify/internal/users"
)

// Options supplies the collaborators a Server does not build itself.
type Options struct {
	// Directory resolves usernames and checks logins. Defaults to an empty
	// in-memory directory.
	Directory users.Directory
	// Observer, when set, is told about every registry change.
	Observer RegistryObserver
	Logger   *slog.Logger
}

// Server wires the registry, hub, router and HTTP surface together.
type Server struct {
	cfg      config.Config
	registry *Registry
	hub      *Hub
	router   *Router
	handler  http.Handler
	http     *http.Server
	logger   *slog.Logger
}

// New validates cfg and assembles a Server.
func New(cfg config.Config, opts Options) (*Server, error) {
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	directory := opts.Directory
	if directory == nil {
		directory = users.NewMemoryDirectory()
	}

	authenticator := auth.NewAuthenticator(cfg.JWTSecret)
	registry := NewRegistry(opts.Observer)
	hub := NewHub(cfg, registry, authenticator, logger)
	router := NewRouter(registry, logger)
	handler := SetupRoutes(Deps{
		Hub:                hub,
		Router:             router,
		Verifier:           authenticator,
		Issuer:             auth.NewIssuer(cfg.JWTSecret),
		Directory:          directory,
		AllowedOrigins:     cfg.AllowedOrigins,
		AllowMissingOrigin: cfg.AllowMissingOrigin,
		TokenTTL:           cfg.TokenTTL,
		Logger:             logger,
	})

	return &Server{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		router:   router,
		handler:  handler,
		http:     CreateServer(cfg.Port, handler),
		logger:   logger.With(slog.String("component", "server")),
	}, nil
}

// Router returns the message router for in-process senders.
func (s *Server) Router() *Router {
	return s.router
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// StartHub runs the hub event loop in the background. Run calls it; tests that
// serve Handler themselves call it directly.
func (s *Server) StartHub() {
	go s.hub.Run()
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// the HTTP server and the hub.
func (s *Server) Run(ctx context.Context) error {
	s.StartHub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Server listening", "addr", s.http.Addr)
		return StartServer(s.http)
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})
	return g.Wait()
}

// Shutdown stops accepting requests and closes every WebSocket connection.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down")
	httpErr := ShutdownServer(s.http, s.cfg.ShutdownTimeout)
	hubErr := s.hub.Shutdown(s.cfg.ShutdownTimeout)
	if err := errors.Join(httpErr, hubErr); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("Shutdown complete")
	return nil
}
