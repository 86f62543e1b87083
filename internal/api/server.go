// Package api provides the HTTP API server for the bounty service.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/karatsubalabs/gitbounties/internal/api/handlers"
	"github.com/karatsubalabs/gitbounties/internal/api/health"
	"github.com/karatsubalabs/gitbounties/internal/api/middleware"
	"github.com/karatsubalabs/gitbounties/internal/auth"
	"github.com/karatsubalabs/gitbounties/internal/store"
	"github.com/karatsubalabs/gitbounties/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Dependencies are the collaborators the server routes to.
type Dependencies struct {
	Store         store.Store
	Auth          *auth.Service
	Gate          handlers.Authorizer
	Installations handlers.InstallationResolver
	Issues        handlers.IssueFetcher
	OAuth         handlers.Authenticator
	Settler       handlers.Settler
	// Chain is reported as a non-critical health dependency when set.
	Chain health.Pinger
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	deps          Dependencies
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
	webhooks      *handlers.WebhookHandler
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deps:   deps,
		config: cfg,
		logger: logger,
	}

	s.healthChecker = health.NewChecker(deps.Store, Version)
	if deps.Chain != nil {
		s.healthChecker.AddDependency("chain", deps.Chain)
	}
	s.webhooks = handlers.NewWebhookHandler(deps.Settler, cfg.GitHub.WebhookSecret, logger.With("component", "webhook"))

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// Health check endpoint (no auth required)
	r.Get("/health", s.healthChecker.Handler())

	// GitHub webhook and OAuth callbacks (public)
	accounts := handlers.NewAccountHandler(s.deps.Store, s.deps.OAuth, s.deps.Auth, handlers.AccountConfig{
		CookieName: s.config.SessionCookie,
		WebURL:     s.config.WebURL,
	}, s.logger)
	r.Route("/github", func(r chi.Router) {
		r.Post("/webhook", s.webhooks.Handle)
		r.Get("/callback/install", accounts.Install)
		r.Get("/callback/register", accounts.Register)
		r.Get("/callback/login", accounts.Login)
	})

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		authMiddleware := middleware.NewAuthMiddleware(s.deps.Auth, s.config.SessionCookie, s.logger)
		r.Use(authMiddleware.Authenticate)

		bounties := handlers.NewBountyHandler(
			s.deps.Store.Bounties(),
			s.deps.Installations,
			s.deps.Issues,
			s.deps.Gate,
			s.logger,
		)
		r.Route("/bounties", func(r chi.Router) {
			r.Post("/", bounties.Create)
			r.Get("/", bounties.List)
			r.Get("/{id}", bounties.Get)
			r.Delete("/{id}", bounties.Cancel)
		})

		users := handlers.NewUserHandler(s.deps.Store.Users(), s.logger)
		r.Route("/user", func(r chi.Router) {
			r.Get("/profile", users.GetProfile)
			r.Put("/wallet", users.UpdateWallet)
		})
	})

	s.router = r
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// HTTPServer returns the underlying server once Start has been called.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Webhooks returns the webhook dispatcher so shutdown can drain in-flight
// settlements.
func (s *Server) Webhooks() *handlers.WebhookHandler {
	return s.webhooks
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
