package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aleister1102/vulnerax/internal/common"
	"github.com/aleister1102/vulnerax/internal/config"
	"github.com/aleister1102/vulnerax/internal/datastore"
	"github.com/aleister1102/vulnerax/internal/dispatcher"
	"github.com/aleister1102/vulnerax/internal/metrics"
	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/aleister1102/vulnerax/internal/session"
	"github.com/rs/zerolog"
)

// ScanDispatcher runs scan submissions.
type ScanDispatcher interface {
	Dispatch(ctx context.Context, s models.UserSession, directive dispatcher.Directive) (*dispatcher.DispatchResult, error)
}

// AgentProxy relays raw JSON to the agent.
type AgentProxy interface {
	Forward(ctx context.Context, body []byte) (json.RawMessage, error)
}

// Dependencies are the components the HTTP layer is wired to.
type Dependencies struct {
	Dispatcher ScanDispatcher
	Store      datastore.ScanStore
	Profiles   datastore.ProfileStore
	Proxy      AgentProxy
	Guard      *session.Guard
	Resolver   session.CredentialResolver
	Metrics    *metrics.Metrics
}

// Server is the VulneraX HTTP API.
type Server struct {
	deps       Dependencies
	cfg        *config.GlobalConfig
	logger     zerolog.Logger
	handler    http.Handler
	httpServer *http.Server
	now        func() time.Time
}

// NewServer wires the routes. Every dependency is required except Metrics.
func NewServer(cfg *config.GlobalConfig, deps Dependencies, logger zerolog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, common.NewValidationError("config", nil, "config cannot be nil")
	}
	switch {
	case deps.Dispatcher == nil:
		return nil, common.NewValidationError("dispatcher", nil, "dispatcher is required")
	case deps.Store == nil:
		return nil, common.NewValidationError("store", nil, "scan store is required")
	case deps.Profiles == nil:
		return nil, common.NewValidationError("profiles", nil, "profile store is required")
	case deps.Proxy == nil:
		return nil, common.NewValidationError("proxy", nil, "agent proxy is required")
	case deps.Guard == nil || deps.Resolver == nil:
		return nil, common.NewValidationError("guard", nil, "session guard and credential resolver are required")
	}

	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With().Str("component", "APIServer").Logger(),
		now:    time.Now,
	}
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.ServerConfig.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  time.Duration(cfg.ServerConfig.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.ServerConfig.WriteTimeoutSecs) * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := time.Duration(s.cfg.ServerConfig.ShutdownTimeoutSecs) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info().Dur("timeout", timeout).Msg("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return common.WrapError(err, "http server shutdown")
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	protect := s.deps.Guard.Middleware(s.deps.Resolver, s.cfg.AuthConfig.LoginPath)
	credentialed := s.deps.Guard.CredentialMiddleware(s.deps.Resolver, s.cfg.AuthConfig.LoginPath)

	mux.Handle("POST /api/scan", protect(http.HandlerFunc(s.handleProxyScan)))
	mux.Handle("POST /api/scans", protect(http.HandlerFunc(s.handleCreateScan)))
	mux.Handle("GET /api/scans", protect(http.HandlerFunc(s.handleListScans)))
	mux.Handle("GET /api/scans/{id}", protect(http.HandlerFunc(s.handleGetScan)))
	mux.Handle("GET /api/dashboard", protect(http.HandlerFunc(s.handleDashboard)))
	mux.Handle("POST /api/profile", credentialed(http.HandlerFunc(s.handleRegister)))
	mux.Handle("GET /api/profile", protect(http.HandlerFunc(s.handleGetProfile)))
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.cfg.MetricsConfig.Enabled && s.deps.Metrics != nil {
		path := s.cfg.MetricsConfig.Path
		if path == "" {
			path = config.DefaultMetricsPath
		}
		mux.Handle("GET "+path, s.deps.Metrics.Handler())
	}

	return s.withRecovery(s.withRequestLogging(mux))
}
