// Package api exposes the read-only status surface over HTTP plus the two
// mutations a remote operator needs: acknowledging an alert and triggering
// recovery. Everything else stays on the CLI.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskwarden/internal/checkpoint"
	"taskwarden/internal/recovery"
	"taskwarden/internal/store"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	cps        *checkpoint.Manager
	rec        *recovery.Controller
	mcpHandler http.Handler
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP status server. mcpHandler may be nil when
// the MCP surface is disabled.
func NewServer(addr, authToken string, st *store.Store, cps *checkpoint.Manager, rec *recovery.Controller, mcpHandler http.Handler, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		store:      st,
		cps:        cps,
		rec:        rec,
		mcpHandler: mcpHandler,
		logger:     logger,
		authToken:  authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Get("/", s.handleRoot)

	if s.mcpHandler != nil {
		handler := s.mcpHandler
		if s.authToken != "" {
			handler = AuthMiddleware(s.authToken)(handler)
		}
		s.router.Handle("/mcp", handler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/status", s.handleStatus)
		r.Get("/journal", s.handleJournal)
		r.Get("/retry/stats", s.handleRetryStats)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Post("/{alertID}/ack", s.handleAckAlert)
		})

		r.Get("/health", s.handleHealthSamples)

		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/", s.handleListCheckpoints)
			r.Post("/{checkpointID}/verify", s.handleVerifyCheckpoint)
		})

		r.Route("/steps", func(r chi.Router) {
			r.Get("/", s.handleListStepLogs)
			r.Get("/{name}", s.handleStepLog)
		})

		r.Route("/recovery", func(r chi.Router) {
			r.Post("/auto", s.handleAutoRecovery)
			r.Post("/continue", s.handleContinue)
		})
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "taskwarden"})
}
