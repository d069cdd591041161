// Package server provides the HTTP control surface: strategy and trade
// inspection, runtime settings, scheduler stats, manual triggers, and a
// unified SSE event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/database"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/evolution"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/settings"
	"github.com/aristath/darwin/internal/modules/trading"
	"github.com/aristath/darwin/internal/reliability"
	"github.com/aristath/darwin/internal/scheduler"
)

// Config holds server configuration
type Config struct {
	Log     zerolog.Logger
	Port    int
	DevMode bool
	DataDir string

	Databases map[string]*database.DB

	Bus      *events.Bus
	EventLog *events.Repository

	Registry  *registry.Repository
	Trades    *trading.Repository
	Monitor   *trading.Monitor
	Settings  *settings.Service
	Scheduler *scheduler.Service
	Evolution *evolution.Service

	Rebalancer  *scheduler.Rebalancer
	Maintenance *reliability.Maintenance
	CloudBackup *reliability.CloudBackupService // nil when not configured
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config

	systemHandlers *SystemHandlers
	statusMonitor  *StatusMonitor
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.systemHandlers = NewSystemHandlers(cfg.Log, cfg.DataDir, cfg.Databases, cfg.Scheduler, cfg.Monitor)
	s.statusMonitor = NewStatusMonitor(cfg.Bus, cfg.Scheduler, cfg.Registry, cfg.Log)

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// SSE stream carries no timeout; everything else gets one.
		eventsStream := NewEventsStreamHandler(s.cfg.Bus, s.log)
		r.Get("/events/stream", eventsStream.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/events", s.handleRecentEvents)

			r.Route("/strategies", func(r chi.Router) {
				r.Get("/", s.handleListStrategies)
				r.Get("/snapshot", s.handlePopulationSnapshot)
				r.Get("/{id}", s.handleGetStrategy)
				r.Get("/{id}/trades", s.handleStrategyTrades)
				r.Get("/{id}/events", s.handleStrategyEvents)
			})

			r.Get("/trades", s.handleRecentTrades)
			r.Get("/positions", s.handleOpenPositions)

			r.Route("/settings", func(r chi.Router) {
				r.Get("/", s.handleGetSettings)
				r.Put("/{key}", s.handleSetSetting)
			})

			r.Route("/scheduler", func(r chi.Router) {
				r.Get("/stats", s.handleSchedulerStats)
				r.Post("/start", s.handleStartScheduler)
				r.Post("/stop", s.handleStopScheduler)
				r.Post("/rebalance", s.handleTriggerRebalance)
			})

			r.Route("/evolution", func(r chi.Router) {
				r.Get("/status", s.handleEvolutionStatus)
				r.Post("/run", s.handleTriggerEvolution)
			})

			r.Route("/system", func(r chi.Router) {
				r.Get("/status", s.systemHandlers.HandleSystemStatus)
				r.Get("/database/stats", s.systemHandlers.HandleDatabaseStats)
				r.Get("/disk", s.systemHandlers.HandleDiskUsage)
				r.Post("/maintenance/daily", s.handleTriggerMaintenance)
				r.Post("/backup", s.handleTriggerBackup)
			})
		})
	})
}

// Start starts the HTTP server and background monitors
func (s *Server) Start() error {
	if s.statusMonitor != nil {
		s.statusMonitor.Start(60 * time.Second)
		s.log.Info().Msg("Status monitor started")
	}

	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.statusMonitor.Stop()
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
