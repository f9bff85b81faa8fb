package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/terra-clan/mainframe-engine/internal/config"
	"github.com/terra-clan/mainframe-engine/internal/content"
	"github.com/terra-clan/mainframe-engine/internal/session"
	"github.com/terra-clan/mainframe-engine/internal/storage"
)

// Server represents the HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	sessionManager session.Manager
	contentLoader  *content.Loader
	eventHub       *EventHub
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	manager session.Manager,
	loader *content.Loader,
	hub *EventHub,
	repo storage.Repository,
) *Server {
	s := &Server{
		config:         cfg,
		sessionManager: manager,
		contentLoader:  loader,
		eventHub:       hub,
		authMiddleware: NewAuthMiddleware(repo),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (outside versioned API - public)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	// API v1 routes (protected by authentication)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware.Authenticate)

		// Sessions
		r.Route("/sessions", func(r chi.Router) {
			r.With(s.authMiddleware.RequirePermission("sessions:read")).Get("/", s.handleListSessions)
			r.With(s.authMiddleware.RequirePermission("sessions:write")).Post("/", s.handleCreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.With(s.authMiddleware.RequirePermission("sessions:read")).Get("/", s.handleGetSession)
				r.With(s.authMiddleware.RequirePermission("sessions:write")).Delete("/", s.handleEndSession)
				r.With(s.authMiddleware.RequirePermission("sessions:read")).Get("/results", s.handleSessionResults)
				r.With(s.authMiddleware.RequirePermission("sessions:read")).Get("/events", s.handleSessionEvents)

				r.Route("/levels/{levelID}", func(r chi.Router) {
					r.With(s.authMiddleware.RequirePermission("sessions:write")).Post("/start", s.handleStartLevel)
					r.With(s.authMiddleware.RequirePermission("sessions:write")).Post("/acquire", s.handleAcquire)
					r.With(s.authMiddleware.RequirePermission("sessions:write")).Post("/penalty", s.handlePenalty)
				})
			})
		})

		// Campaigns
		r.Route("/campaigns", func(r chi.Router) {
			r.With(s.authMiddleware.RequirePermission("campaigns:read")).Get("/", s.handleListCampaigns)
			r.With(s.authMiddleware.RequirePermission("campaigns:read")).Get("/{name}", s.handleGetCampaign)
			r.With(s.authMiddleware.RequirePermission("campaigns:read")).Get("/{name}/levels/{levelID}", s.handleGetCampaignLevel)
		})
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
