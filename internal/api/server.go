package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	hub     *Hub
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, auth domain.AuthConfig, svc Services, version string) *Server {
	handler := NewHandler(svc, version)
	hub := NewHub(svc.Bus)
	router := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	// Global middleware stack
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TenantIDHeader, RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, TraceIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Operational endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())
	router.With(StreamMiddleware(auth.JWTSecret, RoleAdmin, RoleSupport, RoleWarehouse)).Get("/ws/updates", hub.ServeWS)

	caseRoles := RoleMiddleware(auth.JWTSecret, RoleAdmin, RoleSupport)
	stockRoles := RoleMiddleware(auth.JWTSecret, RoleAdmin, RoleWarehouse)

	// API routes (tenant required)
	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)
		r.Use(LoadersMiddleware(svc.Repo))

		// Transactions and scores
		r.Post("/transactions", handler.SubmitTransaction)
		r.Get("/transactions/{id}", handler.GetTransaction)
		r.Get("/transactions/{id}/score", handler.GetScore)
		r.With(caseRoles).Post("/transactions/{id}/feedback", handler.SubmitFeedback)

		// Case review
		r.Get("/cases", handler.ListCases)
		r.Get("/cases/{id}", handler.GetCase)
		r.Get("/cases/{id}/events", handler.ListCaseEvents)
		r.With(caseRoles).Patch("/cases/{id}", handler.UpdateCase)
		r.Get("/statistics", handler.GetStatistics)

		// Inventory
		r.Get("/products/{id}/forecast", handler.GetForecast)
		r.With(stockRoles).Put("/products/{id}/forecast", handler.SaveForecast)
		r.Get("/restock-recommendations", handler.ListRestockRecommendations)
		r.With(stockRoles).Post("/restock-recommendations", handler.CreateRestockRecommendation)
		r.With(stockRoles).Patch("/restock-recommendations/{id}", handler.UpdateRestockRecommendation)
	})

	return &Server{
		router:  router,
		handler: handler,
		hub:     hub,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
