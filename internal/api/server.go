package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-commerce/talon/internal/domain"
	"github.com/opensource-commerce/talon/internal/engine"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, eng *engine.Engine, version string) *Server {
	handler := NewHandler(eng, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)    // CORS for browser clients
	router.Use(RecoverMiddleware) // Recover from panics
	router.Use(TracingMiddleware) // OpenTelemetry tracing
	router.Use(LoggingMiddleware) // Request logging
	router.Use(MetricsMiddleware(eng.Metrics())) // Prometheus instrumentation
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health and metrics endpoints (no store required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", eng.Metrics().Handler())

	// API routes (store required)
	router.Route("/", func(r chi.Router) {
		r.Use(StoreMiddleware)

		// Shopper-facing resolution
		r.Post("/resolve/price-lists", handler.ResolvePriceLists)
		r.Post("/resolve/content", handler.ResolveContent)
		r.Post("/promotions/evaluate", handler.EvaluatePromotions)

		// Coupon redemption
		r.Post("/coupons/redeem", handler.RedeemCoupon)
		r.Post("/coupons/release", handler.ReleaseCoupon)

		// Condition authoring support
		r.Post("/conditions/validate", handler.ValidateCondition)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{guid}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Selling context management
		r.Post("/selling-contexts", handler.CreateSellingContext)
		r.Get("/selling-contexts/{guid}", handler.GetSellingContext)

		// Assignment management
		r.Post("/assignments", handler.CreateAssignment)

		// Coupon management
		r.Post("/coupons", handler.CreateCoupon)
	})

	return &Server{
		router:  router,
		handler: handler,
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
