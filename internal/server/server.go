package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/server/handler"
	"github.com/arbnet/coordinator/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimitWindow time.Duration
	RateLimitMax    int // requests per window per client IP; 0 disables
}

// Handlers aggregates all HTTP handlers that the server registers. Every
// handler must be constructed; mode-dependent backends are expressed as nil
// sources inside the handlers, not as nil handlers.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Opportunities *handler.OpportunityHandler
	Pools         *handler.PoolHandler
	Breaker       *handler.BreakerHandler
	Publisher     *handler.PublisherHandler
	Archive       *handler.ArchiveHandler
}

// Server is the read-only HTTP control surface of the coordinator.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered and the middleware
// chain wired: CORS, then request logging, then rate limiting, then auth.
// limiter may be nil, which disables rate limiting along with RateLimitMax=0.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.Check)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/opportunities", handlers.Opportunities.List)
	mux.HandleFunc("GET /api/opportunities/{id}", handlers.Opportunities.Get)

	mux.HandleFunc("GET /api/pools", handlers.Pools.List)
	mux.HandleFunc("GET /api/pools/pairs", handlers.Pools.ListPairs)

	mux.HandleFunc("GET /api/breaker", handlers.Breaker.Get)
	mux.HandleFunc("GET /api/publisher", handlers.Publisher.GetStats)

	mux.HandleFunc("GET /api/archive/forwards", handlers.Archive.ListForwards)
	mux.HandleFunc("GET /api/archive/deadletters", handlers.Archive.ListDeadLetters)
	mux.HandleFunc("GET /api/archive/files", handlers.Archive.ListFiles)

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimitMax > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitMax, cfg.RateLimitWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
