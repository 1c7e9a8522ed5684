// Package api assembles the HTTP surface of the admission gate: the router,
// the guard middleware bound to route groups, health and metrics endpoints,
// and the websocket upgrade. Business handlers are injected by the owning
// services; routes without a collaborator answer 501.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/breakroom/gatekeeper/internal/middleware"
	"github.com/breakroom/gatekeeper/internal/ratelimit"
	"github.com/breakroom/gatekeeper/internal/realtime"
	"github.com/breakroom/gatekeeper/internal/session"
)

// Config carries the server tunables.
type Config struct {
	Addr           string
	AllowedOrigins []string
	// HSTS is enabled behind TLS-terminating ingress only.
	HSTS         bool
	MaxBodyBytes int64
}

// Handlers are the business collaborators mounted behind the gate. The gate
// owns admission; issuing credentials (passwords, OAuth) belongs to the
// identity service, so nil entries answer 501 until that service registers
// its handler.
type Handlers struct {
	Register gin.HandlerFunc
	Login    gin.HandlerFunc
	Refresh  gin.HandlerFunc
}

// Server is the assembled admission gate.
type Server struct {
	cfg       Config
	router    *gin.Engine
	http      *http.Server
	logger    *zap.Logger
	chain     *middleware.Chain
	limiter   *ratelimit.Limiter
	policies  *ratelimit.Policies
	sessions  *session.Store
	hub       *realtime.Hub
	protected *gin.RouterGroup
}

// NewServer wires the router: access logging, panic recovery, tracing, CORS,
// the security headers, and the guard chain on every protected group.
func NewServer(
	cfg Config,
	logger *zap.Logger,
	chain *middleware.Chain,
	limiter *ratelimit.Limiter,
	policies *ratelimit.Policies,
	sessions *session.Store,
	hub *realtime.Hub,
	handlers Handlers,
) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	server := &Server{
		cfg:      cfg,
		logger:   logger,
		chain:    chain,
		limiter:  limiter,
		policies: policies,
		sessions: sessions,
		hub:      hub,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("gatekeeper"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(middleware.SecurityHeaders(cfg.HSTS))
	router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	server.router = router
	server.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.registerRoutes(handlers)
	return server
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router returns the internal Gin engine for testing purposes.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Protected returns the authenticated route group so owning services can
// mount business handlers behind the gate. Everything mounted here already
// passed session validation and the api quota.
func (s *Server) Protected() *gin.RouterGroup {
	return s.protected
}

// registerRoutes lays out the route groups. Order inside a group matters:
// session validation runs before quota so a rotated credential is counted
// under its new token.
func (s *Server) registerRoutes(handlers Handlers) {
	public := s.router.Group("/api/v1")
	{
		public.GET("/health", s.healthCheck)
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))

		// Realtime connections authenticate in-band after the upgrade; the
		// upgrade itself only burns the caller's IP budget.
		public.GET("/ws", s.chain.RateLimit("default"), func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request, c.ClientIP())
		})
	}

	// Credential issuance endpoints sit under the strict auth policy whether
	// or not a collaborator is mounted.
	auth := s.router.Group("/api/v1/auth")
	auth.Use(s.chain.RateLimit("auth"))
	{
		auth.POST("/register", orNotImplemented(handlers.Register))
		auth.POST("/login", orNotImplemented(handlers.Login))
		auth.POST("/refresh", orNotImplemented(handlers.Refresh))
		auth.POST("/logout", s.chain.RequireSession(), s.logout)
	}

	protected := s.router.Group("/api/v1")
	protected.Use(s.chain.RequireSession(), s.chain.RateLimit("api"))
	{
		protected.GET("/sessions", s.listSessions)
		protected.DELETE("/sessions/:id", s.revokeSession)
		protected.DELETE("/sessions", s.revokeAllSessions)

		protected.GET("/limits/:policy", s.limitStatus)
	}
	s.protected = protected
}

// healthCheck reports liveness. Store reachability shows up in metrics and
// fail-mode behavior, not here; a gate that is up should say so even while
// its counters degrade.
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func orNotImplemented(h gin.HandlerFunc) gin.HandlerFunc {
	if h != nil {
		return h
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "not implemented"})
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	s.logger.Error("handler error",
		zap.String("route", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
