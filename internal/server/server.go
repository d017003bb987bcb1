// Package server wires the gin HTTP surface over the gateway core.
package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/graphmind/agent-gateway/internal/breaker"
	"github.com/graphmind/agent-gateway/internal/cache"
	"github.com/graphmind/agent-gateway/internal/config"
	"github.com/graphmind/agent-gateway/internal/errors"
	"github.com/graphmind/agent-gateway/internal/health"
	"github.com/graphmind/agent-gateway/internal/logger"
	"github.com/graphmind/agent-gateway/internal/pool"
	"github.com/graphmind/agent-gateway/internal/ratelimit"
	"github.com/graphmind/agent-gateway/internal/session"
	"github.com/graphmind/agent-gateway/internal/turn"
)

// Server holds the shared components behind the HTTP surface.
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *session.Registry
	pool     *pool.Pool
	pipeline *turn.Pipeline
	limiter  *ratelimit.Limiter
	breakers *breaker.Manager
	cache    *cache.Cache
	memoizer *cache.Memoizer
	health   *health.Checker
	upgrader websocket.Upgrader
}

// New builds a server over constructed components.
func New(cfg *config.Config, log *logger.Logger, registry *session.Registry, p *pool.Pool, pipeline *turn.Pipeline, limiter *ratelimit.Limiter, breakers *breaker.Manager, c *cache.Cache, checker *health.Checker) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.WithComponent("server"),
		registry: registry,
		pool:     p,
		pipeline: pipeline,
		limiter:  limiter,
		breakers: breakers,
		cache:    c,
		memoizer: cache.NewMemoizer(c),
		health:   checker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router assembles the gin engine with middleware and routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(s.cfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestContext())
	r.Use(s.securityHeaders())
	r.Use(s.corsMiddleware())
	r.Use(s.recordMetrics())

	r.GET("/health", s.handleHealth)
	r.GET("/health/detailed", s.handleHealthDetailed)
	r.GET("/metrics", gin.WrapH(s.health.MetricsHandler()))

	api := r.Group("/api")
	api.Use(s.rateLimit())
	{
		api.POST("/chat", s.handleChat)
		api.POST("/sessions", s.handleCreateSession)
		api.DELETE("/sessions/:id", s.handleDeleteSession)
		api.GET("/sessions", s.handleListSessions)
	}

	r.GET("/ws/advanced/:session_id", s.handleWebSocket)

	return r
}

// requestContext attaches a request id and the client address to the
// request context for log correlation.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logger.WithRequestID(c.Request.Context(), logger.GenerateRequestID())
		ctx = logger.WithClientIP(ctx, c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		path := c.Request.URL.Path
		switch {
		case path == "/api/chat" || strings.HasPrefix(path, "/ws/"):
			h.Set("Cache-Control", "no-cache")
		case strings.HasPrefix(path, "/api/"):
			h.Set("Cache-Control", "no-store")
		}
		c.Next()
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := strings.Split(s.cfg.CORSAllowedOrigins, ",")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		for _, a := range allowed {
			if strings.TrimSpace(a) == origin {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
				break
			}
		}
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func (s *Server) recordMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		s.health.Record(endpoint, c.Writer.Status())
	}
}

// rateLimit runs the limiter gates before API handlers.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := s.limiter.Check(c.ClientIP(), c.Request.URL.Path, headerFingerprint(c))
		if !decision.Allowed {
			s.log.Warn("request rejected by rate limiter",
				"client", c.ClientIP(), "reason", decision.Reason)
			errors.AbortTooManyRequests(c, decision.RetryAfter)
			return
		}
		c.Next()
	}
}

// headerFingerprint digests the client's identifying headers for anomaly
// detection.
func headerFingerprint(c *gin.Context) string {
	parts := []string{
		c.GetHeader("User-Agent"),
		c.GetHeader("Accept"),
		c.GetHeader("Accept-Language"),
		c.GetHeader("Accept-Encoding"),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}
