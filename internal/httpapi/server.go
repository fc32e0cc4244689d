// Package httpapi is the runtime's only REST surface: liveness/readiness
// endpoints and the approval-gate security wrapper. A full operator REST
// API and console are out of scope here; this package exposes what they
// would need to sit behind — auth, and a health roll-up safe to probe.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/arcane-ops/sentryrun/internal/health"
	"github.com/arcane-ops/sentryrun/internal/kernel"
	"github.com/arcane-ops/sentryrun/internal/security"
	"github.com/arcane-ops/sentryrun/internal/version"
)

// Server is the liveness/readiness/security-gated HTTP surface, built on
// a gin engine with an explicit Start/Shutdown split for graceful
// termination.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	kern       *kernel.Kernel
	verifier   *security.Verifier
	log        *slog.Logger
}

// New builds a Server. A nil verifier disables authentication entirely —
// every path behaves as public. This is intentional for local/dev runs
// without configured credentials, not a silent security gap: Load's
// caller decides whether that's acceptable.
func New(kern *kernel.Kernel, verifier *security.Verifier, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, kern: kern, verifier: verifier, log: log}
	engine.Use(s.authMiddleware)
	engine.GET("/healthz", s.livenessHandler)
	engine.GET("/readyz", s.readinessHandler)
	return s
}

// authMiddleware enforces the bearer/API-key gate on every path except the
// verifier's public allowlist (which always includes /healthz and /readyz
// by convention, set at config load).
func (s *Server) authMiddleware(c *gin.Context) {
	if s.verifier == nil {
		c.Next()
		return
	}
	path := c.Request.URL.Path
	bearer := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	apiKey := c.GetHeader("X-API-Key")

	claims, ok := s.verifier.Authenticate(path, bearer, apiKey)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if claims.Subject != "" {
		c.Set("subject", claims.Subject)
		c.Set("role", string(claims.Role))
	}
	c.Next()
}

// livenessHandler always reports alive: a running process is live even if
// every module is unhealthy.
func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive", "version": version.Full()})
}

// readinessHandler rolls up every module's health and returns 503 when the
// aggregate is unhealthy.
func (s *Server) readinessHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	report := health.Rollup(s.kern.HealthAll(ctx))
	status := http.StatusOK
	if !report.Ready() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// RegisterWebSocketUpgrade mounts a websocket upgrade at path: an incoming
// request is accepted and handed to handle, which owns the connection for
// its lifetime. Used to mount internal/transport/wsbridge's Hub without
// this package depending on it directly. Must be called before Start.
func (s *Server) RegisterWebSocketUpgrade(path string, handle func(context.Context, *websocket.Conn)) {
	s.engine.GET(path, func(c *gin.Context) {
		conn, err := websocket.Accept(c.Writer, c.Request, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "error", err)
			return
		}
		handle(c.Request.Context(), conn)
	})
}

// Start runs the HTTP server on addr. Blocks until Shutdown is called or
// the server fails to serve.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	s.log.Info("httpapi listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
