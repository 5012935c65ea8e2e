// Package server exposes the pool on a localhost HTTP listener: the
// upstream-compatible proxy route, the internal warmup endpoint and a small
// management API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/j-veylop/antigravity-pool/internal/logger"
	"github.com/j-veylop/antigravity-pool/internal/models"
	"github.com/j-veylop/antigravity-pool/internal/services"
	"github.com/j-veylop/antigravity-pool/internal/services/dispatch"
	"github.com/j-veylop/antigravity-pool/internal/services/upstream"
	"github.com/j-veylop/antigravity-pool/internal/services/warmup"
)

// upstreamPrefix marks requests forwarded through the dispatcher.
const upstreamPrefix = "/v1internal:"

// Dispatcher forwards calls upstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error)
	Warmup(ctx context.Context, req models.WarmupRequest) (*upstream.Response, error)
}

// Warmer triggers warmup runs.
type Warmer interface {
	WarmupAll(ctx context.Context) (warmup.Result, error)
	WarmupAccount(ctx context.Context, accountID string) (warmup.Result, error)
}

// Pool reports pool state and rechecks account entitlement.
type Pool interface {
	QuotaOverview() []services.AccountQuota
	Stats() services.Stats
	RecheckAccount(ctx context.Context, id string) (string, error)
}

// Options configures the listener.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool
}

// Server is the gin engine plus its http.Server.
type Server struct {
	*gin.Engine

	dispatcher Dispatcher
	warmer     Warmer
	pool       Pool
	server     *http.Server
	opts       Options
}

// New builds the engine and registers every route.
func New(opts Options, dispatcher Dispatcher, warmer Warmer, pool Pool) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog())

	s := &Server{
		Engine:     engine,
		dispatcher: dispatcher,
		warmer:     warmer,
		pool:       pool,
		opts:       opts,
	}
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      engine,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.POST(dispatch.WarmupPath, loopbackOnly(), s.handleInternalWarmup)

	api := s.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/accounts", s.handleAccounts)
	api.GET("/quota", s.handleQuota)
	api.POST("/warmup", s.handleWarmupAll)
	api.POST("/accounts/:id/warmup", s.handleWarmupAccount)
	api.POST("/accounts/:id/recheck", s.handleRecheck)

	// Upstream methods carry a colon inside the path segment, which the
	// router cannot express as a static route.
	s.NoRoute(s.handleUpstream)
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	logger.Info("server listening", "addr", s.opts.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// loopbackOnly rejects requests whose peer address is not a loopback IP.
// Forwarding headers are ignored.
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLoopback(c.Request.RemoteAddr) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "loopback only"})
			return
		}
		c.Next()
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// accessLog logs failed requests.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if status < 400 && len(c.Errors) == 0 {
			logger.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path,
				"status", status, "latency", time.Since(start))
			return
		}

		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
		}
		if len(c.Errors) > 0 {
			args = append(args, "errors", c.Errors.String())
		}
		logger.Warn("request failed", args...)
	}
}
