// Package backend is the reference worker: an HTTP server that only answers
// API calls carrying the shell's trust token.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/deskctl/internal/auth"
	"github.com/danmuck/deskctl/internal/observability"
	"github.com/danmuck/deskctl/internal/worker"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotStarted     = errors.New("backend: server not started")
	ErrAlreadyStarted = errors.New("backend: server already started")
)

const (
	DefaultHost = "127.0.0.1"
	nodeName    = "worker"

	maxGoroutines = 10000
)

// Config configures the worker HTTP server.
type Config struct {
	Host        string
	Port        int
	CorsOrigins []string
	Token       auth.Token
}

// Server serves the worker API, health endpoints, and metrics.
type Server struct {
	cfg     Config
	router  *gin.Engine
	health  healthcheck.Handler
	started time.Time
	ready   atomic.Bool

	mu  sync.Mutex
	srv *http.Server
}

func NewServer(cfg Config) *Server {
	observability.RegisterMetrics()
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = DefaultHost
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.InitLogger(nodeName)))
	r.Use(observability.RequestMetricsMiddleware(nodeName))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     normalizeOrigins(cfg.CorsOrigins),
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		router:  r,
		health:  healthcheck.NewHandler(),
		started: time.Now(),
	}
	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	s.health.AddReadinessCheck("listener", func() error {
		if !s.ready.Load() {
			return ErrNotStarted
		}
		return nil
	})
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/live", gin.WrapF(s.health.LiveEndpoint))
	s.router.GET("/ready", gin.WrapF(s.health.ReadyEndpoint))
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api", TokenMiddleware(s.cfg.Token.Validator()))
	api.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"pid":    os.Getpid(),
			"uptime": time.Since(s.started).String(),
		})
	})
	api.GET("/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"pid":          os.Getpid(),
			"project_path": os.Getenv(worker.EnvProjectPath),
			"worker":       worker.IsWorkerProcess(),
		})
	})
}

// Handler exposes the router for in-process use and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. Port 0 picks a free
// port; the bound endpoint is returned.
func (s *Server) Start(ctx context.Context) (worker.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return worker.Endpoint{}, ErrAlreadyStarted
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return worker.Endpoint{}, fmt.Errorf("backend: listen %s: %w", addr, err)
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return worker.Endpoint{}, fmt.Errorf("backend: unexpected listener address %s", ln.Addr())
	}

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("backend.Server.Serve failed")
		}
	}()
	s.ready.Store(true)

	ep := worker.Endpoint{Host: s.cfg.Host, Port: tcpAddr.Port}
	log.Info().Str("endpoint", ep.URL()).Msg("backend.Server.Start listening")
	return ep, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return ErrNotStarted
	}
	s.ready.Store(false)
	log.Info().Msg("backend.Server.Shutdown")
	return srv.Shutdown(ctx)
}

// TokenMiddleware rejects requests whose token cookie does not validate.
func TokenMiddleware(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, err := c.Request.Cookie(auth.EnvSecurityToken)
		if err != nil {
			abortUnauthorized(c, auth.ErrTokenMissing)
			return
		}
		tok, err := auth.TokenFromCookie(cookie.Value)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}
		if err := v.Validate(tok.Value); err != nil {
			abortUnauthorized(c, err)
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, err error) {
	log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("backend.TokenMiddleware rejected request")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
