// Package httpapi is the inbound HTTP surface: OpenAI Chat Completions,
// OpenAI Responses, Anthropic Messages, and Gemini generateContent, plus a
// read-only status endpoint. Grounded on the teacher's
// internal/interfaces/http/server.go (gin.New, Recovery+ginLogger
// middleware stack, route groups) and handlers/openai_handler.go
// (request/response shaping, gin.H error envelopes, SSE writing), adapted
// from "own usecase, one protocol" to "registry/codec/transport pipeline,
// four protocols".
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ngoclaw/protoclaw/internal/config"
	"github.com/ngoclaw/protoclaw/internal/metrics"
	"github.com/ngoclaw/protoclaw/internal/oauth"
	"github.com/ngoclaw/protoclaw/internal/registry"
	"github.com/ngoclaw/protoclaw/internal/transport"
	"github.com/ngoclaw/protoclaw/pkg/safego"
)

// Config configures the gin server itself (§6's host/port/mode surface).
type Config struct {
	Host string
	Port int
	Mode string // "production" selects gin release mode; anything else, debug
}

// Server wires the registry, the per-provider Service Profile table, the
// OAuth manager, and the transport Dispatcher into one gin engine.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger

	registry        *registry.Registry
	serviceProfiles map[string]*config.ServiceProfile
	oauthMgr        *oauth.Manager
	dispatcher      *transport.Dispatcher
	uaMode          string
	metrics         *metrics.Registry
	metricsHandler  http.Handler
}

// New builds a Server and registers every route. uaMode mirrors
// config.Config.UAMode ("codex" activates deterministic session-id
// synthesis in internal/transport's header ladder).
func New(cfg Config, reg *registry.Registry, serviceProfiles map[string]*config.ServiceProfile, oauthMgr *oauth.Manager, dispatcher *transport.Dispatcher, uaMode string, logger *zap.Logger, metricsReg *prometheus.Registry, metricsVecs *metrics.Registry) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	s := &Server{
		logger:          logger,
		registry:        reg,
		serviceProfiles: serviceProfiles,
		oauthMgr:        oauthMgr,
		dispatcher:      dispatcher,
		uaMode:          uaMode,
		metrics:         metricsVecs,
		metricsHandler:  promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}),
	}
	s.setupRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})

	router.GET("/internal/status", s.handleStatus)
	router.GET("/metrics", func(c *gin.Context) { s.metricsHandler.ServeHTTP(c.Writer, c.Request) })

	oai := router.Group("/v1")
	{
		oai.POST("/chat/completions", func(c *gin.Context) { s.handleConversion(c, "/v1/chat/completions") })
		oai.POST("/responses", func(c *gin.Context) { s.handleConversion(c, "/v1/responses") })
		oai.POST("/messages", func(c *gin.Context) { s.handleConversion(c, "/v1/messages") })
	}

	gemini := router.Group("/v1beta/models")
	{
		gemini.POST("/:model", s.handleGeminiAction)
	}
}

// Start launches the HTTP server in the background, matching the
// teacher's non-blocking Start/Stop shape.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server", zap.String("address", s.httpServer.Addr))
	safego.Go(s.logger, "http-listen", func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	})
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
