// Package httpserver wires the gin engine that exposes the proxy's HTTP
// surface: the chat-completions endpoint and the usual operability routes.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mcp-completion-proxy/internal/config"
	"mcp-completion-proxy/internal/infrastructure/metrics"
	"mcp-completion-proxy/internal/interfaces/httpserver/handlers"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HTTPServer owns the gin engine and the underlying net/http server.
type HTTPServer struct {
	cfg     *config.Config
	engine  *gin.Engine
	log     zerolog.Logger
	server  *http.Server
	handler *handlers.CompletionHandler
}

// New builds the engine and registers routes. completionHandler drives
// POST /v1/chat/completions; everything else is operability plumbing.
func New(cfg *config.Config, log zerolog.Logger, completionHandler *handlers.CompletionHandler) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(ginLogger(log))

	s := &HTTPServer{cfg: cfg, engine: engine, log: log, handler: completionHandler}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:    cfg.Addr(),
		Handler: engine,
	}
	return s
}

func (s *HTTPServer) registerRoutes() {
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": s.cfg.ServiceName, "status": "ok"})
	})
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.POST("/v1/chat/completions", s.handler.Handle)
}

// Run starts the server and blocks until ctx is canceled, then shuts down
// gracefully within cfg.ShutdownTimeout.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("starting http server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.log.Info().Msg("shutting down http server")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func ginLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("request handled")
		metrics.RecordRequest(c.Request.Method, c.FullPath(), fmt.Sprintf("%d", status), duration.Seconds())
	}
}
