package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"mcp-completion-proxy/internal/config"
	"mcp-completion-proxy/internal/infrastructure/llmprovider"
	"mcp-completion-proxy/internal/infrastructure/logger"
	"mcp-completion-proxy/internal/infrastructure/mcp"
	"mcp-completion-proxy/internal/infrastructure/observability"
	"mcp-completion-proxy/internal/infrastructure/urlcontext"
	"mcp-completion-proxy/internal/interfaces/httpserver"
	"mcp-completion-proxy/internal/interfaces/httpserver/handlers"
)

// Application owns the long-running HTTP server and stops it on context
// cancellation.
type Application struct {
	httpServer *httpserver.HTTPServer
	log        zerolog.Logger
}

func NewApplication(httpServer *httpserver.HTTPServer, log zerolog.Logger) *Application {
	return &Application{httpServer: httpServer, log: log}
}

func (a *Application) Start(ctx context.Context) error {
	return a.httpServer.Run(ctx)
}

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	sessionManager := mcp.NewSessionManager(mcp.ClientInfo{
		Name:    cfg.ClientInfoName,
		Version: cfg.ClientInfoVersion,
	}, mcp.WithTimeouts(cfg.MCPInitTimeout, cfg.MCPCallTimeout))
	upstream := llmprovider.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)
	urlctxCollaborator := urlcontext.New(urlcontext.Config{
		ShadowHosts:         cfg.ParsedShadowHosts(),
		ExtractServiceURL:   cfg.URLContextExtractServiceURL,
		ExtractServiceToken: cfg.URLContextExtractServiceToken,
		FetchTimeout:        cfg.URLContextFetchTimeout,
	})

	completionHandler := handlers.New(cfg, upstream, sessionManager, sessionManager, urlctxCollaborator, log)
	httpServer := httpserver.New(cfg, log, completionHandler)
	app := NewApplication(httpServer, log)

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("application stopped with error")
	}

	log.Info().Msg("application exited cleanly")
}

func loadEnvFiles() {
	paths := []string{".env", "../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
