package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the environment driven configuration for the completion proxy.
// Only cmd/server loads it from the environment; other packages receive the
// constructed value.
type Config struct {
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"mcp-completion-proxy"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	EnableTracing   bool          `env:"ENABLE_TRACING" envDefault:"false"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// MCP client identity sent in the initialize handshake.
	ClientInfoName    string `env:"CLIENT_INFO_NAME" envDefault:"mcp-completion-proxy"`
	ClientInfoVersion string `env:"CLIENT_INFO_VERSION" envDefault:"1.0.0"`

	// MCP session manager timeouts.
	MCPInitTimeout time.Duration `env:"MCP_INIT_TIMEOUT" envDefault:"15s"`
	MCPCallTimeout time.Duration `env:"MCP_CALL_TIMEOUT" envDefault:"60s"`

	// url_context collaborator tool.
	URLContextMaxURLs             int           `env:"URL_CONTEXT_MAX_URLS" envDefault:"5"`
	URLContextMaxContextLength    int           `env:"URL_CONTEXT_MAX_CONTEXT_LENGTH" envDefault:"8000"`
	URLContextExtractServiceURL   string        `env:"URL_CONTEXT_EXTRACT_SERVICE_URL" envDefault:""`
	URLContextExtractServiceToken string        `env:"URL_CONTEXT_EXTRACT_SERVICE_TOKEN" envDefault:""`
	URLContextFetchTimeout        time.Duration `env:"URL_CONTEXT_FETCH_TIMEOUT" envDefault:"10s"`

	// ShadowHosts rewrites the hostname of URLs fetched by the url_context
	// collaborator before they're dialed, in the form "old=new,old2=new2" -
	// e.g. mapping a docker-compose hostname to a publicly reachable one.
	ShadowHosts string `env:"SHADOW_HOSTS" envDefault:""`

	// Orchestrator bounds.
	MaxRounds int `env:"MAX_ROUNDS" envDefault:"8"`

	// Upstream OpenAI-compatible provider.
	UpstreamBaseURL string        `env:"UPSTREAM_BASE_URL,notEmpty"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"120s"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if strings.TrimSpace(cfg.UpstreamBaseURL) == "" {
		return nil, fmt.Errorf("UPSTREAM_BASE_URL is required")
	}

	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 8
	}
	if cfg.URLContextMaxURLs <= 0 {
		cfg.URLContextMaxURLs = 5
	}
	if cfg.URLContextMaxContextLength <= 0 {
		cfg.URLContextMaxContextLength = 8000
	}

	return cfg, nil
}

// ParsedShadowHosts splits ShadowHosts into a lookup map of old host -> new host.
func (c *Config) ParsedShadowHosts() map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(c.ShadowHosts) == "" {
		return out
	}
	for _, pair := range strings.Split(c.ShadowHosts, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
