package tool

import (
	"context"
	"fmt"

	"mcp-completion-proxy/internal/domain/llm"
	mcpdomain "mcp-completion-proxy/internal/domain/mcp"

	"github.com/rs/zerolog"
)

// Discoverer opens an MCP session and lists its tools. Satisfied by the
// infrastructure session manager; kept as an interface here so this package
// never imports the transport layer.
type Discoverer interface {
	Initialize(ctx context.Context, serverURL, authorization string) ([]mcpdomain.ToolRecord, error)
}

// BuildToolset federates every MCP tool spec in reqTools into synthetic
// function tools, passes function tools through unchanged, and strips
// url_context entries (returned separately for the caller to feed to its own
// pre-processor). Per-server init failures are logged and that server's
// tools are simply omitted; the overall request continues per the
// tool-level failure philosophy.
func BuildToolset(ctx context.Context, reqTools []llm.Tool, discoverer Discoverer, registry *mcpdomain.Registry, log zerolog.Logger) (forwarded []llm.Tool, urlContext []llm.URLContextSpec, err error) {
	for _, t := range reqTools {
		switch t.Type {
		case llm.ToolTypeFunction:
			forwarded = append(forwarded, t)
		case llm.ToolTypeURLContext:
			if t.URLContext != nil {
				urlContext = append(urlContext, *t.URLContext)
			}
		case llm.ToolTypeMCP:
			if t.MCP == nil {
				continue
			}
			synthetic, buildErr := federateServer(ctx, *t.MCP, discoverer, registry, log)
			if buildErr != nil {
				log.Warn().Err(buildErr).Str("server_url", t.MCP.ServerURL).Msg("mcp server initialization failed, omitting its tools")
				continue
			}
			forwarded = append(forwarded, synthetic...)
		default:
			forwarded = append(forwarded, t)
		}
	}
	return forwarded, urlContext, nil
}

func federateServer(ctx context.Context, spec llm.MCPToolSpec, discoverer Discoverer, registry *mcpdomain.Registry, log zerolog.Logger) ([]llm.Tool, error) {
	records, err := discoverer.Initialize(ctx, spec.ServerURL, spec.Authorization)
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", spec.ServerURL, err)
	}

	hostname := mcpdomain.Hostname(spec.ServerURL)
	allowed := allowedSet(spec.AllowedTools)

	var tools []llm.Tool
	for _, rec := range records {
		if allowed != nil && !allowed[rec.Name] {
			continue
		}

		syntheticName, err := registry.Register(spec.ServerURL, rec.Name, spec.Authorization)
		if err != nil {
			log.Warn().Err(err).Str("tool", rec.Name).Msg("skipping tool due to synthetic name collision")
			continue
		}

		description := rec.Description
		if description == "" {
			description = rec.Name
		}
		description = fmt.Sprintf("%s (via MCP server: %s)", description, hostname)

		parameters := rec.InputSchema
		if parameters == nil {
			parameters = map[string]any{}
		}

		tools = append(tools, llm.Tool{
			Type: llm.ToolTypeFunction,
			Function: &llm.FunctionSpec{
				Name:        syntheticName,
				Description: description,
				Parameters:  parameters,
			},
		})
	}
	return tools, nil
}

func allowedSet(allowed *llm.AllowedTools) map[string]bool {
	if allowed == nil {
		return nil
	}
	set := make(map[string]bool, len(allowed.ToolNames))
	for _, name := range allowed.ToolNames {
		set[name] = true
	}
	return set
}
