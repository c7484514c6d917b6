// Package handlers implements the caller-facing HTTP surface: decoding and
// validating the incoming chat-completion request, building the per-request
// tool registry, driving the orchestrator, and emitting the response in
// whichever mode the caller asked for.
package handlers

import (
	"context"
	"net/http"

	"mcp-completion-proxy/internal/config"
	"mcp-completion-proxy/internal/domain/llm"
	mcpdomain "mcp-completion-proxy/internal/domain/mcp"
	"mcp-completion-proxy/internal/domain/stream"
	"mcp-completion-proxy/internal/domain/tool"
	"mcp-completion-proxy/internal/infrastructure/metrics"
	"mcp-completion-proxy/internal/infrastructure/observability"
	"mcp-completion-proxy/internal/infrastructure/tokencount"
	"mcp-completion-proxy/internal/infrastructure/urlcontext"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// CompletionHandler wires C1 through C5 together for one request.
type CompletionHandler struct {
	cfg        *config.Config
	upstream   tool.Upstream
	discoverer tool.Discoverer
	caller     tool.Caller
	urlctx     *urlcontext.Collaborator
	log        zerolog.Logger
}

// New builds the handler from its collaborators. discoverer and caller are
// typically the same MCP session manager value, exposed as two narrower
// interfaces.
func New(cfg *config.Config, upstream tool.Upstream, discoverer tool.Discoverer, caller tool.Caller, urlctx *urlcontext.Collaborator, log zerolog.Logger) *CompletionHandler {
	return &CompletionHandler{cfg: cfg, upstream: upstream, discoverer: discoverer, caller: caller, urlctx: urlctx, log: log}
}

// Handle implements POST /v1/chat/completions.
func (h *CompletionHandler) Handle(c *gin.Context) {
	req, wantsStream, err := llm.DecodeRequest(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, llm.NewErrorResponse("Invalid JSON in request body"))
		return
	}

	if err := llm.ValidateTools(req); err != nil {
		h.log.Warn().Err(err).Msg("rejecting request with invalid MCP tool spec")
		c.JSON(http.StatusBadRequest, llm.NewErrorResponse("Invalid MCP tools"))
		return
	}

	authorization := c.GetHeader("Authorization")
	wantsUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage

	ctx, span := observability.StartRequestSpan(c.Request.Context(), uuid.NewString(), req.Model, wantsStream, len(req.Tools))
	defer span.End()

	registry := mcpdomain.NewRegistry()
	forwardedTools, urlContextSpecs, err := tool.BuildToolset(ctx, req.Tools, h.discoverer, registry, h.log)
	if err != nil {
		observability.RecordError(span, err, "fatal")
		c.JSON(http.StatusInternalServerError, llm.NewInternalErrorResponse("Internal server error"))
		return
	}
	req.Tools = forwardedTools
	if len(req.Tools) == 0 {
		req.Tools = nil
	}

	extraCostCents := 0
	if h.urlctx != nil && len(urlContextSpecs) > 0 {
		spec := urlContextSpecs[0]
		if spec.MaxURLs == nil && h.cfg.URLContextMaxURLs > 0 {
			maxURLs := h.cfg.URLContextMaxURLs
			spec.MaxURLs = &maxURLs
		}
		if spec.MaxContextLength == nil && h.cfg.URLContextMaxContextLength > 0 {
			maxLength := h.cfg.URLContextMaxContextLength
			spec.MaxContextLength = &maxLength
		}
		result, err := h.urlctx.Collect(ctx, req.Messages, spec)
		if err != nil {
			h.log.Warn().Err(err).Msg("url_context collection failed, continuing without it")
		} else {
			extraCostCents = result.AdditionalCostCents
			if result.Context != "" {
				req.Messages = append([]llm.Message{{Role: "system", Content: result.Context}}, req.Messages...)
			}
		}
	}

	orchCfg := tool.Config{MaxRounds: h.cfg.MaxRounds, ExtraCostCents: extraCostCents}
	orch := tool.NewOrchestrator(h.upstream, h.caller, registry, tokencount.Estimate, orchCfg, h.log)

	if wantsStream {
		h.serveStreaming(c, ctx, span, *req, authorization, wantsUsage, orch)
		return
	}
	h.serveBuffered(c, ctx, span, *req, authorization, orch)
}

func (h *CompletionHandler) serveStreaming(c *gin.Context, ctx context.Context, span trace.Span, req llm.ChatCompletionRequest, authorization string, wantsUsage bool, orch *tool.Orchestrator) {
	sink, err := stream.NewSSESink(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, llm.NewInternalErrorResponse("Internal server error"))
		return
	}

	_, rounds, err := orch.Run(ctx, req, authorization, wantsUsage, sink)
	metrics.RecordRounds(rounds)
	if err != nil {
		observability.RecordError(span, err, "fatal")
		h.log.Error().Err(err).Msg("orchestrator run failed mid-stream")
		return
	}
	if err := sink.Done(); err != nil {
		h.log.Error().Err(err).Msg("failed writing stream terminator")
	}
}

// serveBuffered runs the same streaming pipeline into an accumulator. The
// aggregated response always carries usage, whatever stream_options said.
func (h *CompletionHandler) serveBuffered(c *gin.Context, ctx context.Context, span trace.Span, req llm.ChatCompletionRequest, authorization string, orch *tool.Orchestrator) {
	sink := stream.NewBufferingSink()

	usage, rounds, err := orch.Run(ctx, req, authorization, true, sink)
	metrics.RecordRounds(rounds)
	if err != nil {
		observability.RecordError(span, err, "fatal")
		h.log.Error().Err(err).Msg("orchestrator run failed")
		c.JSON(http.StatusInternalServerError, llm.NewInternalErrorResponse("Internal server error"))
		return
	}

	resp := sink.ToCompletionResponse()
	resp.Usage = &usage
	c.JSON(http.StatusOK, resp)
}
