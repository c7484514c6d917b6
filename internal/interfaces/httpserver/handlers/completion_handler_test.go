package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-completion-proxy/internal/config"
	"mcp-completion-proxy/internal/domain/llm"
	mcpdomain "mcp-completion-proxy/internal/domain/mcp"
	"mcp-completion-proxy/internal/domain/tool"
	"mcp-completion-proxy/internal/infrastructure/urlcontext"
	"mcp-completion-proxy/internal/interfaces/httpserver/handlers"
)

type fakeUpstreamStream struct {
	chunks []llm.Chunk
	i      int
}

func (f *fakeUpstreamStream) Recv() (*llm.Chunk, error) {
	if f.i >= len(f.chunks) {
		return nil, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return &c, nil
}
func (f *fakeUpstreamStream) Close() error { return nil }

type fakeUpstream struct {
	chunks []llm.Chunk
}

func (f *fakeUpstream) StreamChatCompletion(context.Context, llm.ChatCompletionRequest, string) (tool.UpstreamStream, error) {
	return &fakeUpstreamStream{chunks: f.chunks}, nil
}

type fakeDiscoverer struct {
	tools map[string][]mcpdomain.ToolRecord
}

func (f *fakeDiscoverer) Initialize(_ context.Context, serverURL, _ string) ([]mcpdomain.ToolRecord, error) {
	return f.tools[serverURL], nil
}

type fakeCaller struct{}

func (f *fakeCaller) Call(context.Context, string, string, map[string]any, string) (*mcpdomain.CallResult, error) {
	return &mcpdomain.CallResult{}, nil
}

func newTestHandler(upstream tool.Upstream) *handlers.CompletionHandler {
	cfg := &config.Config{MaxRounds: 5}
	return handlers.New(cfg, upstream, &fakeDiscoverer{}, &fakeCaller{}, urlcontext.New(urlcontext.Config{}), zerolog.Nop())
}

func newTestRouter(h *handlers.CompletionHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/chat/completions", h.Handle)
	return r
}

func TestHandle_MalformedJSONReturns400(t *testing.T) {
	h := newTestHandler(&fakeUpstream{})
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandle_InvalidMCPToolSpecReturns400(t *testing.T) {
	h := newTestHandler(&fakeUpstream{})
	r := newTestRouter(h)

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}],"tools":[{"type":"mcp"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandle_NonStreamingRequestReturnsBufferedJSON(t *testing.T) {
	content := "hello"
	finish := "stop"
	upstream := &fakeUpstream{chunks: []llm.Chunk{
		{Choices: []llm.ChunkChoice{{Index: 0, Delta: llm.Delta{Content: &content}}}},
		{Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}, Choices: []llm.ChunkChoice{{Index: 0, FinishReason: &finish}}},
	}}
	h := newTestHandler(upstream)
	r := newTestRouter(h)

	body := `{"model":"m","stream":false,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	var resp llm.CompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "hello", *resp.Choices[0].Message.Content)

	// The aggregated object always reports usage, even though the caller
	// never asked for stream_options.include_usage.
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
	assert.Equal(t, 0, resp.Usage.AdditionalCostCents)
}

func TestHandle_StreamingRequestReturnsSSE(t *testing.T) {
	content := "hi"
	finish := "stop"
	upstream := &fakeUpstream{chunks: []llm.Chunk{
		{Choices: []llm.ChunkChoice{{Index: 0, Delta: llm.Delta{Content: &content}}}},
		{Choices: []llm.ChunkChoice{{Index: 0, FinishReason: &finish}}},
	}}
	h := newTestHandler(upstream)
	r := newTestRouter(h)

	body := `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"content":"hi"`)
	assert.Contains(t, w.Body.String(), "data: [DONE]")
}
