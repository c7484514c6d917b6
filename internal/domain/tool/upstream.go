package tool

import (
	"context"

	"mcp-completion-proxy/internal/domain/llm"
	mcpdomain "mcp-completion-proxy/internal/domain/mcp"
)

// UpstreamStream yields the parsed chunks of one round's SSE response. Recv
// returns io.EOF once the stream is exhausted.
type UpstreamStream interface {
	Recv() (*llm.Chunk, error)
	Close() error
}

// Upstream opens one streaming chat-completion round against the configured
// LLM backend. Satisfied by the infrastructure llmprovider client.
type Upstream interface {
	StreamChatCompletion(ctx context.Context, req llm.ChatCompletionRequest, authorization string) (UpstreamStream, error)
}

// Caller invokes a federated MCP tool by its original name on its origin
// server. Satisfied by the infrastructure MCP session manager.
type Caller interface {
	Call(ctx context.Context, serverURL, originalName string, arguments map[string]any, authorization string) (*mcpdomain.CallResult, error)
}
