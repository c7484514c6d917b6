package tool_test

import (
	"testing"

	"mcp-completion-proxy/internal/domain/llm"
	"mcp-completion-proxy/internal/domain/tool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolCall_DirectObjectArguments(t *testing.T) {
	call := llm.ToolCall{
		ID:   "call_1",
		Type: "function",
		Function: llm.ToolCallFunction{
			Name:      "search",
			Arguments: `{"query":"weather in nyc"}`,
		},
	}

	got, err := tool.ParseToolCall(call)
	require.NoError(t, err)
	assert.Equal(t, "call_1", got.ID)
	assert.Equal(t, "search", got.Name)
	assert.Equal(t, "weather in nyc", got.Arguments["query"])
}

func TestParseToolCall_DoubleEncodedArguments(t *testing.T) {
	call := llm.ToolCall{
		ID:   "call_2",
		Type: "function",
		Function: llm.ToolCallFunction{
			Name:      "search",
			Arguments: `"{\"query\":\"weather\"}"`,
		},
	}

	got, err := tool.ParseToolCall(call)
	require.NoError(t, err)
	assert.Equal(t, "weather", got.Arguments["query"])
}

func TestParseToolCall_EmptyArguments(t *testing.T) {
	call := llm.ToolCall{ID: "call_3", Function: llm.ToolCallFunction{Name: "ping", Arguments: ""}}

	got, err := tool.ParseToolCall(call)
	require.NoError(t, err)
	assert.Empty(t, got.Arguments)
}

func TestParseToolCall_MalformedArgumentsErrors(t *testing.T) {
	call := llm.ToolCall{ID: "call_4", Function: llm.ToolCallFunction{Name: "ping", Arguments: "not json at all"}}

	_, err := tool.ParseToolCall(call)
	assert.Error(t, err)
}
