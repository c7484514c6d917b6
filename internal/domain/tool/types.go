// Package tool models one round of MCP tool-call dispatch: the parsed call
// request, its result, and the wire shapes used to feed both back into the
// conversation.
package tool

import (
	"encoding/json"
	"fmt"

	"mcp-completion-proxy/internal/domain/llm"
)

// Call is one tool call the model asked for, with arguments already decoded
// from the wire's JSON-encoded-string form.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ParseToolCall decodes the wire-format tool call (whose Arguments is a
// JSON-encoded string per the OpenAI function-calling convention) into a
// Call with arguments already parsed. Some providers double-encode the
// arguments as a JSON string containing a JSON string; if the first parse
// yields a string instead of an object, it is parsed again.
func ParseToolCall(call llm.ToolCall) (Call, error) {
	args, err := parseArguments(call.Function.Arguments)
	if err != nil {
		return Call{}, fmt.Errorf("parse arguments for tool call %s: %w", call.ID, err)
	}
	return Call{ID: call.ID, Name: call.Function.Name, Arguments: args}, nil
}

func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	var nested string
	if err := json.Unmarshal([]byte(raw), &nested); err != nil {
		return nil, fmt.Errorf("arguments are neither a JSON object nor a JSON string: %w", err)
	}
	if err := json.Unmarshal([]byte(nested), &args); err != nil {
		return nil, fmt.Errorf("parse double-encoded arguments: %w", err)
	}
	return args, nil
}
