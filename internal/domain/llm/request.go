package llm

import (
	"encoding/json"
	"fmt"
	"io"
)

// DecodeRequest fully drains r, decodes it as UTF-8 JSON, and parses it into a
// ChatCompletionRequest. The caller's original stream preference is returned
// separately since the internal pipeline always runs in streaming mode.
func DecodeRequest(r io.Reader) (*ChatCompletionRequest, bool, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("read request body: %w", err)
	}

	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false, errInvalidJSON
	}

	wantsStream := req.Stream
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &StreamOptions{}
	}

	return &req, wantsStream, nil
}

// errInvalidJSON is a sentinel so callers can distinguish a malformed body
// from any other decode failure and map it to the exact wire message.
var errInvalidJSON = fmt.Errorf("invalid JSON in request body")

// IsInvalidJSON reports whether err came from a malformed request body.
func IsInvalidJSON(err error) bool {
	return err == errInvalidJSON
}

// ValidateTools checks every MCP tool spec in the request. A request with no
// MCP tools is trivially valid.
func ValidateTools(req *ChatCompletionRequest) error {
	for _, t := range req.Tools {
		if t.Type != ToolTypeMCP || t.MCP == nil {
			continue
		}
		if err := validateMCPToolSpec(t.MCP); err != nil {
			return err
		}
	}
	return nil
}

func validateMCPToolSpec(spec *MCPToolSpec) error {
	if spec.ServerURL == "" {
		return fmt.Errorf("mcp tool spec requires a non-empty server_url")
	}
	if spec.RequireApproval != nil && *spec.RequireApproval != "never" {
		return fmt.Errorf("require_approval must be absent or \"never\", got %q", *spec.RequireApproval)
	}
	return nil
}
