package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpdomain "mcp-completion-proxy/internal/domain/mcp"
)

// FormatPreFeedback renders the details block shown to the caller before a
// tool call is actually dispatched.
func FormatPreFeedback(toolName, hostname string, arguments map[string]any) string {
	pretty, err := json.MarshalIndent(arguments, "", "  ")
	if err != nil {
		pretty = []byte("{}")
	}
	var b strings.Builder
	b.WriteString("<details>\n<summary>Calling ")
	b.WriteString(toolName)
	b.WriteString(" on ")
	b.WriteString(hostname)
	b.WriteString("</summary>\n\n```json\n")
	b.Write(pretty)
	b.WriteString("\n```\n</details>\n")
	return b.String()
}

// FormatToolResult renders a successful MCP tools/call result as the
// conversation-visible block, estimating its size in tokens via estimate.
func FormatToolResult(result *mcpdomain.CallResult, estimate func(string) int) string {
	if len(result.Content) == 0 {
		return formatRawError(result.Raw)
	}

	var body strings.Builder
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			body.WriteString(renderTextBlock(block.Text))
		case "image":
			body.WriteString(fmt.Sprintf("[Image: %s]", block.Data))
		default:
			if encoded, err := json.Marshal(block); err == nil {
				body.WriteString(string(encoded))
			}
		}
		body.WriteString("\n")
	}

	text := body.String()
	tokens := estimate(text)

	var out strings.Builder
	out.WriteString("<details>\n<summary>Result (±")
	out.WriteString(fmt.Sprintf("%d", tokens))
	out.WriteString(" tokens)</summary>\n\n")
	out.WriteString(text)
	out.WriteString("\n</details>\n")
	return out.String()
}

func renderTextBlock(text string) string {
	var probe any
	if json.Unmarshal([]byte(text), &probe) == nil {
		return "```json\n" + text + "\n```"
	}
	return "```markdown\n" + text + "\n```"
}

func formatRawError(raw json.RawMessage) string {
	body := string(raw)
	if body == "" {
		body = "{}"
	}
	return "<details>\n<summary>Error: malformed tool result</summary>\n\n```json\n" + body + "\n```\n</details>\n"
}

// FormatToolError renders a dispatch-time failure as the conversation-visible
// error message per the "surfaced into the conversation" philosophy.
func FormatToolError(err error) string {
	return fmt.Sprintf("**Error**: %s", err.Error())
}

// SessionExpiredMessage is the exact error text the model sees when a 404
// invalidates a cached MCP session mid-call.
const SessionExpiredMessage = "Session expired, please retry the request"

// IsSessionExpired reports whether err is (or wraps) a session-expiry error.
func IsSessionExpired(err error) bool {
	var sessionErr *mcpdomain.SessionExpiredError
	return errors.As(err, &sessionErr)
}
