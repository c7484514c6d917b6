// Package llmprovider opens streaming chat-completion requests against the
// configured upstream OpenAI-compatible endpoint.
package llmprovider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mcp-completion-proxy/internal/domain/llm"
	"mcp-completion-proxy/internal/domain/tool"
)

// Client streams chat-completion rounds from a single upstream base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client bound to baseURL, with the given per-round timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// StreamChatCompletion posts req to the upstream /chat/completions endpoint
// and returns a stream of parsed SSE chunks. req.Stream is forced true by
// the caller before this is invoked; it is not re-forced here so callers
// retain control over the exact body sent upstream.
func (c *Client) StreamChatCompletion(ctx context.Context, req llm.ChatCompletionRequest, authorization string) (tool.UpstreamStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if authorization != "" {
		httpReq.Header.Set("Authorization", authorization)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("upstream %s returned %d: %s", endpoint, resp.StatusCode, string(errBody))
	}

	return &sseStream{resp: resp, reader: bufio.NewReader(resp.Body)}, nil
}

var _ tool.Upstream = (*Client)(nil)

// sseStream parses an SSE response body into llm.Chunk values.
type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
}

// Recv returns the next parsed chunk. EOF before a newline drops any
// partial final line; the stream always ends with a terminated
// "data: [DONE]" so nothing meaningful can be lost that way.
func (s *sseStream) Recv() (*llm.Chunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read line: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil, io.EOF
		}

		var chunk llm.Chunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		return &chunk, nil
	}
}

func (s *sseStream) Close() error {
	if s.resp != nil && s.resp.Body != nil {
		return s.resp.Body.Close()
	}
	return nil
}
