// Package mcp implements the JSON-RPC-over-HTTP transport to remote MCP
// servers: the initialize handshake, session-id lifecycle, tools/list, and
// tools/call.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	orcherrors "mcp-completion-proxy/internal/domain/errors"
	mcpdomain "mcp-completion-proxy/internal/domain/mcp"
	"mcp-completion-proxy/internal/domain/retry"
	"mcp-completion-proxy/internal/infrastructure/metrics"
	"mcp-completion-proxy/internal/infrastructure/observability"
)

const protocolVersion = "2025-06-18"

// ClientInfo identifies this proxy to MCP servers during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// sessionState tracks one server_url's live session. mu serializes init and
// invalidation against concurrent requests targeting the same server.
type sessionState struct {
	mu          sync.Mutex
	sessionID   string
	initialized bool
	tools       []mcpdomain.ToolRecord
}

// SessionManager opens, tracks, and recovers JSON-RPC sessions to remote MCP
// servers. Sessions live only for the process lifetime; there is no
// persistence across restarts.
type SessionManager struct {
	http        *resty.Client
	clientInfo  ClientInfo
	retries     *retry.Executor
	initTimeout time.Duration
	callTimeout time.Duration

	mapMu    sync.Mutex
	sessions map[string]*sessionState
}

// Option adjusts a SessionManager at construction time.
type Option func(*SessionManager)

// WithTimeouts bounds the handshake and each tools/call round-trip. Zero
// leaves the corresponding operation bounded only by the request context.
func WithTimeouts(initTimeout, callTimeout time.Duration) Option {
	return func(m *SessionManager) {
		m.initTimeout = initTimeout
		m.callTimeout = callTimeout
	}
}

// NewSessionManager constructs a session manager with the given client identity.
func NewSessionManager(clientInfo ClientInfo, opts ...Option) *SessionManager {
	m := &SessionManager{
		http:       resty.New(),
		clientInfo: clientInfo,
		retries:    retry.NewExecutor(retry.DefaultPolicy()),
		sessions:   make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (m *SessionManager) state(serverURL string) *sessionState {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	s, ok := m.sessions[serverURL]
	if !ok {
		s = &sessionState{}
		m.sessions[serverURL] = s
	}
	return s
}

// Initialize performs the MCP handshake and returns the discovered tools.
// Concurrent callers for the same server_url are serialized; a caller that
// arrives after another has already completed initialization gets the
// cached tool list without repeating the handshake.
func (m *SessionManager) Initialize(ctx context.Context, serverURL, authorization string) (tools []mcpdomain.ToolRecord, err error) {
	s := m.state(serverURL)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return s.tools, nil
	}

	ctx, cancel := withTimeout(ctx, m.initTimeout)
	defer cancel()

	ctx, span := observability.StartMCPCallSpan(ctx, serverURL, "", "initialize")
	defer func() {
		observability.RecordError(span, err, "tool_failure")
		span.End()
	}()

	sessionID, err := m.doInitialize(ctx, serverURL, authorization)
	if err != nil {
		return nil, err
	}

	if err := m.doNotifyInitialized(ctx, serverURL, sessionID, authorization); err != nil {
		return nil, err
	}

	tools, err = m.doToolsList(ctx, serverURL, sessionID, authorization)
	if err != nil {
		return nil, err
	}

	s.sessionID = sessionID
	s.tools = tools
	s.initialized = true
	metrics.MCPSessionsActive.Inc()
	return tools, nil
}

// Call invokes a tool via tools/call, re-initializing the session first if it
// isn't already live.
func (m *SessionManager) Call(ctx context.Context, serverURL, originalName string, arguments map[string]any, authorization string) (result *mcpdomain.CallResult, err error) {
	ctx, cancel := withTimeout(ctx, m.callTimeout)
	defer cancel()

	ctx, span := observability.StartMCPCallSpan(ctx, serverURL, originalName, "tools/call")
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordToolCall(originalName, status, time.Since(start).Seconds())
		observability.AddToolCallEvent(span, originalName, time.Since(start).Milliseconds(), err == nil)
		observability.RecordError(span, err, "tool_failure")
		span.End()
	}()

	s := m.state(serverURL)

	s.mu.Lock()
	initialized := s.initialized
	sessionID := s.sessionID
	s.mu.Unlock()

	if !initialized {
		if _, err := m.Initialize(ctx, serverURL, authorization); err != nil {
			return nil, err
		}
		s.mu.Lock()
		sessionID = s.sessionID
		s.mu.Unlock()
	}

	rpcRaw, status, body, respSessionID, err := m.rpcCall(ctx, serverURL, sessionID, authorization, "tools/call", map[string]any{
		"name":      originalName,
		"arguments": arguments,
	}, 1)
	if err != nil {
		return nil, err
	}

	if status == 404 {
		s.mu.Lock()
		s.initialized = false
		s.sessionID = ""
		s.mu.Unlock()
		metrics.MCPSessionsActive.Dec()
		metrics.RecordSessionReinit(serverURL, "expired")
		observability.AddSessionReinitEvent(span, serverURL, "expired")
		return nil, &mcpdomain.SessionExpiredError{ServerURL: serverURL}
	}
	if status == 401 {
		return nil, &mcpdomain.AuthError{Hostname: mcpdomain.Hostname(serverURL)}
	}
	if status < 200 || status >= 300 {
		return nil, &mcpdomain.StatusError{ServerURL: serverURL, StatusCode: status, Body: body}
	}

	if respSessionID != "" {
		s.mu.Lock()
		s.sessionID = respSessionID
		s.mu.Unlock()
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(rpcRaw, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	var parsed struct {
		Content []mcpdomain.ContentBlock `json:"content"`
		IsError bool                     `json:"isError"`
	}
	if err := json.Unmarshal(rpcResp.Result, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	return &mcpdomain.CallResult{ToolName: originalName, Content: parsed.Content, IsError: parsed.IsError, Raw: rpcResp.Result}, nil
}

// Invalidate drops the cached session for a server, forcing re-init on next use.
func (m *SessionManager) Invalidate(serverURL string) {
	s := m.state(serverURL)
	s.mu.Lock()
	wasInitialized := s.initialized
	s.initialized = false
	s.sessionID = ""
	s.mu.Unlock()
	if wasInitialized {
		metrics.MCPSessionsActive.Dec()
	}
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("mcp json-rpc error (%d): %s", e.Code, e.Message)
}

func (m *SessionManager) doInitialize(ctx context.Context, serverURL, authorization string) (string, error) {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"roots":    map[string]any{"listChanged": true},
			"sampling": map[string]any{},
		},
		"clientInfo": m.clientInfo,
	}

	body, status, _, sessionID, err := m.rpcCall(ctx, serverURL, "", authorization, "initialize", params, 1)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &mcpdomain.StatusError{ServerURL: serverURL, StatusCode: status, Body: string(body)}
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal initialize response: %w", err)
	}
	if resp.Error != nil {
		return "", resp.Error
	}

	return sessionID, nil
}

func (m *SessionManager) doNotifyInitialized(ctx context.Context, serverURL, sessionID, authorization string) error {
	req := m.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json,text/event-stream").
		SetHeader("MCP-Protocol-Version", protocolVersion)
	if sessionID != "" {
		req.SetHeader("Mcp-Session-Id", sessionID)
	}
	if authorization != "" {
		req.SetHeader("Authorization", authorization)
	}

	notification := map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	}
	_, err := req.SetBody(notification).Post(serverURL)
	return err
}

func (m *SessionManager) doToolsList(ctx context.Context, serverURL, sessionID, authorization string) ([]mcpdomain.ToolRecord, error) {
	body, status, _, _, err := m.rpcCall(ctx, serverURL, sessionID, authorization, "tools/list", map[string]any{}, 2)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &mcpdomain.StatusError{ServerURL: serverURL, StatusCode: status, Body: string(body)}
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result struct {
		Tools []mcpdomain.ToolRecord `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}
	return result.Tools, nil
}

// rpcCall issues one JSON-RPC request and returns the parsed-from-SSE-or-JSON
// body, HTTP status, raw string body, and any Mcp-Session-Id response header.
func (m *SessionManager) rpcCall(ctx context.Context, serverURL, sessionID, authorization, method string, params any, id int) (json.RawMessage, int, string, string, error) {
	req := m.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json,text/event-stream").
		SetHeader("MCP-Protocol-Version", protocolVersion)
	if sessionID != "" {
		req.SetHeader("Mcp-Session-Id", sessionID)
	}
	if authorization != "" {
		req.SetHeader("Authorization", authorization)
	}

	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      id,
	}

	var resp *resty.Response
	execErr := m.retries.Execute(ctx, func(ctx context.Context, attempt int) error {
		var postErr error
		resp, postErr = req.SetBody(payload).Post(serverURL)
		if postErr != nil {
			return orcherrors.WrapRetryable(postErr, fmt.Sprintf("post %s to %s", method, serverURL))
		}
		return nil
	})
	if execErr != nil {
		return nil, 0, "", "", fmt.Errorf("post %s to %s: %w", method, serverURL, execErr)
	}

	respSessionID := resp.Header().Get("Mcp-Session-Id")
	status := resp.StatusCode()
	rawBody := resp.Body()

	if status < 200 || status >= 300 {
		return rawBody, status, string(rawBody), respSessionID, nil
	}

	parsed, err := parseSSEorJSON(rawBody)
	if err != nil {
		return nil, status, string(rawBody), respSessionID, fmt.Errorf("parse mcp response: %w", err)
	}
	return parsed, status, string(rawBody), respSessionID, nil
}

// parseSSEorJSON extracts a JSON-RPC payload from a body that may arrive as
// application/json or as a text/event-stream of "data:" lines.
func parseSSEorJSON(body []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("empty response body")
	}
	if strings.HasPrefix(trimmed, "{") {
		return body, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(trimmed))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			continue
		}
		var probe struct {
			JSONRPC string `json:"jsonrpc"`
		}
		if err := json.Unmarshal([]byte(data), &probe); err != nil {
			continue
		}
		if probe.JSONRPC == "2.0" {
			return []byte(data), nil
		}
	}

	return nil, fmt.Errorf("no JSON-RPC payload found in SSE response")
}
