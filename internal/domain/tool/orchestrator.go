// Package tool drives the multi-round completion loop (C4): one round is
// one upstream streaming chat-completion call, interleaved with dispatching
// any MCP tool calls the model asked for and folding their results back into
// the working conversation.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"mcp-completion-proxy/internal/domain/llm"
	mcpdomain "mcp-completion-proxy/internal/domain/mcp"
	"mcp-completion-proxy/internal/domain/stream"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config bounds one request's worth of orchestration.
type Config struct {
	MaxRounds int
	// ExtraCostCents is cost already incurred before the first round, e.g. by
	// the url_context collaborator's extract service.
	ExtraCostCents int
}

// Orchestrator runs the round loop described in the component design.
type Orchestrator struct {
	upstream Upstream
	caller   Caller
	registry *mcpdomain.Registry
	estimate func(string) int
	cfg      Config
	log      zerolog.Logger
}

// NewOrchestrator builds an orchestrator bound to one request's registry.
func NewOrchestrator(upstream Upstream, caller Caller, registry *mcpdomain.Registry, estimate func(string) int, cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 20
	}
	return &Orchestrator{upstream: upstream, caller: caller, registry: registry, estimate: estimate, cfg: cfg, log: log}
}

// accumulator folds streamed tool-call deltas keyed by their index.
type accumulator struct {
	id        string
	name      string
	arguments string
}

// roundOutcome carries what one round produced. Reasoning deltas are
// forwarded to the caller as they stream but are not accumulated here: they
// stay out of the model-facing history on later rounds.
type roundOutcome struct {
	content      string
	finishReason string
	toolCalls    []llm.ToolCall
	usage        llm.Usage
}

// Run drives the full request: it emits a role-announcement chunk, loops
// rounds until termination, dispatches MCP tool calls between rounds, and
// emits the terminal chunk. It returns the accumulated usage.
func (o *Orchestrator) Run(ctx context.Context, req llm.ChatCompletionRequest, authorization string, wantsUsage bool, sink stream.Sink) (llm.Usage, int, error) {
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	model := req.Model

	if err := sink.Emit(roleAnnouncement(id, created, model)); err != nil {
		return llm.Usage{}, 0, err
	}

	conversation := append([]llm.Message(nil), req.Messages...)
	budget, bounded := initialBudget(req)

	var total llm.Usage
	total.AdditionalCostCents = o.cfg.ExtraCostCents
	finishReason := "stop"
	roundsRun := 0

	for round := 1; round <= o.cfg.MaxRounds; round++ {
		roundsRun = round
		roundReq := req.Clone()
		roundReq.Messages = conversation
		roundReq.Stream = true
		roundReq.StreamOptions = &llm.StreamOptions{IncludeUsage: true}
		if bounded {
			remaining := budget
			roundReq.MaxTokens = nil
			roundReq.MaxCompletionTokens = &remaining
		}

		outcome, err := o.runRound(ctx, roundReq, authorization, id, created, model, sink)
		if err != nil {
			return total, roundsRun, fmt.Errorf("round %d: %w", round, err)
		}

		total.Add(outcome.usage)
		if bounded {
			budget -= outcome.usage.CompletionTokens
		}

		dispatchable := dispatchableCalls(outcome.toolCalls, o.registry)

		roundFinished := outcome.finishReason == "stop" || outcome.finishReason == "length"
		noDispatchableCalls := len(dispatchable) == 0
		budgetExhausted := bounded && budget <= 0

		if roundFinished || noDispatchableCalls || budgetExhausted {
			conversation = append(conversation, assistantMessage(outcome, outcome.toolCalls))
			if outcome.finishReason != "" {
				finishReason = outcome.finishReason
			}
			if noDispatchableCalls && len(outcome.toolCalls) > 0 {
				// Plain function tool calls are the caller's to execute, so
				// hand them over instead of dropping them on the floor.
				finishReason = "tool_calls"
				if err := sink.Emit(toolCallsChunk(id, created, model, outcome.toolCalls)); err != nil {
					return total, roundsRun, err
				}
			}
			break
		}

		// Only the calls that will actually get a tool message back may stay
		// on the assistant message, so every tool_call_id pairs up before the
		// next upstream round.
		conversation = append(conversation, assistantMessage(outcome, dispatchable))

		for _, call := range dispatchable {
			toolMsg := o.dispatchToolCall(ctx, call, authorization, id, created, model, sink)
			conversation = append(conversation, toolMsg)
		}
	}

	if err := sink.Emit(terminalChunk(id, created, model, finishReason, total, wantsUsage)); err != nil {
		return total, roundsRun, err
	}
	return total, roundsRun, nil
}

func roleAnnouncement(id string, created int64, model string) llm.Chunk {
	return llm.Chunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []llm.ChunkChoice{{Index: 0, Delta: llm.Delta{Role: "assistant"}}},
	}
}

func terminalChunk(id string, created int64, model, finishReason string, total llm.Usage, wantsUsage bool) llm.Chunk {
	chunk := llm.Chunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []llm.ChunkChoice{{Index: 0, Delta: llm.Delta{}, FinishReason: &finishReason}},
	}
	if wantsUsage && total.TotalTokens > 0 {
		u := total
		chunk.Usage = &u
	}
	return chunk
}

func assistantMessage(outcome *roundOutcome, calls []llm.ToolCall) llm.Message {
	msg := llm.Message{Role: "assistant"}
	if outcome.content != "" {
		msg.Content = outcome.content
	}
	if len(calls) > 0 {
		msg.ToolCalls = calls
	}
	return msg
}

// toolCallsChunk re-emits finalized tool calls to the caller as a single
// delta, one ToolCallDelta per call in index order.
func toolCallsChunk(id string, created int64, model string, calls []llm.ToolCall) llm.Chunk {
	deltas := make([]llm.ToolCallDelta, 0, len(calls))
	for i, call := range calls {
		deltas = append(deltas, llm.ToolCallDelta{
			Index: i,
			ID:    call.ID,
			Type:  call.Type,
			Function: &llm.ToolCallFunctionDelta{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	return llm.Chunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []llm.ChunkChoice{{Index: 0, Delta: llm.Delta{ToolCalls: deltas}}},
	}
}

// initialBudget reports the caller's requested token budget, if any.
func initialBudget(req llm.ChatCompletionRequest) (int, bool) {
	if req.MaxCompletionTokens != nil {
		return *req.MaxCompletionTokens, true
	}
	if req.MaxTokens != nil {
		return *req.MaxTokens, true
	}
	return 0, false
}

// dispatchableCalls keeps only the tool calls that resolve to a federated
// MCP tool; plain function-tool calls are left for the caller to execute
// themselves and do not keep the loop going.
func dispatchableCalls(calls []llm.ToolCall, registry *mcpdomain.Registry) []llm.ToolCall {
	var out []llm.ToolCall
	for _, c := range calls {
		if !mcpdomain.IsSyntheticName(c.Function.Name) {
			continue
		}
		if _, ok := registry.Resolve(c.Function.Name); !ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// runRound consumes one upstream SSE stream to completion, forwarding
// content deltas to sink as it goes and buffering tool-call deltas by index.
func (o *Orchestrator) runRound(ctx context.Context, req llm.ChatCompletionRequest, authorization, id string, created int64, model string, sink stream.Sink) (*roundOutcome, error) {
	upstream, err := o.upstream.StreamChatCompletion(ctx, req, authorization)
	if err != nil {
		return nil, fmt.Errorf("open upstream stream: %w", err)
	}
	defer upstream.Close()

	outcome := &roundOutcome{}
	calls := make(map[int]*accumulator)
	var order []int

	for {
		chunk, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read upstream chunk: %w", err)
		}

		if chunk.Usage != nil {
			outcome.usage = *chunk.Usage
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != nil || choice.Delta.Refusal != nil || choice.Delta.ReasoningContent != nil {
			forwarded := llm.Chunk{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []llm.ChunkChoice{{Index: 0, Delta: choice.Delta}},
			}
			if err := sink.Emit(forwarded); err != nil {
				return nil, err
			}
			if choice.Delta.Content != nil {
				outcome.content += *choice.Delta.Content
			}
		}

		for _, delta := range choice.Delta.ToolCalls {
			acc, ok := calls[delta.Index]
			if !ok {
				acc = &accumulator{}
				calls[delta.Index] = acc
				order = append(order, delta.Index)
			}
			if delta.ID != "" {
				acc.id = delta.ID
			}
			if delta.Function != nil {
				acc.name += delta.Function.Name
				acc.arguments += delta.Function.Arguments
			}
		}

		if choice.FinishReason != nil {
			outcome.finishReason = *choice.FinishReason
			if *choice.FinishReason == "tool_calls" {
				outcome.toolCalls = finalizeToolCalls(order, calls, o.log)
			}
			// With include_usage the usage arrives in a trailing chunk with
			// no choices, after the finish_reason chunk.
			for {
				tail, err := upstream.Recv()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return nil, fmt.Errorf("read upstream chunk: %w", err)
				}
				if tail.Usage != nil {
					outcome.usage = *tail.Usage
				}
			}
			break
		}
	}

	return outcome, nil
}

// finalizeToolCalls resolves the accumulated deltas into concrete tool
// calls. A call whose arguments never parse as JSON is dropped, logged, and
// does not abort the round.
func finalizeToolCalls(order []int, calls map[int]*accumulator, log zerolog.Logger) []llm.ToolCall {
	var out []llm.ToolCall
	for _, idx := range order {
		acc := calls[idx]
		if acc.name == "" || acc.arguments == "" {
			continue
		}

		var parsed map[string]any
		if err := json.Unmarshal([]byte(acc.arguments), &parsed); err != nil {
			log.Warn().Err(err).Str("tool", acc.name).Msg("dropping tool call with unparseable arguments")
			continue
		}

		canonical, err := json.Marshal(parsed)
		if err != nil {
			canonical = []byte(acc.arguments)
		}

		out = append(out, llm.ToolCall{
			ID:   acc.id,
			Type: "function",
			Function: llm.ToolCallFunction{
				Name:      acc.name,
				Arguments: string(canonical),
			},
		})
	}
	return out
}

// dispatchToolCall executes one federated MCP tool call, emitting the
// pre-feedback and result (or error) blocks to the caller, and returns the
// tool-role message to append to the working conversation.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, call llm.ToolCall, authorization, id string, created int64, model string, sink stream.Sink) llm.Message {
	entry, _ := o.registry.Resolve(call.Function.Name)
	hostname := mcpdomain.Hostname(entry.ServerURL)

	parsed, err := ParseToolCall(call)
	if err != nil {
		return o.emitToolError(call.ID, id, created, model, sink, err)
	}

	if err := sink.Emit(contentChunk(id, created, model, FormatPreFeedback(call.Function.Name, hostname, parsed.Arguments))); err != nil {
		o.log.Error().Err(err).Msg("emit pre-feedback chunk failed")
	}

	effectiveAuth := authorization
	if entry.Authorization != "" {
		effectiveAuth = entry.Authorization
	}

	result, err := o.caller.Call(ctx, entry.ServerURL, entry.OriginalName, parsed.Arguments, effectiveAuth)
	if err != nil {
		return o.emitToolError(call.ID, id, created, model, sink, err)
	}

	formatted := FormatToolResult(result, o.estimate)
	if err := sink.Emit(contentChunk(id, created, model, formatted)); err != nil {
		o.log.Error().Err(err).Msg("emit tool result chunk failed")
	}

	return llm.Message{Role: "tool", ToolCallID: call.ID, Content: formatted}
}

func (o *Orchestrator) emitToolError(callID, id string, created int64, model string, sink stream.Sink, err error) llm.Message {
	if IsSessionExpired(err) {
		err = errors.New(SessionExpiredMessage)
	}
	formatted := FormatToolError(err)
	if emitErr := sink.Emit(contentChunk(id, created, model, formatted)); emitErr != nil {
		o.log.Error().Err(emitErr).Msg("emit tool error chunk failed")
	}
	return llm.Message{Role: "tool", ToolCallID: callID, Content: formatted}
}

func contentChunk(id string, created int64, model, content string) llm.Chunk {
	return llm.Chunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []llm.ChunkChoice{{Index: 0, Delta: llm.Delta{Content: &content}}},
	}
}
