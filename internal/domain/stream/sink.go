// Package stream implements the dual-mode response emitter (C5): the
// orchestrator always produces a sequence of chunks, and a Sink decides
// whether to forward them to the caller as SSE or accumulate them into a
// single JSON response.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"mcp-completion-proxy/internal/domain/llm"
)

// Sink receives every chunk the orchestrator produces, in emission order.
type Sink interface {
	Emit(chunk llm.Chunk) error
}

// SSESink forwards each chunk verbatim as an SSE "data:" line and flushes
// after every write so the caller sees output as it is produced.
type SSESink struct {
	w       *bufio.Writer
	flusher http.Flusher
}

// NewSSESink prepares response headers for an event-stream body and returns
// a sink that writes to it.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &SSESink{w: bufio.NewWriter(w), flusher: flusher}, nil
}

// Emit writes one SSE data line for the chunk.
func (s *SSESink) Emit(chunk llm.Chunk) error {
	body, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", body); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done writes the terminal [DONE] sentinel.
func (s *SSESink) Done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// BufferingSink accumulates chunks into the fields needed to build a single
// non-streaming chat.completion response.
type BufferingSink struct {
	ID               string
	Created          int64
	Model            string
	Content          string
	ReasoningContent string
	HasReasoning     bool
	FinishReason     string
	Usage            *llm.Usage
}

// NewBufferingSink returns an empty accumulator.
func NewBufferingSink() *BufferingSink {
	return &BufferingSink{}
}

// Emit folds one chunk's delta into the running accumulation.
func (b *BufferingSink) Emit(chunk llm.Chunk) error {
	if b.ID == "" {
		b.ID = chunk.ID
		b.Created = chunk.Created
		b.Model = chunk.Model
	}
	if chunk.Usage != nil {
		b.Usage = chunk.Usage
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != nil {
			b.Content += *choice.Delta.Content
		}
		if choice.Delta.ReasoningContent != nil {
			b.ReasoningContent += *choice.Delta.ReasoningContent
			b.HasReasoning = true
		}
		if choice.FinishReason != nil {
			b.FinishReason = *choice.FinishReason
		}
	}
	return nil
}

// ToCompletionResponse renders the accumulated state as a single
// chat.completion object.
func (b *BufferingSink) ToCompletionResponse() llm.CompletionResponse {
	finish := b.FinishReason
	if finish == "" {
		finish = "stop"
	}

	var content *string
	if b.Content != "" {
		c := b.Content
		content = &c
	}

	msg := llm.CompletionMessage{Role: "assistant", Content: content}
	if b.HasReasoning {
		rc := b.ReasoningContent
		msg.ReasoningContent = &rc
	}

	usage := b.Usage
	if usage == nil {
		usage = &llm.Usage{}
	}

	return llm.CompletionResponse{
		ID:      b.ID,
		Object:  "chat.completion",
		Created: b.Created,
		Model:   b.Model,
		Choices: []llm.CompletionChoice{
			{Index: 0, Message: msg, FinishReason: finish},
		},
		Usage: usage,
	}
}
