package llmprovider_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mcp-completion-proxy/internal/domain/llm"
	"mcp-completion-proxy/internal/infrastructure/llmprovider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_StreamChatCompletion_ParsesChunksAndStopsOnDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		io.WriteString(w, `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"he"},"finish_reason":null}]}`+"\n\n")
		flusher.Flush()
		io.WriteString(w, `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"llo"},"finish_reason":"stop"}]}`+"\n\n")
		flusher.Flush()
		io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	client := llmprovider.NewClient(srv.URL, time.Second*5)
	stream, err := client.StreamChatCompletion(context.Background(), llm.ChatCompletionRequest{Model: "m"}, "Bearer token")
	require.NoError(t, err)
	defer stream.Close()

	var contents []string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, chunk.Choices, 1)
		if chunk.Choices[0].Delta.Content != nil {
			contents = append(contents, *chunk.Choices[0].Delta.Content)
		}
	}

	assert.Equal(t, []string{"he", "llo"}, contents)
}

func TestClient_StreamChatCompletion_NonOKStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "boom")
	}))
	defer srv.Close()

	client := llmprovider.NewClient(srv.URL, time.Second*5)
	_, err := client.StreamChatCompletion(context.Background(), llm.ChatCompletionRequest{Model: "m"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
