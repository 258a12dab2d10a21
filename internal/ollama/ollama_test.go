// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-agentd/internal/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL+"/", nil)
}

// =============================================================================
// CHAT
// =============================================================================

func TestComplete_MapsMessagesAndToolCalls(t *testing.T) {
	var got ChatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{
			"model": "qwen2.5:7b",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [
					{"function": {"name": "web_search", "arguments": {"query": "go"}}},
					{"function": {"name": "current_time"}}
				]
			},
			"done": true,
			"done_reason": "stop",
			"prompt_eval_count": 30,
			"eval_count": 9
		}`))
	})

	resp, err := client.Complete(context.Background(), llm.Request{
		Model: "qwen2.5:7b",
		Messages: []llm.Message{
			llm.SystemMessage("sys"),
			llm.UserMessage("search go"),
			llm.AssistantMessage("", llm.ToolRequest{ID: "c1", Name: "current_time", Arguments: json.RawMessage(`{"zone":"UTC"}`)}),
			llm.ToolMessage("c1", "current_time", "noon"),
		},
		Tools:       []llm.ToolSpec{{Name: "web_search", Description: "search", Parameters: map[string]any{"type": "object"}}},
		MaxTokens:   256,
		Temperature: 0.2,
	})
	require.NoError(t, err)

	assert.Equal(t, "qwen2.5:7b", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "current_time", got.Messages[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "UTC", got.Messages[2].ToolCalls[0].Function.Arguments["zone"])
	assert.Equal(t, "current_time", got.Messages[3].ToolName)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	require.NotNil(t, got.Options)
	assert.Equal(t, 256, got.Options.NumPredict)

	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"go"}`, string(resp.ToolCalls[0].Arguments))
	assert.JSONEq(t, `{}`, string(resp.ToolCalls[1].Arguments))
	assert.Equal(t, llm.Usage{PromptTokens: 30, CompletionTokens: 9}, resp.Usage)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestComplete_DefaultModel(t *testing.T) {
	var model string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		model = req.Model
		w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":"hi"},"done":true}`))
	})

	_, err := client.Complete(context.Background(), llm.Request{Messages: []llm.Message{llm.UserMessage("x")}})
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrNoModel)
	assert.False(t, pe.Retryable())

	client.WithDefaultModel("llama3.2")
	resp, err := client.Complete(context.Background(), llm.Request{Messages: []llm.Message{llm.UserMessage("x")}})
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", model)
	assert.Equal(t, "hi", resp.Content)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		sentinel  error
	}{
		{"model missing", http.StatusNotFound, `{"error":"model 'x' not found"}`, false, ErrModelNotFound},
		{"server error", http.StatusInternalServerError, `{"error":"out of memory"}`, true, nil},
		{"bad request", http.StatusBadRequest, `not json`, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := client.Complete(context.Background(), llm.Request{Model: "x"})
			var pe *llm.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, llm.ClassHTTPStatus, pe.Class)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.retryable, pe.Retryable())
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}
}

func TestComplete_MalformedBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":`))
	})
	_, err := client.Complete(context.Background(), llm.Request{Model: "x"})
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, llm.ClassParse, pe.Class)
}

func TestComplete_NotRunning(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewClient(url, nil).Complete(context.Background(), llm.Request{Model: "x"})
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, llm.ClassTransport, pe.Class)
	assert.True(t, errors.Is(err, ErrNotRunning))
	assert.True(t, pe.Retryable())
}

func TestComplete_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Complete(ctx, llm.Request{Model: "x"})
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, llm.ClassTimeout, pe.Class)
}

// =============================================================================
// MODELS
// =============================================================================

func TestListModels(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models":[{"name":"qwen2.5:7b","size":4683087332},{"name":"llama3.2:latest","size":2019393189}]}`))
	})

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "qwen2.5:7b", models[0].Name)
	assert.NoError(t, client.CheckRunning(context.Background()))
}
