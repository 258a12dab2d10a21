// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/llm"
	"github.com/jeranaias/rigrun-agentd/internal/modelcfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	reg := modelcfg.NewRegistry(nil)
	require.NoError(t, reg.Set(modelcfg.Model{
		Name:    "large",
		BaseURL: server.URL + "/v1",
		Model:   "provider/large-model",
		APIKey:  "sk-test",
		Headers: map[string]string{"X-Title": "agentd"},
	}))
	return NewClient(reg, nil)
}

// =============================================================================
// REQUEST / RESPONSE MAPPING
// =============================================================================

func TestComplete_SendsToolsAndParsesToolCalls(t *testing.T) {
	var got chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "agentd", r.Header.Get("X-Title"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "cmpl-1",
			"model": "provider/large-model",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [
						{"id": "call_1", "type": "function",
						 "function": {"name": "web_search", "arguments": "{\"query\":\"go\"}"}},
						{"id": "call_2", "type": "function",
						 "function": {"name": "current_time", "arguments": ""}}
					]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7}
		}`))
	})

	resp, err := client.Complete(context.Background(), llm.Request{
		Model: "large",
		Messages: []llm.Message{
			llm.SystemMessage("sys"),
			llm.UserMessage("search go"),
			llm.AssistantMessage("", llm.ToolRequest{ID: "prev", Name: "current_time", Arguments: json.RawMessage(`{}`)}),
			llm.ToolMessage("prev", "current_time", "noon"),
		},
		Tools: []llm.ToolSpec{{
			Name:        "web_search",
			Description: "Search the web",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "provider/large-model", got.Model)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	assert.Equal(t, "web_search", got.Tools[0].Function.Name)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "{}", got.Messages[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "prev", got.Messages[3].ToolCallID)

	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"go"}`, string(resp.ToolCalls[0].Arguments))
	assert.JSONEq(t, `{}`, string(resp.ToolCalls[1].Arguments))
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
}

func TestComplete_MalformedArgumentsKeptAsString(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","tool_calls":[
			{"id":"c","type":"function","function":{"name":"web_search","arguments":"{query: go"}}
		]}}]}`))
	})

	resp, err := client.Complete(context.Background(), llm.Request{Model: "large"})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, `"{query: go"`, string(resp.ToolCalls[0].Arguments))
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func TestComplete_ErrorClasses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		class     llm.ErrorClass
		sentinel  error
		retryable bool
	}{
		{"unauthorized", 401, `{"error":{"message":"bad key"}}`, llm.ClassHTTPStatus, ErrAuthFailed, false},
		{"rate limited", 429, `{"error":{"message":"slow"}}`, llm.ClassHTTPStatus, ErrRateLimited, true},
		{"server error", 503, `upstream down`, llm.ClassHTTPStatus, nil, true},
		{"bad request", 400, `{"error":{"code":400,"message":"bad"}}`, llm.ClassHTTPStatus, nil, false},
		{"garbage body", 200, `not json`, llm.ClassParse, nil, false},
		{"no choices", 200, `{"choices":[]}`, llm.ClassParse, ErrEmptyResponse, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Complete(context.Background(), llm.Request{Model: "large"})
			require.Error(t, err)

			var pe *llm.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.class, pe.Class)
			assert.Equal(t, tt.retryable, pe.Retryable())
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}
}

func TestComplete_UnknownModel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.Complete(context.Background(), llm.Request{Model: "missing"})
	assert.True(t, errdefs.IsNotFound(err))
}

// =============================================================================
// RETRY INTEGRATION
// =============================================================================

func TestComplete_WithRetryableClient(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"model":"m","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`))
	})

	retry := llm.NewRetryableClient(client, llm.RetryPolicy{
		AttemptTimeout: time.Second,
		MaxRetries:     2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
	}, nil)

	resp, err := retry.Complete(context.Background(), llm.Request{Model: "large"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestComplete_AttemptTimeoutIsTimeoutClass(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	retry := llm.NewRetryableClient(client, llm.RetryPolicy{
		AttemptTimeout: 20 * time.Millisecond,
		MaxRetries:     1,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
	}, nil)

	_, err := retry.Complete(context.Background(), llm.Request{Model: "large"})
	require.Error(t, err)
	assert.True(t, errdefs.IsFatalProvider(err))

	var pe *llm.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, llm.ClassTimeout, pe.Class)
	assert.Equal(t, 2, pe.Attempts)
}
