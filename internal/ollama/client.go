// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-agentd/internal/llm"
	"github.com/jeranaias/rigrun-agentd/internal/util"
)

// DefaultBaseURL is the standard local Ollama address.
const DefaultBaseURL = "http://localhost:11434"

// maxResponseSize bounds a response body.
const maxResponseSize = 10 * 1024 * 1024

// Sentinel errors carried inside *llm.ProviderError.
var (
	ErrNotRunning    = errors.New("ollama is not running")
	ErrModelNotFound = errors.New("model not found")
	ErrNoModel       = errors.New("no model specified")
)

// =============================================================================
// CLIENT
// =============================================================================

// Client is an llm.ModelClient for a local Ollama server. It makes one
// attempt per call; wrap it in llm.RetryableClient for retries.
//
// The Client is safe for concurrent use.
type Client struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithDefaultModel sets the model used when a request names none.
func (c *Client) WithDefaultModel(model string) *Client {
	c.defaultModel = model
	return c
}

// CheckRunning verifies the server answers.
func (c *Client) CheckRunning(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels lists the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var tags TagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, llm.NewParseError(fmt.Errorf("failed to parse model list: %w", err))
	}
	return tags.Models, nil
}

// Complete sends one non-streaming chat request.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return nil, &llm.ProviderError{Class: llm.ClassHTTPStatus, StatusCode: http.StatusBadRequest, Err: ErrNoModel}
	}

	chat := ChatRequest{
		Model:    model,
		Messages: toWireMessages(req.Messages),
		Tools:    toWireTools(req.Tools),
	}
	if req.Temperature != 0 || req.MaxTokens != 0 {
		chat.Options = &Options{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	payload, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, llm.NewParseError(fmt.Errorf("failed to parse response: %w", err))
	}

	calls, err := fromWireToolCalls(resp.Message.ToolCalls)
	if err != nil {
		return nil, llm.NewParseError(err)
	}
	out := &llm.Response{
		Content:      resp.Message.Content,
		ToolCalls:    calls,
		Model:        resp.Model,
		FinishReason: resp.DoneReason,
		Usage: llm.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
		},
		Duration: time.Since(start),
	}

	c.logger.Debug("model call complete",
		zap.String("model", model),
		zap.Int("tool_calls", len(out.ToolCalls)),
		zap.Int("eval_count", resp.EvalCount),
		zap.Duration("duration", out.Duration))
	return out, nil
}

// do performs req and returns the body of a 200 response. Connection
// failures surface as transport errors wrapping ErrNotRunning.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, llm.Classify(ctxErr)
		}
		return nil, &llm.ProviderError{Class: llm.ClassTransport, Message: err.Error(), Err: ErrNotRunning}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, llm.Classify(fmt.Errorf("failed to read response: %w", err))
	}
	if len(body) > maxResponseSize {
		return nil, llm.NewParseError(fmt.Errorf("response exceeded maximum size of %d bytes", maxResponseSize))
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		var apiErr ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		pe := llm.NewHTTPStatusError(resp.StatusCode, util.TruncateRunes(msg, 512))
		if resp.StatusCode == http.StatusNotFound {
			pe.Err = ErrModelNotFound
		}
		return nil, pe
	}
	return body, nil
}

// =============================================================================
// WIRE CONVERSION
// =============================================================================

func toWireMessages(msgs []llm.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		wm := Message{Role: string(m.Role), Content: m.Content}
		if m.Role == llm.RoleTool {
			wm.ToolName = m.Name
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			if len(tc.Arguments) > 0 {
				// Arguments were validated when the call was accepted.
				_ = json.Unmarshal(tc.Arguments, &args)
			}
			if args == nil {
				args = map[string]any{}
			}
			wm.ToolCalls = append(wm.ToolCalls, ToolCall{
				ID:       tc.ID,
				Function: ToolFunction{Name: tc.Name, Arguments: args},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(specs []llm.ToolSpec) []Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]Tool, len(specs))
	for i, s := range specs {
		out[i] = Tool{
			Type: "function",
			Function: ToolSchema{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		}
	}
	return out
}

func fromWireToolCalls(calls []ToolCall) ([]llm.ToolRequest, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]llm.ToolRequest, len(calls))
	for i, tc := range calls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("tool call %q: %w", tc.Function.Name, err)
		}
		out[i] = llm.ToolRequest{ID: tc.ID, Name: tc.Function.Name, Arguments: raw}
	}
	return out, nil
}
