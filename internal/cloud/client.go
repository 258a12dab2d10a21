// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/llm"
	"github.com/jeranaias/rigrun-agentd/internal/modelcfg"
	"github.com/jeranaias/rigrun-agentd/internal/util"
	"go.uber.org/zap"
)

const (
	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024
)

// Error variables for common provider responses. They are carried as the
// Err of an http_status *llm.ProviderError.
var (
	ErrAuthFailed          = errors.New("authentication failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrModelNotFound       = errors.New("model not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrEmptyResponse       = errors.New("response contained no choices")
)

// sharedHTTPClient pools connections across all models. Per-attempt
// deadlines come from the caller's context.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// Resolver maps a logical model name to its endpoint.
type Resolver interface {
	Lookup(name string) (modelcfg.Model, error)
}

// Client is an llm.ModelClient for OpenAI-compatible endpoints. It makes a
// single attempt per call; wrap it in llm.RetryableClient for retries.
type Client struct {
	resolver   Resolver
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client resolving models through resolver.
func NewClient(resolver Resolver, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		resolver:   resolver,
		httpClient: sharedHTTPClient,
		logger:     logger,
	}
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model, err := c.resolver.Lookup(req.Model)
	if err != nil {
		return nil, err
	}

	body := chatRequest{
		Model:       model.Model,
		Messages:    toWireMessages(req.Messages),
		Tools:       toWireTools(req.Tools),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = model.MaxTokens
	}
	if body.Temperature == 0 {
		body.Temperature = model.Temperature
	}

	start := time.Now()
	resp, err := c.doRequest(ctx, model, body)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, llm.NewParseError(ErrEmptyResponse)
	}
	choice := resp.Choices[0]

	out := &llm.Response{
		Content:      choice.Message.Content,
		ToolCalls:    fromWireToolCalls(choice.Message.ToolCalls),
		Model:        resp.Model,
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
		Duration: time.Since(start),
	}

	c.logger.Debug("model call complete",
		zap.String("model", req.Model),
		zap.String("provider_model", resp.Model),
		zap.Int("tool_calls", len(out.ToolCalls)),
		zap.Duration("duration", out.Duration))
	return out, nil
}

// doRequest performs a single HTTP request to the chat completions endpoint.
func (c *Client) doRequest(ctx context.Context, model modelcfg.Model, reqBody chatRequest) (*chatResponse, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(model.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if key := model.Key(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range model.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, llm.NewParseError(fmt.Errorf("failed to parse response: %w", err))
	}
	return &chatResp, nil
}

// readResponse reads the body with a size limit. A read failure mid-body is
// a transport error.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, llm.NewParseError(fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize))
	}
	return body, nil
}

// handleErrorResponse converts an HTTP error response to a ProviderError.
func handleErrorResponse(statusCode int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	msg = util.TruncateRunes(msg, 512)

	pe := llm.NewHTTPStatusError(statusCode, msg)
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		pe.Err = ErrAuthFailed
	case http.StatusPaymentRequired:
		pe.Err = ErrInsufficientCredits
	case http.StatusNotFound:
		pe.Err = ErrModelNotFound
	case http.StatusTooManyRequests:
		pe.Err = ErrRateLimited
	}
	return pe
}
