// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm defines the provider-neutral model client contract used by the
// orchestration loop and the consultation orchestrator.
//
// # Key Types
//
//   - ModelClient: Single-call chat completion with optional tool calling
//   - RetryableClient: Per-attempt timeout and bounded exponential backoff
//   - ProviderError: Classified provider failure (timeout, transport, http_status, parse)
//   - ClientFunc: Adapter for plain functions, handy in tests
//   - EchoClient: Credential-free development model
//
// # Usage
//
//	client := llm.NewRetryableClient(provider, llm.DefaultRetryPolicy(), logger)
//	resp, err := client.Complete(ctx, llm.Request{
//	    Model:    "large",
//	    Messages: []llm.Message{llm.UserMessage("hello")},
//	})
package llm
