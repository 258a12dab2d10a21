// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama is a model client for a local Ollama server.
//
// It speaks the non-streaming /api/chat endpoint with tool calling and maps
// failures onto llm.ProviderError so llm.RetryableClient can classify them.
//
// # Key Types
//
//   - Client: llm.ModelClient over /api/chat
//   - ChatRequest, ChatResponse: Wire formats
//
// # Usage
//
//	client := ollama.NewClient("http://localhost:11434", logger)
//	resp, err := client.Complete(ctx, llm.Request{
//	    Model:    "qwen2.5:7b",
//	    Messages: []llm.Message{llm.UserMessage("Hello")},
//	})
package ollama
