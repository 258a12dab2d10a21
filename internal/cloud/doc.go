// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the HTTP model provider for agentd.
//
// The client speaks the OpenAI-compatible chat completions protocol with
// function calling, which covers OpenRouter, OpenAI, vLLM, and Ollama's /v1
// endpoint. Logical model names are resolved through the model-config
// registry on every call, so a reload takes effect on the next request.
//
// # Key Types
//
//   - Client: llm.ModelClient over /chat/completions
//   - Resolver: Model-name lookup, satisfied by *modelcfg.Registry
//
// # Usage
//
//	provider := cloud.NewClient(registry, logger)
//	client := llm.NewRetryableClient(provider, llm.DefaultRetryPolicy(), logger)
//
// # Security
//
// API keys are never logged, response bodies are size-limited, and requests
// use TLS 1.2 or newer.
package cloud
