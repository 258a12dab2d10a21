// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools provides the tool registry used by the orchestration loop.
//
// Tools are registered once into a name-keyed handler table and executed with
// schema validation, a bounded timeout, and panic recovery. Execution never
// returns a Go error: failures come back as error-shaped results that the
// loop feeds to the model as tool output so it can correct itself.
//
// # Key Types
//
//   - ToolDefinition: Name, description, parameter schema, capabilities, handler
//   - Registry: Read-mostly catalog with Register, Load, and Execute
//   - ToolCall: One model-requested invocation, resolved exactly once
//   - Result: {status, data} or {status: error, error_type, message}
//
// # Available Tools
//
//   - current_time: Current time in a named time zone
//   - web_search: DuckDuckGo HTML search (capability "web")
//   - web_fetch: SSRF-guarded page fetch to readable text (capability "web")
//   - data_query: Read-only SELECT over the analytics database (capability "data")
//   - conversation_history: Recent turns of the current conversation (capability "memory")
//
// # Usage
//
//	reg := tools.NewRegistry(logger).WithTimeout(30 * time.Second)
//	if err := tools.RegisterBuiltins(reg, tools.BuiltinOptions{WebSearch: true}); err != nil {
//	    return err
//	}
//	res := reg.Execute(ctx, "current_time", json.RawMessage(`{"timezone":"UTC"}`))
package tools
