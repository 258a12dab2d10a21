// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry tracks model usage for the agent service.
//
// Token counts, call counts, failures, and latency are kept per logical
// model name in memory and reported through the HTTP API.
//
// # Key Types
//
//   - Meter: Per-model usage accumulator
//   - Report: Snapshot of the meter
//
// # Usage
//
//	meter := telemetry.NewMeter()
//	client := meter.Wrap(provider)
//	...
//	report := meter.Report()
//
// # Privacy
//
// Usage tracking is local-only. Query content is never stored, only token
// counts and timings.
package telemetry
