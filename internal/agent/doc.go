// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent is the request pipeline: classify, route, then run the
// orchestration loop or an expert consultation.
//
// Every execution gets a session id, an entry in the session registry, and
// a stream session in the hub. The stream session closes when execution
// ends; the registry entry lives on for the configured TTL so status
// queries keep working.
//
// # Key Types
//
//   - Service: Plan, Start, Query, Consult, Subscribe
//   - Runtime: Service wired from configuration with its owned resources
//   - Execution: Handle to a running request
//
// # Usage
//
//	rt, err := agent.Build(cfg, logger)
//	defer rt.Close()
//	exec, err := rt.Service.Start(ctx, agent.Request{Message: q}, true)
//	for ev := range exec.Subscription.Events() { ... }
package agent
