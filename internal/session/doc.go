// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks orchestration and consultation sessions so their
// status can be queried while they run and for a while after they finish.
//
// # Key Types
//
//   - Manager: Session registry with TTL expiry of finished sessions
//   - Tracked: Interface implemented by orchestration and consultation sessions
//
// # Usage
//
//	mgr := session.NewManager(session.Config{TTL: 15 * time.Minute}, logger)
//	go mgr.Run(ctx)
//	_ = mgr.Add(sess)
//	snap, err := mgr.Snapshot(id)
//
// Sessions are never expired while running. A finished session is removed
// by the first sweep after its TTL elapses.
package session
