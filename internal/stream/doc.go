// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream carries per-session progress events from producers to any
// number of consumers.
//
// Each session owns its sequence counter and subscriber set; there is no
// process-wide emitter. Delivery is at-most-once and in order per
// subscriber. A subscriber that falls behind its buffer is dropped, and a
// disconnected subscriber is removed when its context ends. Nothing is
// replayed on reconnect.
//
// # Key Types
//
//   - Event: Typed, sequenced, timestamped progress event
//   - Session: One request's broadcaster with heartbeat
//   - Hub: Registry of live sessions keyed by id
//   - Publisher: What producers write to
//   - Recorder: In-memory Publisher for tests and buffered responses
//
// # Usage
//
//	hub := stream.NewHub(15*time.Second, 64, logger)
//	sess, _ := hub.Open(id)
//	defer hub.Close(id)
//	sub, _ := sess.Subscribe(ctx)
//	for ev := range sub.Events() {
//	    write(ev)
//	}
package stream
