// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-agentd/internal/router"
	"github.com/jeranaias/rigrun-agentd/internal/tools"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusInit, StatusAwaitingModel, true},
		{StatusInit, StatusExecutingTools, false},
		{StatusAwaitingModel, StatusExecutingTools, true},
		{StatusAwaitingModel, StatusDone, true},
		{StatusExecutingTools, StatusAwaitingModel, true},
		{StatusExecutingTools, StatusAborted, true},
		{StatusDone, StatusAwaitingModel, false},
		{StatusFailed, StatusDone, false},
		{StatusAborted, StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, canTransition(tt.from, tt.to))
		})
	}

	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusAborted.Terminal())
	assert.False(t, StatusExecutingTools.Terminal())
}

func TestSession_Lifecycle(t *testing.T) {
	s := NewSession("abc")
	assert.Equal(t, StatusInit, s.Status())
	assert.False(t, s.Done())
	assert.True(t, s.FinishedAt().IsZero())

	require.NoError(t, s.start(router.StrategyFull, 2))
	assert.Error(t, s.start(router.StrategyFull, 2))

	require.NoError(t, s.transition(StatusAwaitingModel))
	require.NoError(t, s.transition(StatusExecutingTools))

	c := tools.NewToolCall("c1", "lookup", json.RawMessage(`{}`))
	require.NoError(t, c.Resolve(tools.Success("x")))
	require.NoError(t, s.appendRound(Round{Index: 1, ToolCalls: []*tools.ToolCall{c}}))
	require.NoError(t, s.appendRound(Round{Index: 2}))
	assert.Error(t, s.appendRound(Round{Index: 3}))
	assert.Equal(t, 2, s.Rounds())

	require.NoError(t, s.transition(StatusAwaitingModel))
	require.NoError(t, s.complete("answer", true))
	assert.True(t, s.Done())
	assert.False(t, s.FinishedAt().IsZero())

	// A terminated session keeps its outcome.
	s.fail(StatusFailed, "fatal_provider_error", "late")
	assert.Equal(t, StatusDone, s.Status())

	snap := s.Snapshot().(Snapshot)
	assert.Equal(t, "abc", snap.SessionID)
	assert.Equal(t, "orchestration", snap.Kind)
	assert.Equal(t, "answer", snap.FinalAnswer)
	assert.True(t, snap.Incomplete)
	assert.Equal(t, 2, snap.MaxRounds)
	require.Len(t, snap.Rounds, 2)

	// Snapshots are copies.
	snap.Rounds[0].ToolCalls[0].Name = "mutated"
	assert.Equal(t, "lookup", s.snapshot().Rounds[0].ToolCalls[0].Name)
}
