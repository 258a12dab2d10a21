// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/storage"
)

// BuiltinOptions selects and configures the built-in tools.
type BuiltinOptions struct {
	// WebSearch registers web_search
	WebSearch bool
	// Searcher overrides the DuckDuckGo searcher
	Searcher *DuckDuckGoSearcher

	// WebFetch registers web_fetch
	WebFetch bool
	// Fetcher overrides the fetcher
	Fetcher *WebFetcher

	// DataQuery registers data_query when set. The caller owns its lifetime.
	DataQuery *DataQuery

	// Store registers conversation_history when set
	Store storage.ConversationStore

	// Now overrides the clock of current_time
	Now func() time.Time
}

// RegisterBuiltins registers current_time plus each enabled optional tool.
func RegisterBuiltins(reg *Registry, opts BuiltinOptions) error {
	defs := []*ToolDefinition{CurrentTimeTool(opts.Now)}
	if opts.WebSearch {
		defs = append(defs, WebSearchTool(opts.Searcher))
	}
	if opts.WebFetch {
		defs = append(defs, WebFetchTool(opts.Fetcher))
	}
	if opts.DataQuery != nil {
		defs = append(defs, DataQueryTool(opts.DataQuery))
	}
	if opts.Store != nil {
		defs = append(defs, ConversationHistoryTool(opts.Store))
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
