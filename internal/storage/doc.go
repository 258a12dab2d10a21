// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides append-only conversation persistence for agentd.
//
// Messages are stored in SQLite through the pure-Go modernc.org/sqlite
// driver. Rows are never edited: triggers reject UPDATE and DELETE on the
// messages table.
//
// # Key Types
//
//   - ConversationStore: Append and read-by-conversation contract
//   - SQLiteStore: SQLite implementation
//   - Message: One persisted turn
//
// # Usage
//
//	store, err := storage.OpenSQLite("~/.agentd/conversations.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	err = store.Append(ctx, storage.Message{ConversationID: id, Role: "user", Content: text})
package storage
