// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_AppendAndRecent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, Message{
			ConversationID: "c1",
			UserID:         "u1",
			Role:           "user",
			Content:        fmt.Sprintf("msg %d", i),
		}))
	}
	require.NoError(t, store.Append(ctx, Message{ConversationID: "c2", Role: "user", Content: "other"}))

	recent, err := store.Recent(ctx, "c1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "msg 2", recent[0].Content)
	assert.Equal(t, "msg 4", recent[2].Content)
	assert.Equal(t, "u1", recent[0].UserID)
	assert.False(t, recent[0].CreatedAt.IsZero())

	all, err := store.Recent(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := store.Recent(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStore_RejectsInvalid(t *testing.T) {
	store := openTestStore(t)
	err := store.Append(context.Background(), Message{ConversationID: "c1", Role: "user"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSQLiteStore_AppendOnly(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.Append(ctx, Message{ConversationID: "c1", Role: "user", Content: "hello"}))

	_, err := store.db.ExecContext(ctx, `UPDATE messages SET content = 'edited'`)
	assert.Error(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM messages`)
	assert.Error(t, err)

	msgs, err := store.Recent(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conv.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, Message{ConversationID: "c1", Role: "assistant", Content: "persisted"}))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()

	msgs, err := store.Recent(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persisted", msgs[0].Content)
}

func TestSQLiteStore_Memory(t *testing.T) {
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(context.Background(), Message{ConversationID: "c", Role: "user", Content: "x"}))
	msgs, err := store.Recent(context.Background(), "c", 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
