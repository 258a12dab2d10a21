// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/jeranaias/rigrun-agentd/internal/storage"
)

type conversationKey struct{}

// WithConversation scopes ctx to a conversation so conversation_history
// reads only that conversation.
func WithConversation(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationKey{}, conversationID)
}

// ConversationFrom returns the conversation id in scope, if any.
func ConversationFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(conversationKey{}).(string)
	return id, ok && id != ""
}

// HistoryEntry is one message in the conversation_history result.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationHistoryTool reads recent turns of the current conversation.
func ConversationHistoryTool(store storage.ConversationStore) *ToolDefinition {
	return &ToolDefinition{
		Name:        "conversation_history",
		Description: "Read the most recent messages of the current conversation, oldest first.",
		Schema: Schema{
			Parameters: []Parameter{
				{
					Name:        "limit",
					Type:        TypeInteger,
					Description: "Number of recent messages to return (1-50)",
					Default:     10,
					Minimum:     Bound(1),
					Maximum:     Bound(50),
				},
			},
		},
		RequiredCapabilities: []string{CapabilityMemory},
		Handler: func(ctx context.Context, args Args) (any, error) {
			convID, ok := ConversationFrom(ctx)
			if !ok {
				return nil, errdefs.Validation("conversation_history", "no conversation in scope")
			}
			msgs, err := store.Recent(ctx, convID, args.Int("limit", 10))
			if err != nil {
				return nil, err
			}
			entries := make([]HistoryEntry, len(msgs))
			for i, m := range msgs {
				entries[i] = HistoryEntry{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
			}
			return map[string]any{"conversationId": convID, "messages": entries}, nil
		},
	}
}
