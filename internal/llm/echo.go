// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"fmt"
	"strings"
)

// EchoClient is a deterministic stand-in model for running the service
// without provider credentials. It never requests tools; when tool results
// are present in the conversation it summarises them.
type EchoClient struct{}

// Complete echoes the latest user message, or summarises tool output.
func (EchoClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lastUser string
	var toolOutputs []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			lastUser = m.Content
			toolOutputs = toolOutputs[:0]
		case RoleTool:
			toolOutputs = append(toolOutputs, fmt.Sprintf("%s: %s", m.Name, m.Content))
		}
	}

	content := "echo: " + lastUser
	if len(toolOutputs) > 0 {
		content = "Based on tool results:\n" + strings.Join(toolOutputs, "\n")
	}
	return &Response{Content: content, Model: req.Model, FinishReason: "stop"}, nil
}
