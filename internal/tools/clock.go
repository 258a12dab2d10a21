// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
)

// CurrentTimeTool reports the current time. now defaults to time.Now.
func CurrentTimeTool(now func() time.Time) *ToolDefinition {
	if now == nil {
		now = time.Now
	}
	return &ToolDefinition{
		Name:        "current_time",
		Description: "Get the current date and time in a given IANA time zone.",
		Schema: Schema{
			Parameters: []Parameter{
				{
					Name:        "timezone",
					Type:        TypeString,
					Description: "IANA time zone name, e.g. 'UTC', 'Asia/Shanghai', 'America/New_York'",
					Default:     "UTC",
					MaxLength:   64,
				},
			},
		},
		Handler: func(ctx context.Context, args Args) (any, error) {
			tz := args.String("timezone", "UTC")
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return nil, errdefs.Validation("current_time", "unknown time zone %q", tz)
			}
			t := now().In(loc)
			return map[string]any{
				"time":     t.Format(time.RFC3339),
				"timezone": loc.String(),
				"weekday":  t.Weekday().String(),
				"unix":     t.Unix(),
			}, nil
		},
	}
}
