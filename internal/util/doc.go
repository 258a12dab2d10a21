// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds rune-safe text helpers for log fields, error messages,
// and tool output.
package util
