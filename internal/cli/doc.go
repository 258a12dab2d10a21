// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the agentd command line.
//
// # Commands
//
//   - serve:           Run the HTTP API server
//   - classify <q>:    Show classification and routing for a query
//   - tools:           List registered tools
//   - personas:        List consultation personas (--domain)
//   - config init:     Write a default configuration file
//   - config show:     Print the effective configuration
//   - config validate: Check the configuration
//   - version:         Print version information
//
// # Usage
//
//	if err := cli.Execute(); err != nil {
//		os.Exit(1)
//	}
package cli
