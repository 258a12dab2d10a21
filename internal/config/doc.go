// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and validation for agentd.
//
// Configuration is a single TOML file with sensible defaults, environment
// variable overrides, and field-level validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ProviderConfig: Model provider retry and timeout policy
//   - OrchestrationConfig: Round limits, tool concurrency, system prompts
//   - PersonaConfig: Additional expert personas for consultation
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (AGENTD_*)
//   - The file passed with --config, or ~/.agentd/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	timeout := cfg.Provider.AttemptTimeout()
package config
