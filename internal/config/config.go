// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete agentd configuration.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Logging       LoggingConfig       `toml:"logging"`
	Routing       RoutingConfig       `toml:"routing"`
	Orchestration OrchestrationConfig `toml:"orchestration"`
	Consultation  ConsultationConfig  `toml:"consultation"`
	Stream        StreamConfig        `toml:"stream"`
	Provider      ProviderConfig      `toml:"provider"`
	Models        ModelsConfig        `toml:"models"`
	Storage       StorageConfig       `toml:"storage"`
	Tools         ToolsConfig         `toml:"tools"`
	Personas      []PersonaConfig     `toml:"personas"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:8080".
	Addr string `toml:"addr"`
	// APIKey enables bearer authentication when non-empty.
	APIKey string `toml:"api_key"`
	// RateLimitRPS is the per-client request rate. 0 disables limiting.
	RateLimitRPS float64 `toml:"rate_limit_rps"`
	// RateLimitBurst is the per-client burst size.
	RateLimitBurst int `toml:"rate_limit_burst"`
	// ReadTimeoutSecs bounds reading a request body.
	ReadTimeoutSecs int `toml:"read_timeout_secs"`
	// ShutdownTimeoutSecs bounds graceful shutdown.
	ShutdownTimeoutSecs int `toml:"shutdown_timeout_secs"`
	// SessionTTLSecs is how long finished sessions stay queryable.
	SessionTTLSecs int `toml:"session_ttl_secs"`
	// AllowedIPs lists client addresses or CIDR ranges allowed to call the
	// API. Empty allows every address.
	AllowedIPs []string `toml:"allowed_ips"`
}

// LoggingConfig selects the zap logger flavour.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json", "console", or "auto"
}

// RoutingConfig maps model tiers onto model names from the model-config file.
type RoutingConfig struct {
	FastModel     string `toml:"fast_model"`
	StandardModel string `toml:"standard_model"`
	LargeModel    string `toml:"large_model"`
}

// OrchestrationConfig controls the multi-round tool loop.
type OrchestrationConfig struct {
	// MaxRounds caps tool rounds for full orchestration.
	MaxRounds int `toml:"max_rounds"`
	// ToolConcurrency caps in-flight tool calls per session.
	ToolConcurrency int `toml:"tool_concurrency"`
	// ToolTimeoutSecs bounds a single tool execution.
	ToolTimeoutSecs int `toml:"tool_timeout_secs"`

	DirectPrompt string `toml:"direct_prompt"`
	SinglePrompt string `toml:"single_prompt"`
	FullPrompt   string `toml:"full_prompt"`
}

// ConsultationConfig controls the expert persona fan-out.
type ConsultationConfig struct {
	// MaxPersonas caps personas selected per consultation.
	MaxPersonas int `toml:"max_personas"`
	// Concurrency caps in-flight persona calls.
	Concurrency int `toml:"concurrency"`
}

// StreamConfig controls progress event delivery.
type StreamConfig struct {
	HeartbeatSecs    int `toml:"heartbeat_secs"`
	SubscriberBuffer int `toml:"subscriber_buffer"`
}

// ProviderConfig selects the model provider and its retry policy.
type ProviderConfig struct {
	// Type is "openai" for any OpenAI-compatible endpoint, "ollama" for a
	// local Ollama server, or "mock".
	Type               string `toml:"type"`
	AttemptTimeoutSecs int    `toml:"attempt_timeout_secs"`
	MaxRetries         int    `toml:"max_retries"`
	RetryBaseDelayMs   int    `toml:"retry_base_delay_ms"`
	RetryMaxDelayMs    int    `toml:"retry_max_delay_ms"`
	// OllamaURL is the Ollama server. Routing model names are Ollama tags
	// when Type is "ollama".
	OllamaURL string `toml:"ollama_url"`
}

// ModelsConfig points at the model-config registry file.
type ModelsConfig struct {
	// File is a TOML file of [[model]] entries.
	File string `toml:"file"`
	// Watch reloads File when it changes on disk.
	Watch bool `toml:"watch"`
}

// StorageConfig locates the conversation store.
type StorageConfig struct {
	// ConversationDB is a SQLite path. Empty disables persistence.
	ConversationDB string `toml:"conversation_db"`
}

// ToolsConfig toggles built-in tools.
type ToolsConfig struct {
	WebSearch bool `toml:"web_search"`
	WebFetch  bool `toml:"web_fetch"`
	// AnalyticsDB enables data_query against this SQLite file.
	AnalyticsDB string `toml:"analytics_db"`
	// MaxOutputBytes truncates tool output sent back to the model.
	MaxOutputBytes int `toml:"max_output_bytes"`
}

// PersonaConfig declares an additional consultation persona.
type PersonaConfig struct {
	ID           string   `toml:"id"`
	Name         string   `toml:"name"`
	Domains      []string `toml:"domains"`
	Keywords     []string `toml:"keywords"`
	SystemPrompt string   `toml:"system_prompt"`
	Capabilities []string `toml:"capabilities"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	defaultDirectPrompt = "You are a concise assistant. Answer the user's question directly without using tools."
	defaultSinglePrompt = "You are a helpful assistant. You may call at most one tool if it is needed, then answer."
	defaultFullPrompt   = "You are a careful analyst. Break the request into steps, call tools as needed, " +
		"and integrate every result into a complete answer."
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                "127.0.0.1:8080",
			RateLimitRPS:        10,
			RateLimitBurst:      20,
			ReadTimeoutSecs:     30,
			ShutdownTimeoutSecs: 15,
			SessionTTLSecs:      900,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Routing: RoutingConfig{
			FastModel:     "fast",
			StandardModel: "standard",
			LargeModel:    "large",
		},
		Orchestration: OrchestrationConfig{
			MaxRounds:       5,
			ToolConcurrency: 4,
			ToolTimeoutSecs: 30,
			DirectPrompt:    defaultDirectPrompt,
			SinglePrompt:    defaultSinglePrompt,
			FullPrompt:      defaultFullPrompt,
		},
		Consultation: ConsultationConfig{
			MaxPersonas: 3,
			Concurrency: 3,
		},
		Stream: StreamConfig{
			HeartbeatSecs:    15,
			SubscriberBuffer: 64,
		},
		Provider: ProviderConfig{
			Type:               "openai",
			AttemptTimeoutSecs: 60,
			MaxRetries:         3,
			RetryBaseDelayMs:   500,
			RetryMaxDelayMs:    10000,
			OllamaURL:          "http://localhost:11434",
		},
		Tools: ToolsConfig{
			WebSearch:      true,
			WebFetch:       true,
			MaxOutputBytes: 32 * 1024,
		},
	}
}

// Duration helpers keep the file format in plain integers.

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSecs) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSecs) * time.Second
}

func (s ServerConfig) SessionTTL() time.Duration {
	return time.Duration(s.SessionTTLSecs) * time.Second
}

func (o OrchestrationConfig) ToolTimeout() time.Duration {
	return time.Duration(o.ToolTimeoutSecs) * time.Second
}

func (s StreamConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSecs) * time.Second
}

func (p ProviderConfig) AttemptTimeout() time.Duration {
	return time.Duration(p.AttemptTimeoutSecs) * time.Second
}

func (p ProviderConfig) RetryBaseDelay() time.Duration {
	return time.Duration(p.RetryBaseDelayMs) * time.Millisecond
}

func (p ProviderConfig) RetryMaxDelay() time.Duration {
	return time.Duration(p.RetryMaxDelayMs) * time.Millisecond
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the agentd configuration directory (~/.agentd).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".agentd"), nil
}

// DefaultPath returns the default configuration file path.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads configuration from path. An empty path means the default
// location; a missing default file yields the built-in defaults. Environment
// overrides are applied last, then the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err == nil {
			path = p
		}
	}

	if path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode TOML file %s: %w", path, err)
			}
		case explicit || !errors.Is(statErr, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config %s: %w", path, statErr)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML with owner-only permissions.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# agentd configuration file\n")
	buf.WriteString("# Generated by agentd - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// writeFileAtomic replaces path with data (mode 0600) through a temp file
// and rename in the same directory.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err := f.Chmod(0o600); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// SetDefaults fills zero values left by a partial file.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.RateLimitBurst == 0 && c.Server.RateLimitRPS > 0 {
		c.Server.RateLimitBurst = d.Server.RateLimitBurst
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = d.Server.ReadTimeoutSecs
	}
	if c.Server.ShutdownTimeoutSecs == 0 {
		c.Server.ShutdownTimeoutSecs = d.Server.ShutdownTimeoutSecs
	}
	if c.Server.SessionTTLSecs == 0 {
		c.Server.SessionTTLSecs = d.Server.SessionTTLSecs
	}

	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}

	if c.Routing.FastModel == "" {
		c.Routing.FastModel = d.Routing.FastModel
	}
	if c.Routing.StandardModel == "" {
		c.Routing.StandardModel = d.Routing.StandardModel
	}
	if c.Routing.LargeModel == "" {
		c.Routing.LargeModel = d.Routing.LargeModel
	}

	if c.Orchestration.MaxRounds == 0 {
		c.Orchestration.MaxRounds = d.Orchestration.MaxRounds
	}
	if c.Orchestration.ToolConcurrency == 0 {
		c.Orchestration.ToolConcurrency = d.Orchestration.ToolConcurrency
	}
	if c.Orchestration.ToolTimeoutSecs == 0 {
		c.Orchestration.ToolTimeoutSecs = d.Orchestration.ToolTimeoutSecs
	}
	if c.Orchestration.DirectPrompt == "" {
		c.Orchestration.DirectPrompt = d.Orchestration.DirectPrompt
	}
	if c.Orchestration.SinglePrompt == "" {
		c.Orchestration.SinglePrompt = d.Orchestration.SinglePrompt
	}
	if c.Orchestration.FullPrompt == "" {
		c.Orchestration.FullPrompt = d.Orchestration.FullPrompt
	}

	if c.Consultation.MaxPersonas == 0 {
		c.Consultation.MaxPersonas = d.Consultation.MaxPersonas
	}
	if c.Consultation.Concurrency == 0 {
		c.Consultation.Concurrency = d.Consultation.Concurrency
	}

	if c.Stream.HeartbeatSecs == 0 {
		c.Stream.HeartbeatSecs = d.Stream.HeartbeatSecs
	}
	if c.Stream.SubscriberBuffer == 0 {
		c.Stream.SubscriberBuffer = d.Stream.SubscriberBuffer
	}

	if c.Provider.Type == "" {
		c.Provider.Type = d.Provider.Type
	}
	if c.Provider.AttemptTimeoutSecs == 0 {
		c.Provider.AttemptTimeoutSecs = d.Provider.AttemptTimeoutSecs
	}
	if c.Provider.RetryBaseDelayMs == 0 {
		c.Provider.RetryBaseDelayMs = d.Provider.RetryBaseDelayMs
	}
	if c.Provider.RetryMaxDelayMs == 0 {
		c.Provider.RetryMaxDelayMs = d.Provider.RetryMaxDelayMs
	}

	if c.Tools.MaxOutputBytes == 0 {
		c.Tools.MaxOutputBytes = d.Tools.MaxOutputBytes
	}

	if c.Models.File == "" && c.Provider.Type == "openai" {
		if dir, err := ConfigDir(); err == nil {
			c.Models.File = filepath.Join(dir, "models.toml")
		}
	}
}

// ApplyEnvOverrides applies AGENTD_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AGENTD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("AGENTD_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("AGENTD_ALLOWED_IPS"); v != "" {
		c.Server.AllowedIPs = nil
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				c.Server.AllowedIPs = append(c.Server.AllowedIPs, part)
			}
		}
	}
	if v := os.Getenv("AGENTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AGENTD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AGENTD_PROVIDER"); v != "" {
		c.Provider.Type = v
	}
	if v := os.Getenv("AGENTD_OLLAMA_URL"); v != "" {
		c.Provider.OllamaURL = v
	}
	if v := os.Getenv("AGENTD_MODELS_FILE"); v != "" {
		c.Models.File = v
	}
	if v := os.Getenv("AGENTD_CONVERSATION_DB"); v != "" {
		c.Storage.ConversationDB = v
	}
	if v := os.Getenv("AGENTD_ANALYTICS_DB"); v != "" {
		c.Tools.AnalyticsDB = v
	}
	if v := os.Getenv("AGENTD_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestration.MaxRounds = n
		}
	}
	if v := os.Getenv("AGENTD_OFFLINE"); v != "" {
		if v == "1" || strings.EqualFold(v, "true") {
			c.Tools.WebSearch = false
			c.Tools.WebFetch = false
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps", "must not be negative, got %v", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		add("server.rate_limit_burst", "must be at least 1 when rate limiting is enabled")
	}
	for i, entry := range c.Server.AllowedIPs {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				add(fmt.Sprintf("server.allowed_ips[%d]", i), "invalid CIDR '%s'", entry)
			}
		} else if net.ParseIP(entry) == nil {
			add(fmt.Sprintf("server.allowed_ips[%d]", i), "invalid IP '%s'", entry)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console", "auto":
	default:
		add("logging.format", "invalid format '%s', must be one of: json, console, auto", c.Logging.Format)
	}

	if c.Orchestration.MaxRounds < 1 || c.Orchestration.MaxRounds > 50 {
		add("orchestration.max_rounds", "must be between 1 and 50, got %d", c.Orchestration.MaxRounds)
	}
	if c.Orchestration.ToolConcurrency < 1 {
		add("orchestration.tool_concurrency", "must be at least 1, got %d", c.Orchestration.ToolConcurrency)
	}
	if c.Orchestration.ToolTimeoutSecs < 1 {
		add("orchestration.tool_timeout_secs", "must be at least 1, got %d", c.Orchestration.ToolTimeoutSecs)
	}

	if c.Consultation.MaxPersonas < 1 {
		add("consultation.max_personas", "must be at least 1, got %d", c.Consultation.MaxPersonas)
	}
	if c.Consultation.Concurrency < 1 {
		add("consultation.concurrency", "must be at least 1, got %d", c.Consultation.Concurrency)
	}

	if c.Stream.HeartbeatSecs < 1 {
		add("stream.heartbeat_secs", "must be at least 1, got %d", c.Stream.HeartbeatSecs)
	}
	if c.Stream.SubscriberBuffer < 1 {
		add("stream.subscriber_buffer", "must be at least 1, got %d", c.Stream.SubscriberBuffer)
	}

	switch c.Provider.Type {
	case "openai", "mock":
	case "ollama":
		if c.Provider.OllamaURL == "" {
			add("provider.ollama_url", "required when provider.type is ollama")
		}
	default:
		add("provider.type", "invalid provider '%s', must be one of: openai, ollama, mock", c.Provider.Type)
	}
	if c.Provider.Type == "openai" && c.Models.File == "" {
		add("models.file", "required when provider.type is openai")
	}
	if c.Provider.MaxRetries < 0 || c.Provider.MaxRetries > 10 {
		add("provider.max_retries", "must be between 0 and 10, got %d", c.Provider.MaxRetries)
	}
	if c.Provider.RetryMaxDelayMs < c.Provider.RetryBaseDelayMs {
		add("provider.retry_max_delay_ms", "must not be below retry_base_delay_ms")
	}

	seen := make(map[string]bool, len(c.Personas))
	for i, p := range c.Personas {
		field := fmt.Sprintf("personas[%d]", i)
		if p.ID == "" {
			add(field+".id", "must not be empty")
			continue
		}
		if seen[p.ID] {
			add(field+".id", "duplicate persona id '%s'", p.ID)
		}
		seen[p.ID] = true
		if p.SystemPrompt == "" {
			add(field+".system_prompt", "must not be empty")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
