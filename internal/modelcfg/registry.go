// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package modelcfg holds the model-configuration registry: a read-mostly map
// from logical model names ("fast", "large", ...) to provider endpoints and
// credentials, loaded from a TOML file and optionally reloaded on change.
package modelcfg

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"go.uber.org/zap"
)

// Model describes one callable model endpoint.
type Model struct {
	// Name is the logical name the router refers to.
	Name string `toml:"name"`
	// BaseURL is an OpenAI-compatible API root, e.g. https://openrouter.ai/api/v1.
	BaseURL string `toml:"base_url"`
	// Model is the provider-side model identifier.
	Model string `toml:"model"`
	// APIKey is a literal key. APIKeyEnv names an environment variable
	// holding the key and takes precedence when set.
	APIKey    string `toml:"api_key"`
	APIKeyEnv string `toml:"api_key_env"`

	MaxTokens   int               `toml:"max_tokens"`
	Temperature float64           `toml:"temperature"`
	Headers     map[string]string `toml:"headers"`
}

// Key resolves the credential for m.
func (m Model) Key() string {
	if m.APIKeyEnv != "" {
		if v := os.Getenv(m.APIKeyEnv); v != "" {
			return v
		}
	}
	return m.APIKey
}

func (m Model) validate() error {
	switch {
	case m.Name == "":
		return fmt.Errorf("model entry missing name")
	case m.BaseURL == "":
		return fmt.Errorf("model %q missing base_url", m.Name)
	case !strings.HasPrefix(m.BaseURL, "http://") && !strings.HasPrefix(m.BaseURL, "https://"):
		return fmt.Errorf("model %q base_url must be http or https", m.Name)
	case m.Model == "":
		return fmt.Errorf("model %q missing model id", m.Name)
	}
	return nil
}

type fileFormat struct {
	Models []Model `toml:"model"`
}

// Registry is safe for concurrent use. Lookups take a read lock; reloads
// swap the whole map under the write lock.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
	path   string
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		models: make(map[string]Model),
		logger: logger,
	}
}

// Set replaces the registry contents. On error the previous contents stay.
func (r *Registry) Set(models ...Model) error {
	next := make(map[string]Model, len(models))
	for _, m := range models {
		if err := m.validate(); err != nil {
			return err
		}
		if _, dup := next[m.Name]; dup {
			return fmt.Errorf("duplicate model name %q", m.Name)
		}
		next[m.Name] = m
	}

	r.mu.Lock()
	r.models = next
	r.mu.Unlock()
	return nil
}

// LoadFile parses path and replaces the registry contents.
func (r *Registry) LoadFile(path string) error {
	var f fileFormat
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("failed to decode model config %s: %w", path, err)
	}
	if len(f.Models) == 0 {
		return fmt.Errorf("model config %s defines no [[model]] entries", path)
	}
	if err := r.Set(f.Models...); err != nil {
		return fmt.Errorf("invalid model config %s: %w", path, err)
	}

	r.mu.Lock()
	r.path = path
	r.mu.Unlock()

	r.logger.Info("model config loaded",
		zap.String("path", path),
		zap.Int("models", len(f.Models)))
	return nil
}

// Reload re-reads the file last passed to LoadFile.
func (r *Registry) Reload() error {
	r.mu.RLock()
	path := r.path
	r.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no model config file loaded")
	}
	return r.LoadFile(path)
}

// Path returns the file backing the registry, if any.
func (r *Registry) Path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.path
}

// Lookup returns the model registered under name.
func (r *Registry) Lookup(name string) (Model, error) {
	r.mu.RLock()
	m, ok := r.models[name]
	r.mu.RUnlock()
	if !ok {
		return Model{}, errdefs.NotFound("modelcfg.Lookup", "model %q not configured", name)
	}
	return m, nil
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
