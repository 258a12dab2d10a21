// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package modelcfg

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/rigrun-agentd/internal/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[[model]]
name = "fast"
base_url = "https://openrouter.ai/api/v1"
model = "anthropic/claude-3-haiku"
api_key_env = "AGENTD_TEST_KEY"

[[model]]
name = "large"
base_url = "http://localhost:11434/v1"
model = "qwen2.5-coder:14b"
max_tokens = 4096
`

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "models.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRegistry_LoadAndLookup(t *testing.T) {
	t.Setenv("AGENTD_TEST_KEY", "sk-test")
	reg := NewRegistry(nil)
	require.NoError(t, reg.LoadFile(writeFile(t, t.TempDir(), sampleConfig)))

	fast, err := reg.Lookup("fast")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3-haiku", fast.Model)
	assert.Equal(t, "sk-test", fast.Key())

	large, err := reg.Lookup("large")
	require.NoError(t, err)
	assert.Equal(t, 4096, large.MaxTokens)
	assert.Empty(t, large.Key())

	assert.Equal(t, []string{"fast", "large"}, reg.Names())
}

func TestRegistry_UnknownIsNotFound(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Lookup("missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRegistry_InvalidKeepsPrevious(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Set(Model{Name: "fast", BaseURL: "http://x", Model: "m"}))

	tests := []struct {
		name   string
		models []Model
	}{
		{"missing name", []Model{{BaseURL: "http://x", Model: "m"}}},
		{"bad scheme", []Model{{Name: "a", BaseURL: "ftp://x", Model: "m"}}},
		{"missing model", []Model{{Name: "a", BaseURL: "http://x"}}},
		{"duplicate", []Model{
			{Name: "a", BaseURL: "http://x", Model: "m"},
			{Name: "a", BaseURL: "http://y", Model: "n"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, reg.Set(tt.models...))
			_, err := reg.Lookup("fast")
			assert.NoError(t, err)
		})
	}
}

func TestRegistry_ConcurrentLookupAndSet(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Set(Model{Name: "fast", BaseURL: "http://x", Model: "m"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = reg.Set(Model{Name: "fast", BaseURL: "http://x", Model: "m"})
		}()
		go func() {
			defer wg.Done()
			_, err := reg.Lookup("fast")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, sampleConfig)

	reg := NewRegistry(nil)
	require.NoError(t, reg.LoadFile(path))

	w, err := NewWatcher(reg, 20*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Watch())
	defer w.Close()

	updated := sampleConfig + `
[[model]]
name = "standard"
base_url = "http://localhost:8000/v1"
model = "llama3"
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		_, err := reg.Lookup("standard")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcher_BrokenFileKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, sampleConfig)

	reg := NewRegistry(nil)
	require.NoError(t, reg.LoadFile(path))

	w, err := NewWatcher(reg, 20*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Watch())

	require.NoError(t, os.WriteFile(path, []byte("[[model]\nbroken"), 0o600))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, w.Close())

	_, err = reg.Lookup("large")
	assert.NoError(t, err)
}

func TestNewWatcher_RequiresFile(t *testing.T) {
	_, err := NewWatcher(NewRegistry(nil), 0, nil)
	assert.Error(t, err)
}
