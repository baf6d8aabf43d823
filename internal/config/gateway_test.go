package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	dir := t.TempDir()
	g, err := NewGateway(filepath.Join(dir, "global.yaml"), filepath.Join(dir, "workspace.yaml"))
	require.NoError(t, err)
	return g
}

func TestGateway_SetGet(t *testing.T) {
	g := newTestGateway(t)

	require.NoError(t, g.Set("providers.active", "openrouter", ScopeGlobal))

	v, ok := g.Get("providers.active")
	assert.True(t, ok)
	assert.Equal(t, "openrouter", v)
	assert.Equal(t, "openrouter", g.GetString("providers.active", "ollama"))
}

func TestGateway_WorkspaceOverridesGlobal(t *testing.T) {
	g := newTestGateway(t)

	require.NoError(t, g.Set("providers.active", "ollama", ScopeGlobal))
	require.NoError(t, g.Set("providers.active", "claude-cli", ScopeWorkspace))

	assert.Equal(t, "claude-cli", g.GetString("providers.active", ""))
}

func TestGateway_HasCustomValueAndReset(t *testing.T) {
	g := newTestGateway(t)

	assert.False(t, g.HasCustomValue("providers.active"))

	require.NoError(t, g.Set("providers.active", "gemini", ScopeGlobal))
	assert.True(t, g.HasCustomValue("providers.active"))

	require.NoError(t, g.Reset("providers.active"))
	assert.False(t, g.HasCustomValue("providers.active"))
}

func TestGateway_ResetAll(t *testing.T) {
	g := newTestGateway(t)

	require.NoError(t, g.Set("providers.active", "gemini", ScopeGlobal))
	require.NoError(t, g.Set("features.scoring", "ollama:llama3", ScopeWorkspace))

	require.NoError(t, g.ResetAll())

	assert.False(t, g.HasCustomValue("providers.active"))
	assert.False(t, g.HasCustomValue("features.scoring"))
}

func TestGateway_OnChange(t *testing.T) {
	g := newTestGateway(t)

	var got interface{}
	unsub := g.OnChange("providers.active", func(v interface{}) { got = v })

	require.NoError(t, g.Set("providers.active", "openrouter", ScopeGlobal))
	assert.Equal(t, "openrouter", got)

	unsub()
	require.NoError(t, g.Set("providers.active", "ollama", ScopeGlobal))
	assert.Equal(t, "openrouter", got, "unsubscribed listener must not fire")
}

func TestGateway_PanickingListenerIsolated(t *testing.T) {
	g := newTestGateway(t)

	g.OnChange("providers.active", func(interface{}) { panic("boom") })
	fired := false
	g.OnChange("providers.active", func(interface{}) { fired = true })

	require.NoError(t, g.Set("providers.active", "openrouter", ScopeGlobal))
	assert.True(t, fired, "second listener must run despite the first panicking")
}

func TestGateway_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global.yaml")

	g1, err := NewGateway(globalPath, "")
	require.NoError(t, err)
	require.NoError(t, g1.Set("providers.active", "claude-cli", ScopeGlobal))

	g2, err := NewGateway(globalPath, "")
	require.NoError(t, err)
	assert.Equal(t, "claude-cli", g2.GetString("providers.active", ""))
}

func TestGateway_Snapshot(t *testing.T) {
	g := newTestGateway(t)

	require.NoError(t, g.Set("providers.active", "openrouter", ScopeGlobal))
	require.NoError(t, g.Set("providers.ollama.model", "llama3:8b", ScopeGlobal))

	cfg := g.Snapshot()
	assert.Equal(t, "openrouter", cfg.Providers.Active)
	assert.Equal(t, "llama3:8b", cfg.Providers.Ollama.Model)
	// Defaults survive underneath overrides.
	assert.Equal(t, "http://localhost:11434", cfg.Providers.Ollama.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Hooks.PollInterval)
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Providers.Active)
	assert.Equal(t, 3, cfg.Hooks.RetryAttempts)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Providers.Active = "gemini"
	cfg.Providers.OpenRouter.FallbackModel = "openai/gpt-4o-mini"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini", loaded.Providers.Active)
	assert.Equal(t, "openai/gpt-4o-mini", loaded.Providers.OpenRouter.FallbackModel)
}
