// Package config holds all devark configuration and the settings gateway that
// every other component reads and writes through.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all devark configuration.
type Config struct {
	Providers ProvidersConfig `yaml:"providers"`
	Features  FeaturesConfig  `yaml:"features"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProvidersConfig selects the active provider and configures each backend.
type ProvidersConfig struct {
	Active     string           `yaml:"active"` // ollama, openrouter, claude-cli, cursor-cli, gemini
	Ollama     OllamaConfig     `yaml:"ollama"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	ClaudeCLI  ClaudeCLIConfig  `yaml:"claude_cli"`
	CursorCLI  CursorCLIConfig  `yaml:"cursor_cli"`
	Gemini     GeminiConfig     `yaml:"gemini"`
}

// OllamaConfig configures the local Ollama server provider.
// Model is optional: when empty the first installed model is auto-detected.
type OllamaConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// OpenRouterConfig configures the OpenRouter cloud gateway provider.
type OpenRouterConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// FallbackModel is retried once when the primary model is rate-limited.
	FallbackModel string `yaml:"fallback_model,omitempty"`
}

// ClaudeCLIConfig configures the Claude CLI subprocess provider.
//
// The CLI is used as a subprocess LLM API, not as an agent: all built-in
// tools are disallowed and max turns is pinned to 1.
type ClaudeCLIConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Model   string `yaml:"model"` // alias: sonnet, opus, haiku
	Timeout int    `yaml:"timeout,omitempty"`
}

// CursorCLIConfig configures the Cursor agent CLI subprocess provider.
type CursorCLIConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeout,omitempty"`
}

// GeminiConfig configures the embedded Gemini SDK provider.
type GeminiConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Model   string `yaml:"model"`
}

// FeaturesConfig maps features to optional "providerId:modelId" overrides.
// Only the first colon separates provider from model, so model ids that
// themselves contain colons (ollama:codellama:7b) survive intact.
type FeaturesConfig struct {
	Summaries   string `yaml:"summaries,omitempty"`
	Scoring     string `yaml:"scoring,omitempty"`
	Improvement string `yaml:"improvement,omitempty"`
}

// HooksConfig configures the drop-box ingestion pipeline.
type HooksConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	GracePeriod   time.Duration `yaml:"grace_period"` // wait for a late prompt before dropping a response
	IgnorePaths   []string      `yaml:"ignore_paths,omitempty"`
	RetryAttempts int           `yaml:"retry_attempts"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Providers: ProvidersConfig{
			Active: "ollama",
			Ollama: OllamaConfig{
				Endpoint: "http://localhost:11434",
			},
			OpenRouter: OpenRouterConfig{
				BaseURL: "https://openrouter.ai/api/v1",
				Model:   "anthropic/claude-3.5-sonnet",
			},
			ClaudeCLI: ClaudeCLIConfig{
				Model: "sonnet",
			},
			CursorCLI: CursorCLIConfig{},
			Gemini: GeminiConfig{
				Model: "gemini-2.0-flash",
			},
		},
		Hooks: HooksConfig{
			PollInterval:  5 * time.Second,
			GracePeriod:   5 * time.Second,
			RetryAttempts: 3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultDir returns the devark config directory (~/.devark).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devark"
	}
	return filepath.Join(home, ".devark")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load reads a config file. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config file, creating the directory as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Enabled reports whether a provider section is enabled. Absence counts as
// enabled; only an explicit enabled=false disables a provider.
func Enabled(flag *bool) bool {
	return flag == nil || *flag
}
