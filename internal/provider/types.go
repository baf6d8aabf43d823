// Package provider implements the pluggable LLM backend layer: the provider
// contract, the registry that holds metadata and factories, and the HTTP,
// CLI and embedded-SDK variants implementing the contract.
//
// Callers are required to sanitize prompts before handing text in; this
// package never inspects prompt content.
package provider

import (
	"context"
	"time"
)

// Type classifies how a provider reaches its backend.
type Type string

const (
	TypeCLI   Type = "cli"
	TypeLocal Type = "local"
	TypeCloud Type = "cloud"
)

// FieldType is the type of a config schema field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
)

// ConfigField describes one field of a provider's config schema.
type ConfigField struct {
	Type        FieldType
	Required    bool
	Default     interface{}
	Secret      bool
	Description string
}

// Metadata is the immutable description of a registered provider.
type Metadata struct {
	ID          string
	DisplayName string
	Description string
	// Kind reports how the backend is reached, mirroring Provider.Type
	// for code that has no instance yet.
	Kind Type
	// Command is the executable a CLI provider shells out to; empty for
	// the other kinds.
	Command              string
	RequiresAuth         bool
	SupportsStreaming    bool
	SupportsCostTracking bool
	ConfigSchema         map[string]ConfigField
}

// Capabilities is the per-instance capability set.
type Capabilities struct {
	Streaming       bool
	CostTracking    bool
	ModelListing    bool
	CustomEndpoints bool
	RequiresAuth    bool
}

// Config is the open config record handed to factories. When a provider
// requires auth the registry injects an "apiKey" field from the secret store
// before the factory runs; callers never store the key themselves.
type Config map[string]interface{}

// GetString returns a string config value, or def when absent or mistyped.
func (c Config) GetString(key, def string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// GetBool returns a bool config value, or def when absent or mistyped.
func (c Config) GetBool(key string, def bool) bool {
	if v, ok := c[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// CompletionRequest is the uniform request shape across all providers.
// Model, when set, overrides the instance model for this call.
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
	Stop         []string
	Stream       bool
	Model        string
}

// Usage reports token counts for one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Cost reports the computed cost for one completion.
type Cost struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// CompletionResponse is the uniform response shape. A populated Error with
// empty Text is a surfaced but non-throwing failure: the provider stays
// usable for subsequent calls.
type CompletionResponse struct {
	Text      string    `json:"text"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`
	Usage     *Usage    `json:"usage,omitempty"`
	Cost      *Cost     `json:"cost,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StreamChunk is one element of a streaming completion. Exactly one chunk per
// stream has IsComplete=true; that chunk carries terminal Usage/Cost/Error.
// Non-final chunks carry incremental Text only.
type StreamChunk struct {
	Text       string `json:"text"`
	IsComplete bool   `json:"isComplete"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	Usage      *Usage `json:"usage,omitempty"`
	Cost       *Cost  `json:"cost,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Family            string `json:"family,omitempty"`
	ParameterSize     string `json:"parameterSize,omitempty"`
	ContextLength     int    `json:"contextLength,omitempty"`
	SupportsStreaming bool   `json:"supportsStreaming"`
}

// ConnectionDetails carries diagnostics from a successful TestConnection.
type ConnectionDetails struct {
	Version         string `json:"version,omitempty"`
	ModelsAvailable int    `json:"modelsAvailable"`
	Endpoint        string `json:"endpoint,omitempty"`
}

// TestConnectionResult is TestConnection's outcome. TestConnection never
// returns an error; failures land in the Error field as actionable messages.
type TestConnectionResult struct {
	Success bool               `json:"success"`
	Error   string             `json:"error,omitempty"`
	Details *ConnectionDetails `json:"details,omitempty"`
}

// Provider is the uniform contract every backend variant implements.
type Provider interface {
	// ID returns the registry id of this provider.
	ID() string
	// Type reports how the backend is reached.
	Type() Type
	// Model returns the instance's configured (or auto-detected) model.
	Model() string
	// Capabilities reports the per-instance capability set.
	Capabilities() Capabilities

	// IsAvailable is a lightweight probe with a short budget.
	IsAvailable(ctx context.Context) bool
	// TestConnection performs a full diagnostic round trip.
	TestConnection(ctx context.Context) TestConnectionResult
	// ListModels enumerates the models this instance can serve.
	ListModels(ctx context.Context) ([]ModelInfo, error)
	// GenerateCompletion performs a non-streaming completion. Provider-side
	// failures are surfaced in the response's Error field, never returned.
	GenerateCompletion(ctx context.Context, req CompletionRequest) CompletionResponse
	// StreamCompletion returns a finite, non-restartable chunk sequence.
	// Provider-side failures arrive as the terminal chunk's Error.
	StreamCompletion(ctx context.Context, req CompletionRequest) <-chan StreamChunk
}

// probeTimeout bounds availability probes.
const probeTimeout = 5 * time.Second
