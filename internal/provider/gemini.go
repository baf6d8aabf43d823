package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"devark/internal/logging"
)

// GeminiID is the registry id of the Gemini SDK provider.
const GeminiID = "gemini"

// DefaultGeminiModel balances quality and free-tier quota.
const DefaultGeminiModel = "gemini-2.0-flash"

const geminiTimeout = 2 * time.Minute

var geminiStaticModels = []ModelInfo{
	{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Description: "Fast, generous free tier", ContextLength: 1048576, SupportsStreaming: true},
	{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", Description: "Cheapest and fastest", ContextLength: 1048576, SupportsStreaming: true},
	{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Description: "Strongest reasoning", ContextLength: 1048576, SupportsStreaming: true},
}

// Gemini implements Provider over the Google GenAI SDK. Unlike the CLI
// variants it runs in process, so there is no subprocess lifecycle and no
// working-directory containment to manage.
type Gemini struct {
	client *genai.Client
	model  string
}

// GeminiMetadata describes the provider for the registry.
func GeminiMetadata() Metadata {
	return Metadata{
		ID:                GeminiID,
		DisplayName:       "Gemini",
		Description:       "Google Gemini API (in-process SDK)",
		Kind:              TypeCloud,
		RequiresAuth:      true,
		SupportsStreaming: true,
		ConfigSchema: map[string]ConfigField{
			"apiKey": {Type: FieldString, Required: true, Secret: true, Description: "Google AI Studio API key"},
			"model":  {Type: FieldString, Default: DefaultGeminiModel, Description: "Gemini model id"},
		},
	}
}

// NewGemini creates a Gemini provider from config.
func NewGemini(cfg Config) (Provider, error) {
	key := cfg.GetString("apiKey", "")
	if key == "" {
		return nil, &MissingCredentialError{Provider: GeminiID, Reason: "add an API key in settings to enable this provider"}
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  cfg.GetString("model", DefaultGeminiModel),
	}, nil
}

// ID implements Provider.
func (g *Gemini) ID() string { return GeminiID }

// Type implements Provider.
func (g *Gemini) Type() Type { return TypeCloud }

// Model implements Provider.
func (g *Gemini) Model() string { return g.model }

// Capabilities implements Provider.
func (g *Gemini) Capabilities() Capabilities {
	return Capabilities{
		Streaming:    true,
		ModelListing: true,
		RequiresAuth: true,
	}
}

// IsAvailable implements Provider; the client construction already validated
// the key shape, so the provider is available once built.
func (g *Gemini) IsAvailable(ctx context.Context) bool {
	return g.client != nil
}

// TestConnection implements Provider with a minimal live generation.
func (g *Gemini) TestConnection(ctx context.Context) TestConnectionResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout*4)
	defer cancel()

	resp := g.GenerateCompletion(ctx, CompletionRequest{Prompt: "Reply with the single word: ok", MaxTokens: 16})
	if resp.Error != "" {
		return TestConnectionResult{Success: false, Error: resp.Error}
	}
	return TestConnectionResult{
		Success: true,
		Details: &ConnectionDetails{ModelsAvailable: len(geminiStaticModels)},
	}
}

// ListModels implements Provider from the curated list; the SDK's model
// enumeration needs a separate permission scope that plain API keys lack.
func (g *Gemini) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return geminiStaticModels, nil
}

func (g *Gemini) generateConfig(req CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	return cfg
}

func (g *Gemini) resolveModel(req CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return g.model
}

func (g *Gemini) describeError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "API key not valid"), strings.Contains(msg, "401"):
		return "Invalid API key; check the Gemini key in settings"
	case isRateLimitMessage(msg):
		return "Rate limit exceeded; wait a moment or switch models"
	default:
		return fmt.Sprintf("Gemini request failed: %v", err)
	}
}

func geminiUsage(md *genai.GenerateContentResponseUsageMetadata) *Usage {
	if md == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
	}
}

// GenerateCompletion implements Provider.
func (g *Gemini) GenerateCompletion(ctx context.Context, req CompletionRequest) CompletionResponse {
	model := g.resolveModel(req)
	out := CompletionResponse{Provider: GeminiID, Model: model, Timestamp: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, geminiTimeout)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	result, err := g.client.Models.GenerateContent(ctx, model, contents, g.generateConfig(req))
	if err != nil {
		out.Error = g.describeError(err)
		return out
	}

	out.Text = result.Text()
	out.Usage = geminiUsage(result.UsageMetadata)
	return out
}

// StreamCompletion implements Provider over the SDK's streaming iterator.
func (g *Gemini) StreamCompletion(ctx context.Context, req CompletionRequest) <-chan StreamChunk {
	out := make(chan StreamChunk, 16)
	model := g.resolveModel(req)

	go func() {
		defer close(out)

		streamCtx, cancel := context.WithTimeout(ctx, geminiTimeout)
		defer cancel()

		contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

		var usage *Usage
		var streamErr string
		for resp, err := range g.client.Models.GenerateContentStream(streamCtx, model, contents, g.generateConfig(req)) {
			if err != nil {
				streamErr = g.describeError(err)
				break
			}
			if md := geminiUsage(resp.UsageMetadata); md != nil {
				usage = md
			}
			if text := resp.Text(); text != "" {
				select {
				case out <- StreamChunk{Text: text, Model: model, Provider: GeminiID}:
				case <-streamCtx.Done():
					return
				}
			}
		}

		if streamErr != "" {
			logging.ProvidersDebug("gemini: stream ended with error: %s", streamErr)
		}
		select {
		case out <- StreamChunk{IsComplete: true, Model: model, Provider: GeminiID, Usage: usage, Error: streamErr}:
		case <-ctx.Done():
		}
	}()

	return out
}
