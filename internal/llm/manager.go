// Package llm coordinates the provider layer: it initializes providers from
// settings, routes completion calls to the active one, sanitizes outbound
// text, and records usage.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"devark/internal/config"
	"devark/internal/logging"
	"devark/internal/provider"
	"devark/internal/sanitize"
	"devark/internal/usage"
)

// Feature names accepted by GenerateCompletionForFeature.
const (
	FeatureSummaries   = "summaries"
	FeatureScoring     = "scoring"
	FeatureImprovement = "improvement"
)

// Manager owns the set of initialized providers and the active selection.
type Manager struct {
	gateway  *config.Gateway
	registry *provider.Registry
	tracker  *usage.Tracker

	mu        sync.RWMutex
	providers map[string]provider.Provider
	active    string
}

// NewManager builds a manager and initializes providers from the current
// settings snapshot. Providers that fail only for a missing API key are
// skipped silently so partial setups keep working.
func NewManager(gateway *config.Gateway, registry *provider.Registry, tracker *usage.Tracker) (*Manager, error) {
	m := &Manager{
		gateway:  gateway,
		registry: registry,
		tracker:  tracker,
	}
	if err := m.Reinitialize(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// providerConfigs maps each provider id to the provider.Config derived from
// one settings snapshot, skipping disabled sections.
func providerConfigs(cfg config.Config) map[string]provider.Config {
	out := make(map[string]provider.Config, 5)
	p := cfg.Providers

	if config.Enabled(p.Ollama.Enabled) {
		out[provider.OllamaID] = provider.Config{
			"endpoint": p.Ollama.Endpoint,
			"model":    p.Ollama.Model,
		}
	}
	if config.Enabled(p.OpenRouter.Enabled) {
		out[provider.OpenRouterID] = provider.Config{
			"baseUrl":       p.OpenRouter.BaseURL,
			"model":         p.OpenRouter.Model,
			"fallbackModel": p.OpenRouter.FallbackModel,
		}
	}
	if config.Enabled(p.ClaudeCLI.Enabled) {
		out[provider.ClaudeCLIID] = provider.Config{
			"model":   p.ClaudeCLI.Model,
			"timeout": float64(p.ClaudeCLI.Timeout),
		}
	}
	if config.Enabled(p.CursorCLI.Enabled) {
		out[provider.CursorCLIID] = provider.Config{
			"model":   p.CursorCLI.Model,
			"timeout": float64(p.CursorCLI.Timeout),
		}
	}
	if config.Enabled(p.Gemini.Enabled) {
		out[provider.GeminiID] = provider.Config{
			"model": p.Gemini.Model,
		}
	}
	return out
}

// validEndpoint rejects endpoint values that are not absolute http(s) URLs.
func validEndpoint(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", raw)
	}
	return nil
}

// Reinitialize rebuilds every provider from the current settings snapshot.
// Call it after settings change.
func (m *Manager) Reinitialize(ctx context.Context) error {
	snapshot := m.gateway.Snapshot()
	configs := providerConfigs(snapshot)

	providers := make(map[string]provider.Provider, len(configs))
	for id, cfg := range configs {
		if endpoint := cfg.GetString("endpoint", ""); endpoint != "" {
			if err := validEndpoint(endpoint); err != nil {
				logging.ProvidersError("skipping %s: %v", id, err)
				continue
			}
		}
		if base := cfg.GetString("baseUrl", ""); base != "" {
			if err := validEndpoint(base); err != nil {
				logging.ProvidersError("skipping %s: %v", id, err)
				continue
			}
		}

		p, err := m.registry.GetProvider(ctx, id, cfg)
		if err != nil {
			var missing *provider.MissingCredentialError
			if errors.As(err, &missing) {
				logging.ProvidersDebug("skipping %s: no API key configured", id)
			} else {
				logging.ProvidersError("failed to initialize %s: %v", id, err)
			}
			continue
		}
		providers[id] = p
	}

	active := snapshot.Providers.Active
	if _, ok := providers[active]; !ok {
		if active != "" {
			logging.ProvidersError("active provider %s is not usable, falling back", active)
		}
		active = firstUsable(providers)
	}

	m.mu.Lock()
	m.providers = providers
	m.active = active
	m.mu.Unlock()

	if active == "" {
		logging.Providers("initialized with no usable providers")
	} else {
		logging.Providers("initialized %d providers, active=%s", len(providers), active)
	}
	return nil
}

// firstUsable picks a deterministic fallback: local first, then the CLIs,
// then the cloud backends.
func firstUsable(providers map[string]provider.Provider) string {
	for _, id := range []string{
		provider.OllamaID,
		provider.ClaudeCLIID,
		provider.CursorCLIID,
		provider.GeminiID,
		provider.OpenRouterID,
	} {
		if _, ok := providers[id]; ok {
			return id
		}
	}
	return ""
}

// Active returns the active provider id, which may be empty.
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Provider returns an initialized provider by id.
func (m *Manager) Provider(id string) (provider.Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	return p, ok
}

// InitializedIDs returns the ids of all initialized providers, sorted.
func (m *Manager) InitializedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) activeProvider() (provider.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return nil, fmt.Errorf("no usable provider is configured; open settings to set one up")
	}
	p, ok := m.providers[m.active]
	if !ok {
		return nil, fmt.Errorf("active provider %s is not initialized", m.active)
	}
	return p, nil
}

// sanitizeRequest redacts credentials and personal data from outbound text.
// Provider backends receive only the sanitized form.
func sanitizeRequest(req provider.CompletionRequest) provider.CompletionRequest {
	if req.Prompt != "" {
		req.Prompt = sanitize.Sanitize(req.Prompt).Content
	}
	if req.SystemPrompt != "" {
		req.SystemPrompt = sanitize.Sanitize(req.SystemPrompt).Content
	}
	return req
}

func (m *Manager) track(ctx context.Context, resp provider.CompletionResponse) {
	if m.tracker == nil || resp.Usage == nil {
		return
	}
	e := usage.Event{
		Model:        resp.Model,
		Provider:     resp.Provider,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if resp.Cost != nil {
		e.CostUSD = resp.Cost.Amount
	}
	m.tracker.Track(ctx, e)
}

// GenerateCompletion runs a completion on the active provider. Provider-side
// failures land in the response's Error field.
func (m *Manager) GenerateCompletion(ctx context.Context, req provider.CompletionRequest) provider.CompletionResponse {
	p, err := m.activeProvider()
	if err != nil {
		return provider.CompletionResponse{Error: err.Error()}
	}

	resp := p.GenerateCompletion(ctx, sanitizeRequest(req))
	m.track(ctx, resp)
	return resp
}

// StreamCompletion streams a completion from the active provider. Usage from
// the terminal chunk is recorded before the channel closes.
func (m *Manager) StreamCompletion(ctx context.Context, req provider.CompletionRequest) <-chan provider.StreamChunk {
	p, err := m.activeProvider()
	if err != nil {
		out := make(chan provider.StreamChunk, 1)
		out <- provider.StreamChunk{IsComplete: true, Error: err.Error()}
		close(out)
		return out
	}

	inner := p.StreamCompletion(ctx, sanitizeRequest(req))
	out := make(chan provider.StreamChunk, 16)
	go func() {
		defer close(out)
		for chunk := range inner {
			if chunk.IsComplete && chunk.Usage != nil && m.tracker != nil {
				e := usage.Event{
					Model:        chunk.Model,
					Provider:     chunk.Provider,
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}
				if chunk.Cost != nil {
					e.CostUSD = chunk.Cost.Amount
				}
				m.tracker.Track(ctx, e)
			}
			out <- chunk
		}
	}()
	return out
}

// ListModels lists models for one provider, or the active one when id is
// empty.
func (m *Manager) ListModels(ctx context.Context, id string) ([]provider.ModelInfo, error) {
	var p provider.Provider
	if id == "" {
		var err error
		if p, err = m.activeProvider(); err != nil {
			return nil, err
		}
	} else {
		var ok bool
		if p, ok = m.Provider(id); !ok {
			return nil, fmt.Errorf("provider %s is not initialized", id)
		}
	}
	return p.ListModels(ctx)
}

// TestAllProviders probes every initialized provider concurrently.
func (m *Manager) TestAllProviders(ctx context.Context) map[string]provider.TestConnectionResult {
	m.mu.RLock()
	providers := make(map[string]provider.Provider, len(m.providers))
	for id, p := range m.providers {
		providers[id] = p
	}
	m.mu.RUnlock()

	var resultMu sync.Mutex
	results := make(map[string]provider.TestConnectionResult, len(providers))

	g, ctx := errgroup.WithContext(ctx)
	for id, p := range providers {
		id, p := id, p
		g.Go(func() error {
			result := p.TestConnection(ctx)
			resultMu.Lock()
			results[id] = result
			resultMu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// SwitchProvider makes a different initialized provider active and persists
// the choice. The target must pass an availability probe first.
func (m *Manager) SwitchProvider(ctx context.Context, id string) error {
	p, ok := m.Provider(id)
	if !ok {
		return fmt.Errorf("provider %s is not initialized; check its settings", id)
	}
	if !p.IsAvailable(ctx) {
		return fmt.Errorf("provider %s is not available right now", id)
	}

	m.mu.Lock()
	m.active = id
	m.mu.Unlock()

	if err := m.gateway.Set("providers.active", id, config.ScopeGlobal); err != nil {
		return fmt.Errorf("switched to %s but failed to persist the choice: %w", id, err)
	}
	logging.Providers("switched active provider to %s", id)
	return nil
}

// featureOverride returns the "providerId:modelId" override for a feature.
func featureOverride(cfg config.FeaturesConfig, feature string) string {
	switch feature {
	case FeatureSummaries:
		return cfg.Summaries
	case FeatureScoring:
		return cfg.Scoring
	case FeatureImprovement:
		return cfg.Improvement
	default:
		return ""
	}
}

// GenerateCompletionForFeature routes a completion through a per-feature
// provider/model override. Only the first colon splits provider from model,
// so model ids containing colons survive. A malformed or unusable override
// falls back to the active provider.
func (m *Manager) GenerateCompletionForFeature(ctx context.Context, feature string, req provider.CompletionRequest) provider.CompletionResponse {
	ctx = usage.WithMeta(ctx, usage.Meta{Feature: feature})

	override := featureOverride(m.gateway.Snapshot().Features, feature)
	if override == "" {
		return m.GenerateCompletion(ctx, req)
	}

	providerID, model, ok := strings.Cut(override, ":")
	if !ok || providerID == "" || model == "" {
		logging.ProvidersError("malformed feature override %q for %s, using active provider", override, feature)
		return m.GenerateCompletion(ctx, req)
	}

	p, found := m.Provider(providerID)
	if !found {
		logging.ProvidersError("feature %s wants provider %s which is not initialized, using active provider", feature, providerID)
		return m.GenerateCompletion(ctx, req)
	}

	req.Model = model
	resp := p.GenerateCompletion(ctx, sanitizeRequest(req))
	m.track(ctx, resp)
	return resp
}
