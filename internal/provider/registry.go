package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"devark/internal/logging"
)

// Factory builds a provider instance from a complete, validated config.
type Factory func(cfg Config) (Provider, error)

type registryEntry struct {
	metadata Metadata
	factory  Factory
}

// Registry holds provider metadata and factories keyed by id. It is the only
// component that knows about secrets: when a provider requires auth, the
// registry reads the API key from the secret store and merges it into the
// config before the factory runs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	secrets SecretStore
}

// NewRegistry creates a registry. secrets may be nil; instantiating an
// auth-requiring provider then fails with a user-actionable message.
func NewRegistry(secrets SecretStore) *Registry {
	return &Registry{
		entries: make(map[string]registryEntry),
		secrets: secrets,
	}
}

// Register adds a provider. Duplicate ids fail.
func (r *Registry) Register(metadata Metadata, factory Factory) error {
	if metadata.ID == "" {
		return fmt.Errorf("provider metadata must have an id")
	}
	if factory == nil {
		return fmt.Errorf("provider %s: factory must not be nil", metadata.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[metadata.ID]; exists {
		return fmt.Errorf("provider %q is already registered", metadata.ID)
	}
	r.entries[metadata.ID] = registryEntry{metadata: metadata, factory: factory}
	logging.ProvidersDebug("registered provider %s", metadata.ID)
	return nil
}

// GetMetadata returns the metadata for one provider id.
func (r *Registry) GetMetadata(id string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry.metadata, ok
}

// ListAvailable returns metadata for every registered provider, sorted by id.
func (r *Registry) ListAvailable() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetProvider instantiates a provider. The call is context-bound because the
// secret fetch may reach out to the host. The caller's config is not
// mutated; secrets are merged into a copy.
func (r *Registry) GetProvider(ctx context.Context, id string, cfg Config) (Provider, error) {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider %q; available providers: %s", id, strings.Join(r.ids(), ", "))
	}

	merged := make(Config, len(cfg)+1)
	for k, v := range cfg {
		merged[k] = v
	}

	if entry.metadata.RequiresAuth {
		if r.secrets == nil {
			return nil, &MissingCredentialError{
				Provider: id,
				Reason:   "no secret store configured; open settings and add an API key",
			}
		}
		key, err := r.secrets.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read API key for %s: %w", id, err)
		}
		if key == "" {
			return nil, &MissingCredentialError{
				Provider: id,
				Reason:   "add an API key in settings to enable this provider",
			}
		}
		merged["apiKey"] = key
	}

	// Validation runs on the merged config so secret-injected fields count.
	if issues := r.validate(entry.metadata, merged); len(issues) > 0 {
		return nil, fmt.Errorf("invalid config for provider %s: %s", id, strings.Join(issues, "; "))
	}

	instance, err := entry.factory(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider %s: %w", id, err)
	}
	logging.Providers("instantiated provider %s", id)
	return instance, nil
}

// HasSecret reports whether an API key is stored for the provider. The key
// itself never leaves the secret store through this path.
func (r *Registry) HasSecret(ctx context.Context, id string) bool {
	r.mu.RLock()
	secrets := r.secrets
	r.mu.RUnlock()
	if secrets == nil {
		return false
	}
	key, err := secrets.Get(ctx, id)
	return err == nil && key != ""
}

// ValidateConfig reports missing required fields and type mismatches for
// values that are present. An empty string counts as missing for a required
// field. The returned slice is empty when the config is valid.
func (r *Registry) ValidateConfig(id string, cfg Config) ([]string, error) {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider %q; available providers: %s", id, strings.Join(r.ids(), ", "))
	}
	return r.validate(entry.metadata, cfg), nil
}

func (r *Registry) validate(metadata Metadata, cfg Config) []string {
	var issues []string

	names := make([]string, 0, len(metadata.ConfigSchema))
	for name := range metadata.ConfigSchema {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := metadata.ConfigSchema[name]
		value, present := cfg[name]

		if !present || value == nil {
			if field.Required {
				issues = append(issues, fmt.Sprintf("missing required field %q", name))
			}
			continue
		}

		switch field.Type {
		case FieldString:
			s, ok := value.(string)
			if !ok {
				issues = append(issues, fmt.Sprintf("field %q must be a string", name))
			} else if field.Required && s == "" {
				issues = append(issues, fmt.Sprintf("missing required field %q", name))
			}
		case FieldNumber:
			switch value.(type) {
			case int, int64, float64:
			default:
				issues = append(issues, fmt.Sprintf("field %q must be a number", name))
			}
		case FieldBoolean:
			if _, ok := value.(bool); !ok {
				issues = append(issues, fmt.Sprintf("field %q must be a boolean", name))
			}
		}
	}

	return issues
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
