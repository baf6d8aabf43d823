package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretStore supplies API keys at provider instantiation time. The registry
// is the only component that reads it; provider instances receive the key as
// an ordinary config field and never touch the store.
type SecretStore interface {
	// Get returns the secret for a provider id, or "" when none is stored.
	Get(ctx context.Context, providerID string) (string, error)
}

// EnvSecretStore resolves keys from environment variables following the
// OPENROUTER_API_KEY convention. Dashes in provider ids become underscores.
type EnvSecretStore struct{}

// Get implements SecretStore.
func (EnvSecretStore) Get(_ context.Context, providerID string) (string, error) {
	name := strings.ToUpper(strings.ReplaceAll(providerID, "-", "_")) + "_API_KEY"
	return os.Getenv(name), nil
}

// StaticSecretStore is a fixed provider-id → key map, used in tests and by
// hosts that manage their own secret storage.
type StaticSecretStore map[string]string

// Get implements SecretStore.
func (s StaticSecretStore) Get(_ context.Context, providerID string) (string, error) {
	return s[providerID], nil
}

// ChainSecretStore consults stores in order and returns the first hit.
type ChainSecretStore []SecretStore

// Get implements SecretStore.
func (c ChainSecretStore) Get(ctx context.Context, providerID string) (string, error) {
	for _, store := range c {
		key, err := store.Get(ctx, providerID)
		if err != nil {
			return "", fmt.Errorf("secret store lookup for %s failed: %w", providerID, err)
		}
		if key != "" {
			return key, nil
		}
	}
	return "", nil
}
