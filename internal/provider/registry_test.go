package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeProvider struct {
	Provider
	id  string
	cfg Config
}

func (f *fakeProvider) ID() string { return f.id }

func fakeMetadata(id string, requiresAuth bool) Metadata {
	return Metadata{
		ID:           id,
		DisplayName:  id,
		RequiresAuth: requiresAuth,
		ConfigSchema: map[string]ConfigField{
			"model": {Type: FieldString},
		},
	}
}

func fakeFactory(id string, captured *Config) Factory {
	return func(cfg Config) (Provider, error) {
		if captured != nil {
			*captured = cfg
		}
		return &fakeProvider{id: id, cfg: cfg}, nil
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(fakeMetadata("a", false), fakeFactory("a", nil)); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register(fakeMetadata("a", false), fakeFactory("a", nil))
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if !strings.Contains(err.Error(), "already registered") {
		t.Errorf("error %q does not mention already registered", err)
	}
}

func TestRegistryUnknownProviderListsAvailable(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(fakeMetadata("alpha", false), fakeFactory("alpha", nil))
	r.Register(fakeMetadata("beta", false), fakeFactory("beta", nil))

	_, err := r.GetProvider(context.Background(), "nope", Config{})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	for _, id := range []string{"alpha", "beta"} {
		if !strings.Contains(err.Error(), id) {
			t.Errorf("error %q does not list %s", err, id)
		}
	}
}

func TestRegistrySecretInjection(t *testing.T) {
	secrets := StaticSecretStore{"cloud": "sekrit-123"}
	r := NewRegistry(secrets)

	var captured Config
	r.Register(fakeMetadata("cloud", true), fakeFactory("cloud", &captured))

	p, err := r.GetProvider(context.Background(), "cloud", Config{"model": "m1"})
	if err != nil {
		t.Fatalf("GetProvider failed: %v", err)
	}
	if p.ID() != "cloud" {
		t.Errorf("ID = %q, want cloud", p.ID())
	}
	if got := captured.GetString("apiKey", ""); got != "sekrit-123" {
		t.Errorf("factory apiKey = %q, want injected secret", got)
	}
	if got := captured.GetString("model", ""); got != "m1" {
		t.Errorf("factory model = %q, want m1", got)
	}
}

func TestRegistryCallerConfigNotMutated(t *testing.T) {
	r := NewRegistry(StaticSecretStore{"cloud": "k"})
	r.Register(fakeMetadata("cloud", true), fakeFactory("cloud", nil))

	cfg := Config{"model": "m1"}
	if _, err := r.GetProvider(context.Background(), "cloud", cfg); err != nil {
		t.Fatalf("GetProvider failed: %v", err)
	}
	if _, leaked := cfg["apiKey"]; leaked {
		t.Error("secret leaked into the caller's config map")
	}
}

func TestRegistryMissingCredential(t *testing.T) {
	tests := []struct {
		name    string
		secrets SecretStore
	}{
		{"no secret store", nil},
		{"empty key", StaticSecretStore{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry(tc.secrets)
			r.Register(fakeMetadata("cloud", true), fakeFactory("cloud", nil))

			_, err := r.GetProvider(context.Background(), "cloud", Config{})
			var missing *MissingCredentialError
			if !errors.As(err, &missing) {
				t.Fatalf("expected MissingCredentialError, got %v", err)
			}
			if missing.Provider != "cloud" {
				t.Errorf("Provider = %q, want cloud", missing.Provider)
			}
		})
	}
}

func TestRegistryValidateConfig(t *testing.T) {
	r := NewRegistry(nil)
	meta := Metadata{
		ID: "strict",
		ConfigSchema: map[string]ConfigField{
			"endpoint": {Type: FieldString, Required: true},
			"retries":  {Type: FieldNumber},
		},
	}
	r.Register(meta, fakeFactory("strict", nil))

	tests := []struct {
		name       string
		cfg        Config
		wantIssues int
	}{
		{"valid", Config{"endpoint": "http://x", "retries": float64(3)}, 0},
		{"missing required", Config{}, 1},
		{"empty required string", Config{"endpoint": ""}, 1},
		{"type mismatch", Config{"endpoint": "http://x", "retries": "three"}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			issues, err := r.ValidateConfig("strict", tc.cfg)
			if err != nil {
				t.Fatalf("ValidateConfig failed: %v", err)
			}
			if len(issues) != tc.wantIssues {
				t.Errorf("ValidateConfig = %v, want %d issues", issues, tc.wantIssues)
			}
		})
	}
}

func TestRegisterAllBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	if err := RegisterAll(r); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}

	want := []string{ClaudeCLIID, CursorCLIID, GeminiID, OllamaID, OpenRouterID}
	got := r.ListAvailable()
	if len(got) != len(want) {
		t.Fatalf("ListAvailable returned %d providers, want %d", len(got), len(want))
	}
	for i, meta := range got {
		if meta.ID != want[i] {
			t.Errorf("ListAvailable[%d] = %s, want %s (sorted)", i, meta.ID, want[i])
		}
	}
}
