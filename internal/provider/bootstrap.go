package provider

import "fmt"

// RegisterAll wires every built-in provider into the registry. Registration
// is explicit rather than init-driven so tests can build registries holding
// only the providers they exercise.
func RegisterAll(r *Registry) error {
	builtins := []struct {
		metadata Metadata
		factory  Factory
	}{
		{OllamaMetadata(), NewOllama},
		{OpenRouterMetadata(), NewOpenRouter},
		{ClaudeCLIMetadata(), NewClaudeCLI},
		{CursorCLIMetadata(), NewCursorCLI},
		{GeminiMetadata(), NewGemini},
	}

	for _, b := range builtins {
		if err := r.Register(b.metadata, b.factory); err != nil {
			return fmt.Errorf("failed to register built-in providers: %w", err)
		}
	}
	return nil
}
