package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"devark/internal/logging"
)

// OllamaID is the registry id of the local Ollama server provider.
const OllamaID = "ollama"

// DefaultOllamaEndpoint is where a locally installed Ollama listens.
const DefaultOllamaEndpoint = "http://localhost:11434"

// Local inference on consumer hardware is slow; give it room.
const ollamaInferTimeout = 10 * time.Minute

// Ollama implements Provider over a local Ollama server. It speaks the
// version/tags/generate API with NDJSON streaming, needs no auth and reports
// no cost. When no model is configured the first installed model is
// auto-detected on first use and cached for the instance lifetime.
type Ollama struct {
	endpoint   string
	model      string
	httpClient *http.Client

	mu            sync.Mutex
	detectedModel string
}

// ollamaVersionResponse is GET /api/version.
type ollamaVersionResponse struct {
	Version string `json:"version"`
}

// ollamaTagsResponse is GET /api/tags.
type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Details *struct {
			Family        string `json:"family"`
			ParameterSize string `json:"parameter_size"`
		} `json:"details,omitempty"`
	} `json:"models"`
}

// ollamaGenerateRequest is POST /api/generate.
type ollamaGenerateRequest struct {
	Model   string             `json:"model"`
	Prompt  string             `json:"prompt"`
	System  string             `json:"system,omitempty"`
	Stream  bool               `json:"stream"`
	Options ollamaModelOptions `json:"options"`
}

type ollamaModelOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ollamaGenerateChunk is one NDJSON line of a generate response. The final
// line carries done=true plus the eval counters.
type ollamaGenerateChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// Curated descriptions for commonly installed model families.
var ollamaModelCatalog = map[string]struct {
	Description   string
	ContextLength int
}{
	"llama3":         {"Meta Llama 3, general purpose", 8192},
	"llama3.1":       {"Meta Llama 3.1, long context", 131072},
	"codellama":      {"Code-specialized Llama", 16384},
	"mistral":        {"Mistral 7B, fast general model", 32768},
	"qwen2.5":        {"Qwen 2.5, strong multilingual", 32768},
	"deepseek-coder": {"DeepSeek coder model", 16384},
	"phi3":           {"Microsoft Phi-3 small model", 4096},
	"gemma2":         {"Google Gemma 2", 8192},
}

// OllamaMetadata describes the provider for the registry.
func OllamaMetadata() Metadata {
	return Metadata{
		ID:                OllamaID,
		DisplayName:       "Ollama",
		Description:       "Local Ollama server (free, private, no API key)",
		Kind:              TypeLocal,
		RequiresAuth:      false,
		SupportsStreaming: true,
		ConfigSchema: map[string]ConfigField{
			"endpoint": {Type: FieldString, Default: DefaultOllamaEndpoint, Description: "Ollama server URL"},
			"model":    {Type: FieldString, Description: "Model name; first installed model when empty"},
		},
	}
}

// NewOllama creates an Ollama provider from config.
func NewOllama(cfg Config) (Provider, error) {
	endpoint := strings.TrimSuffix(cfg.GetString("endpoint", DefaultOllamaEndpoint), "/")
	return &Ollama{
		endpoint: endpoint,
		model:    cfg.GetString("model", ""),
		httpClient: &http.Client{
			Timeout: ollamaInferTimeout,
		},
	}, nil
}

// ID implements Provider.
func (o *Ollama) ID() string { return OllamaID }

// Type implements Provider.
func (o *Ollama) Type() Type { return TypeLocal }

// Model implements Provider.
func (o *Ollama) Model() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.model != "" {
		return o.model
	}
	return o.detectedModel
}

// Capabilities implements Provider.
func (o *Ollama) Capabilities() Capabilities {
	return Capabilities{
		Streaming:       true,
		ModelListing:    true,
		CustomEndpoints: true,
	}
}

// Endpoint returns the configured server URL.
func (o *Ollama) Endpoint() string { return o.endpoint }

// IsAvailable implements Provider with a 5 s version probe.
func (o *Ollama) IsAvailable(ctx context.Context) bool {
	_, err := o.fetchVersion(ctx)
	return err == nil
}

func (o *Ollama) fetchVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/api/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version check returned status %d", resp.StatusCode)
	}
	var version ollamaVersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", err
	}
	return version.Version, nil
}

// TestConnection implements Provider. It never returns an error; transport
// failures are mapped to actionable messages.
func (o *Ollama) TestConnection(ctx context.Context) TestConnectionResult {
	version, err := o.fetchVersion(ctx)
	if err != nil {
		return TestConnectionResult{Success: false, Error: o.describeTransportError(err)}
	}

	models, err := o.ListModels(ctx)
	if err != nil {
		return TestConnectionResult{Success: false, Error: o.describeTransportError(err)}
	}

	return TestConnectionResult{
		Success: true,
		Details: &ConnectionDetails{
			Version:         version,
			ModelsAvailable: len(models),
			Endpoint:        o.endpoint,
		},
	}
}

func (o *Ollama) describeTransportError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return fmt.Sprintf("Cannot reach Ollama at %s: connection refused. Is Ollama running? Try: ollama serve", o.endpoint)
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "deadline exceeded"):
		return fmt.Sprintf("Connection to Ollama at %s timed out", o.endpoint)
	default:
		return fmt.Sprintf("Failed to connect to Ollama at %s: %v", o.endpoint, err)
	}
}

// ListModels implements Provider. Installed models are enriched from the
// curated catalog when the family is known.
func (o *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list Ollama models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model listing returned status %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to parse model listing: %w", err)
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		info := ModelInfo{
			ID:                m.Name,
			Name:              m.Name,
			SupportsStreaming: true,
		}
		if m.Details != nil {
			info.Family = m.Details.Family
			info.ParameterSize = m.Details.ParameterSize
		}
		family := m.Name
		if i := strings.IndexByte(family, ':'); i >= 0 {
			family = family[:i]
		}
		if entry, ok := ollamaModelCatalog[family]; ok {
			info.Description = entry.Description
			info.ContextLength = entry.ContextLength
		}
		models = append(models, info)
	}
	return models, nil
}

// ensureModel resolves the model for a request: explicit request model, then
// configured model, then the first installed model (cached for the instance
// lifetime). An empty server is an error before any request is issued.
func (o *Ollama) ensureModel(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}

	o.mu.Lock()
	if o.model != "" {
		model := o.model
		o.mu.Unlock()
		return model, nil
	}
	if o.detectedModel != "" {
		model := o.detectedModel
		o.mu.Unlock()
		return model, nil
	}
	o.mu.Unlock()

	models, err := o.ListModels(ctx)
	if err != nil {
		return "", fmt.Errorf("no model configured and model auto-detection failed: %w", err)
	}
	if len(models) == 0 {
		return "", fmt.Errorf("no models installed on the Ollama server; install one with: ollama pull llama3")
	}

	o.mu.Lock()
	o.detectedModel = models[0].ID
	o.mu.Unlock()
	logging.Providers("ollama auto-detected model %s", models[0].ID)
	return models[0].ID, nil
}

// GenerateCompletion implements Provider. Failures are surfaced in the
// response's Error field.
func (o *Ollama) GenerateCompletion(ctx context.Context, req CompletionRequest) CompletionResponse {
	out := CompletionResponse{Provider: OllamaID, Timestamp: time.Now()}

	model, err := o.ensureModel(ctx, req.Model)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Model = model

	chunk, usage, err := o.generate(ctx, model, req, false, nil)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Text = chunk
	out.Usage = usage
	return out
}

// StreamCompletion implements Provider. Each NDJSON line is one chunk; the
// line with done=true terminates the stream and carries terminal usage.
func (o *Ollama) StreamCompletion(ctx context.Context, req CompletionRequest) <-chan StreamChunk {
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)

		model, err := o.ensureModel(ctx, req.Model)
		if err != nil {
			out <- StreamChunk{IsComplete: true, Provider: OllamaID, Error: err.Error()}
			return
		}

		emit := func(text string) bool {
			select {
			case out <- StreamChunk{Text: text, Model: model, Provider: OllamaID}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		_, usage, err := o.generate(ctx, model, req, true, emit)
		terminal := StreamChunk{IsComplete: true, Model: model, Provider: OllamaID, Usage: usage}
		if err != nil {
			terminal.Error = err.Error()
		}
		select {
		case out <- terminal:
		case <-ctx.Done():
		}
	}()

	return out
}

// generate performs the POST /api/generate round trip. In streaming mode the
// emit callback receives each response fragment; in non-streaming mode the
// concatenated text is returned. A bufio.Scanner keeps partial NDJSON lines
// intact across reads.
func (o *Ollama) generate(ctx context.Context, model string, req CompletionRequest, stream bool, emit func(string) bool) (string, *Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, ollamaInferTimeout)
	defer cancel()

	body := ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Stream: stream,
		Options: ollamaModelOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	logging.APIDebug("ollama generate: model=%s stream=%v prompt_len=%d", model, stream, len(req.Prompt))

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("request to Ollama failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return "", nil, fmt.Errorf("model %q not found on the Ollama server; install it with: ollama pull %s", model, model)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", nil, fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var text strings.Builder
	var usage *Usage

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaGenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			// One bad line is skipped, the stream continues.
			logging.APIDebug("ollama: skipping malformed line: %v", err)
			continue
		}

		if chunk.Response != "" {
			text.WriteString(chunk.Response)
			if emit != nil && !emit(chunk.Response) {
				return "", nil, ctx.Err()
			}
		}

		if chunk.Done {
			if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
				usage = &Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				}
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("error reading Ollama response: %w", err)
	}

	logging.API("ollama generate: completed in %v response_len=%d", time.Since(start), text.Len())
	return text.String(), usage, nil
}
