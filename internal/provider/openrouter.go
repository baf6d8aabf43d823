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
	"strconv"
	"strings"
	"sync"
	"time"

	"devark/internal/logging"
	"devark/internal/ratelimit"
)

// OpenRouterID is the registry id of the OpenRouter cloud gateway provider.
const OpenRouterID = "openrouter"

// DefaultOpenRouterBaseURL is the public OpenRouter API root.
const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// DefaultOpenRouterModel is used when nothing else is configured.
const DefaultOpenRouterModel = "meta-llama/llama-3.1-8b-instruct:free"

const (
	openRouterTimeout = 2 * time.Minute

	// Free-tier models reject large completions; stay under their ceiling.
	freeModelMaxTokens = 800

	// Model limits change rarely; refetch at most hourly.
	modelLimitTTL = time.Hour
)

// openRouterPricing maps model prefixes to USD cost per million tokens.
// Unknown models fall back to a conservative default so cost is never
// silently reported as zero for a paid model.
var openRouterPricing = map[string]struct{ Prompt, Completion float64 }{
	"anthropic/claude-sonnet":  {3.0, 15.0},
	"anthropic/claude-haiku":   {0.8, 4.0},
	"openai/gpt-4o":            {2.5, 10.0},
	"openai/gpt-4o-mini":       {0.15, 0.6},
	"google/gemini-flash":      {0.075, 0.3},
	"meta-llama/llama-3.1-70b": {0.3, 0.4},
	"deepseek/deepseek-chat":   {0.14, 0.28},
}

var openRouterDefaultPricing = struct{ Prompt, Completion float64 }{1.0, 3.0}

// OpenRouter implements Provider over the OpenRouter chat completions
// gateway. It authenticates with a bearer key, enforces a local request rate
// limit and caches per-model completion-token ceilings.
type OpenRouter struct {
	baseURL       string
	apiKey        string
	model         string
	fallbackModel string
	httpClient    *http.Client
	limiter       *ratelimit.Limiter

	mu             sync.Mutex
	modelLimits    map[string]int
	limitsFetched  time.Time
}

type openRouterChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

type openRouterStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type openRouterModelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Description   string `json:"description"`
		ContextLength int    `json:"context_length"`
		TopProvider   *struct {
			MaxCompletionTokens int `json:"max_completion_tokens"`
		} `json:"top_provider"`
	} `json:"data"`
}

// OpenRouterMetadata describes the provider for the registry.
func OpenRouterMetadata() Metadata {
	return Metadata{
		ID:                   OpenRouterID,
		DisplayName:          "OpenRouter",
		Description:          "Cloud gateway to many hosted models",
		Kind:                 TypeCloud,
		RequiresAuth:         true,
		SupportsStreaming:    true,
		SupportsCostTracking: true,
		ConfigSchema: map[string]ConfigField{
			"apiKey":        {Type: FieldString, Required: true, Secret: true, Description: "OpenRouter API key"},
			"baseUrl":       {Type: FieldString, Default: DefaultOpenRouterBaseURL, Description: "API base URL"},
			"model":         {Type: FieldString, Default: DefaultOpenRouterModel, Description: "Model id"},
			"fallbackModel": {Type: FieldString, Description: "Model retried when the primary fails"},
		},
	}
}

// NewOpenRouter creates an OpenRouter provider from config.
func NewOpenRouter(cfg Config) (Provider, error) {
	key := cfg.GetString("apiKey", "")
	if key == "" {
		return nil, &MissingCredentialError{Provider: OpenRouterID, Reason: "add an API key in settings to enable this provider"}
	}
	return &OpenRouter{
		baseURL:       strings.TrimSuffix(cfg.GetString("baseUrl", DefaultOpenRouterBaseURL), "/"),
		apiKey:        key,
		model:         cfg.GetString("model", DefaultOpenRouterModel),
		fallbackModel: cfg.GetString("fallbackModel", ""),
		httpClient:    &http.Client{Timeout: openRouterTimeout},
		limiter:       ratelimit.New(OpenRouterID, 20, time.Minute),
		modelLimits:   make(map[string]int),
	}, nil
}

// ID implements Provider.
func (p *OpenRouter) ID() string { return OpenRouterID }

// Type implements Provider.
func (p *OpenRouter) Type() Type { return TypeCloud }

// Model implements Provider.
func (p *OpenRouter) Model() string { return p.model }

// Capabilities implements Provider.
func (p *OpenRouter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:       true,
		ModelListing:    true,
		CostTracking:    true,
		CustomEndpoints: true,
		RequiresAuth:    true,
	}
}

func (p *OpenRouter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// IsAvailable implements Provider. A key is configured, so the provider is
// available; reachability is what TestConnection is for.
func (p *OpenRouter) IsAvailable(ctx context.Context) bool {
	return p.apiKey != ""
}

// TestConnection implements Provider with a live models request.
func (p *OpenRouter) TestConnection(ctx context.Context) TestConnectionResult {
	models, err := p.ListModels(ctx)
	if err != nil {
		return TestConnectionResult{Success: false, Error: p.describeError(err)}
	}
	return TestConnectionResult{
		Success: true,
		Details: &ConnectionDetails{
			ModelsAvailable: len(models),
			Endpoint:        p.baseURL,
		},
	}
}

func (p *OpenRouter) describeError(err error) string {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Error()
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return fmt.Sprintf("Cannot reach OpenRouter at %s: connection refused", p.baseURL)
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "deadline exceeded"):
		return "Request to OpenRouter timed out"
	default:
		return msg
	}
}

// ListModels implements Provider, also refreshing the per-model completion
// limit cache as a side effect.
func (p *OpenRouter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := p.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list OpenRouter models: %w", err)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		return nil, err
	}

	var parsed openRouterModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse model listing: %w", err)
	}

	limits := make(map[string]int, len(parsed.Data))
	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, ModelInfo{
			ID:                m.ID,
			Name:              m.Name,
			Description:       m.Description,
			ContextLength:     m.ContextLength,
			SupportsStreaming: true,
		})
		if m.TopProvider != nil && m.TopProvider.MaxCompletionTokens > 0 {
			limits[m.ID] = m.TopProvider.MaxCompletionTokens
		}
	}

	p.mu.Lock()
	p.modelLimits = limits
	p.limitsFetched = time.Now()
	p.mu.Unlock()

	return models, nil
}

func (p *OpenRouter) checkStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return &ClassifiedError{
			Provider:   OpenRouterID,
			Kind:       KindAuth,
			Suggestion: "Check the API key in settings",
			Err:        errors.New("Invalid API key"),
		}
	case http.StatusTooManyRequests:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		suggestion := "Wait a moment before retrying"
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			suggestion = fmt.Sprintf("Wait %v before retrying", wait)
		}
		return &ClassifiedError{
			Provider:   OpenRouterID,
			Kind:       KindRateLimit,
			Suggestion: suggestion,
			Err:        &RateLimitError{Provider: OpenRouterID, RawResponse: strings.TrimSpace(string(raw))},
		}
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("OpenRouter returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}

// effectiveMaxTokens clamps the requested completion budget. Free-tier models
// get a hard ceiling; paid models are clamped to 90% of their advertised
// limit when the limit cache is fresh.
func (p *OpenRouter) effectiveMaxTokens(ctx context.Context, model string, requested int) int {
	if strings.HasSuffix(model, ":free") {
		if requested <= 0 || requested > freeModelMaxTokens {
			return freeModelMaxTokens
		}
		return requested
	}

	p.mu.Lock()
	limit, ok := p.modelLimits[model]
	stale := time.Since(p.limitsFetched) > modelLimitTTL
	p.mu.Unlock()

	if (!ok || stale) && ctx != nil {
		if _, err := p.ListModels(ctx); err == nil {
			p.mu.Lock()
			limit, ok = p.modelLimits[model]
			p.mu.Unlock()
		}
	}

	if ok && limit > 0 {
		ceiling := limit * 9 / 10
		if requested <= 0 || requested > ceiling {
			return ceiling
		}
	}
	return requested
}

func (p *OpenRouter) buildMessages(req CompletionRequest) []openRouterMessage {
	msgs := make([]openRouterMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openRouterMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, openRouterMessage{Role: "user", Content: req.Prompt})
	return msgs
}

func (p *OpenRouter) computeCost(model string, usage *Usage) *Cost {
	if usage == nil {
		return nil
	}
	pricing := openRouterDefaultPricing
	for prefix, pr := range openRouterPricing {
		if strings.HasPrefix(model, prefix) {
			pricing = pr
			break
		}
	}
	if strings.HasSuffix(model, ":free") {
		pricing = struct{ Prompt, Completion float64 }{0, 0}
	}
	input := float64(usage.PromptTokens) / 1e6 * pricing.Prompt
	output := float64(usage.CompletionTokens) / 1e6 * pricing.Completion
	return &Cost{Amount: input + output, Currency: "USD"}
}

// GenerateCompletion implements Provider. The fallback model, when
// configured, is retried once after a primary-model failure.
func (p *OpenRouter) GenerateCompletion(ctx context.Context, req CompletionRequest) CompletionResponse {
	model := req.Model
	if model == "" {
		model = p.model
	}

	out := p.generateOnce(ctx, model, req)
	if out.Error != "" && p.fallbackModel != "" && p.fallbackModel != model && ctx.Err() == nil {
		logging.Providers("openrouter: model %s failed (%s), retrying with fallback %s", model, out.Error, p.fallbackModel)
		fallback := p.generateOnce(ctx, p.fallbackModel, req)
		if fallback.Error == "" {
			return fallback
		}
	}
	return out
}

func (p *OpenRouter) generateOnce(ctx context.Context, model string, req CompletionRequest) CompletionResponse {
	out := CompletionResponse{Provider: OpenRouterID, Model: model, Timestamp: time.Now()}

	if err := p.limiter.Throttle(); err != nil {
		out.Error = err.Error()
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, openRouterTimeout)
	defer cancel()

	body := openRouterChatRequest{
		Model:       model,
		Messages:    p.buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   p.effectiveMaxTokens(ctx, model, req.MaxTokens),
		Stop:        req.Stop,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		out.Error = fmt.Sprintf("failed to marshal request: %v", err)
		return out
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", bytes.NewReader(payload))
	if err != nil {
		out.Error = err.Error()
		return out
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		out.Error = p.describeError(err)
		return out
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp); err != nil {
		out.Error = p.describeError(err)
		return out
	}

	var parsed openRouterChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		out.Error = fmt.Sprintf("failed to parse response: %v", err)
		return out
	}
	if parsed.Error != nil {
		out.Error = parsed.Error.Message
		return out
	}
	if len(parsed.Choices) == 0 {
		out.Error = "OpenRouter returned no choices"
		return out
	}

	choice := parsed.Choices[0]
	if choice.FinishReason == "length" && choice.Message.Content == "" {
		out.Error = fmt.Sprintf("model %s hit its output token limit before producing any text; lower the prompt size or raise max tokens", model)
		return out
	}
	if choice.Message.Content == "" {
		out.Error = fmt.Sprintf("model %s returned an empty response (finish_reason=%s); try a different model", model, choice.FinishReason)
		return out
	}

	out.Text = choice.Message.Content
	if parsed.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
		out.Cost = p.computeCost(model, out.Usage)
	}
	return out
}

// StreamCompletion implements Provider using SSE. Each `data:` line holds one
// delta; the stream terminates on `[DONE]` or a populated finish_reason.
func (p *OpenRouter) StreamCompletion(ctx context.Context, req CompletionRequest) <-chan StreamChunk {
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)

		model := req.Model
		if model == "" {
			model = p.model
		}

		fail := func(msg string) {
			select {
			case out <- StreamChunk{IsComplete: true, Model: model, Provider: OpenRouterID, Error: msg}:
			case <-ctx.Done():
			}
		}

		if err := p.limiter.Throttle(); err != nil {
			fail(err.Error())
			return
		}

		streamCtx, cancel := context.WithTimeout(ctx, openRouterTimeout)
		defer cancel()

		body := openRouterChatRequest{
			Model:       model,
			Messages:    p.buildMessages(req),
			Temperature: req.Temperature,
			MaxTokens:   p.effectiveMaxTokens(streamCtx, model, req.MaxTokens),
			Stop:        req.Stop,
			Stream:      true,
		}
		payload, err := json.Marshal(body)
		if err != nil {
			fail(fmt.Sprintf("failed to marshal request: %v", err))
			return
		}

		httpReq, err := p.newRequest(streamCtx, http.MethodPost, "/chat/completions", bytes.NewReader(payload))
		if err != nil {
			fail(err.Error())
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			fail(p.describeError(err))
			return
		}
		defer resp.Body.Close()

		if err := p.checkStatus(resp); err != nil {
			fail(p.describeError(err))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}

			var chunk openRouterStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logging.APIDebug("openrouter: skipping malformed SSE chunk: %v", err)
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				select {
				case out <- StreamChunk{Text: choice.Delta.Content, Model: model, Provider: OpenRouterID}:
				case <-streamCtx.Done():
					return
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			fail(fmt.Sprintf("error reading stream: %v", err))
			return
		}

		select {
		case out <- StreamChunk{IsComplete: true, Model: model, Provider: OpenRouterID}:
		case <-ctx.Done():
		}
	}()

	return out
}

// parseRetryAfter reads a Retry-After header value in seconds.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
