package usage

import "time"

// Data is the root structure stored in persistence.
type Data struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// Event is a single completed LLM transaction.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd,omitempty"`
	Feature      string    `json:"feature,omitempty"` // summaries, scoring, improvement
	SessionID    string    `json:"session_id,omitempty"`
}

// AggregatedStats holds counters broken down by dimension.
type AggregatedStats struct {
	Total      TokenCounts            `json:"total"`
	ByProvider map[string]TokenCounts `json:"by_provider"`
	ByModel    map[string]TokenCounts `json:"by_model"`
	ByFeature  map[string]TokenCounts `json:"by_feature"`
	BySession  map[string]TokenCounts `json:"by_session"`
}

// TokenCounts holds input/output sums and accumulated cost.
type TokenCounts struct {
	Input  int64   `json:"input"`
	Output int64   `json:"output"`
	Total  int64   `json:"total"`
	Cost   float64 `json:"cost_usd,omitempty"`
}

func (tc *TokenCounts) add(e Event) {
	tc.Input += int64(e.InputTokens)
	tc.Output += int64(e.OutputTokens)
	tc.Total += int64(e.InputTokens + e.OutputTokens)
	tc.Cost += e.CostUSD
}
