// Package usage aggregates token and cost accounting across providers and
// persists it as JSON under the devark data directory.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"devark/internal/logging"
)

type contextKey struct{}
type metaKey struct{}

const saveDebounce = 5 * time.Second

// Tracker records usage events and keeps per-dimension aggregates.
type Tracker struct {
	mu       sync.Mutex
	data     Data
	filePath string
	dirty    bool
}

// NewTracker creates a tracker persisting to <dir>/usage.json. Existing data
// is loaded; a corrupt or missing file starts empty.
func NewTracker(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dir, "usage.json"),
		data: Data{
			Version: "1.0",
			Aggregate: AggregatedStats{
				ByProvider: make(map[string]TokenCounts),
				ByModel:    make(map[string]TokenCounts),
				ByFeature:  make(map[string]TokenCounts),
				BySession:  make(map[string]TokenCounts),
			},
		},
	}

	if err := t.Load(); err != nil {
		logging.Usage("starting with empty usage data: %v", err)
	}
	return t, nil
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &t.data); err != nil {
		return err
	}

	agg := &t.data.Aggregate
	if agg.ByProvider == nil {
		agg.ByProvider = make(map[string]TokenCounts)
	}
	if agg.ByModel == nil {
		agg.ByModel = make(map[string]TokenCounts)
	}
	if agg.ByFeature == nil {
		agg.ByFeature = make(map[string]TokenCounts)
	}
	if agg.BySession == nil {
		agg.BySession = make(map[string]TokenCounts)
	}
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, raw, 0o644)
}

// Track records one event. Feature and session come from the context when
// set via WithMeta. Writes are debounced; call Save on shutdown to flush.
func (t *Tracker) Track(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if meta, ok := ctx.Value(metaKey{}).(Meta); ok {
		if e.Feature == "" {
			e.Feature = meta.Feature
		}
		if e.SessionID == "" {
			e.SessionID = meta.SessionID
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.Total.add(e)
	addToMap(t.data.Aggregate.ByProvider, e.Provider, e)
	addToMap(t.data.Aggregate.ByModel, e.Model, e)
	if e.Feature != "" {
		addToMap(t.data.Aggregate.ByFeature, e.Feature, e)
	}
	if e.SessionID != "" {
		addToMap(t.data.Aggregate.BySession, e.SessionID, e)
	}

	if !t.dirty {
		t.dirty = true
		time.AfterFunc(saveDebounce, func() {
			t.mu.Lock()
			t.dirty = false
			err := t.saveLocked()
			t.mu.Unlock()
			if err != nil {
				logging.Usage("failed to persist usage data: %v", err)
			}
		})
	}
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.data.Aggregate
	stats.ByProvider = copyTokenCountsMap(stats.ByProvider)
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByFeature = copyTokenCountsMap(stats.ByFeature)
	stats.BySession = copyTokenCountsMap(stats.BySession)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, e Event) {
	if key == "" {
		key = "unknown"
	}
	entry := m[key]
	entry.add(e)
	m[key] = entry
}

// Meta is per-call attribution carried on the context.
type Meta struct {
	Feature   string
	SessionID string
}

// NewContext returns a context carrying the tracker.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext retrieves the tracker, or nil.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(contextKey{}).(*Tracker)
	return t
}

// WithMeta attaches attribution metadata to the context.
func WithMeta(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}
