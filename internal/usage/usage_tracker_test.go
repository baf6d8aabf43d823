package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestTracker_TrackAggregatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	// Avoid background autosave during the test (debounce uses AfterFunc).
	tracker.dirty = true

	ctx := WithMeta(context.Background(), Meta{Feature: "summaries", SessionID: "sess_1"})
	tracker.Track(ctx, Event{Model: "llama3", Provider: "ollama", InputTokens: 10, OutputTokens: 5})
	tracker.Track(ctx, Event{Model: "llama3", Provider: "ollama", InputTokens: 2, OutputTokens: 3, CostUSD: 0.01})

	stats := tracker.Stats()
	if stats.Total.Input != 12 || stats.Total.Output != 8 || stats.Total.Total != 20 {
		t.Fatalf("Total=%+v, want input=12 output=8 total=20", stats.Total)
	}
	if stats.Total.Cost != 0.01 {
		t.Fatalf("Total.Cost=%v, want 0.01", stats.Total.Cost)
	}
	if got := stats.ByProvider["ollama"]; got.Total != 20 {
		t.Fatalf("ByProvider[ollama]=%+v, want total=20", got)
	}
	if got := stats.ByModel["llama3"]; got.Total != 20 {
		t.Fatalf("ByModel[llama3]=%+v, want total=20", got)
	}
	if got := stats.ByFeature["summaries"]; got.Total != 20 {
		t.Fatalf("ByFeature[summaries]=%+v, want total=20", got)
	}
	if got := stats.BySession["sess_1"]; got.Total != 20 {
		t.Fatalf("BySession[sess_1]=%+v, want total=20", got)
	}

	if err := tracker.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "usage.json"))
	if err != nil {
		t.Fatalf("read usage.json: %v", err)
	}
	var persisted Data
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("unmarshal usage.json: %v", err)
	}
	if persisted.Aggregate.Total.Total != 20 {
		t.Fatalf("persisted total=%d, want 20", persisted.Aggregate.Total.Total)
	}
}

func TestTracker_ReloadKeepsData(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tracker.dirty = true
	tracker.Track(context.Background(), Event{Model: "m", Provider: "p", InputTokens: 4, OutputTokens: 6})
	if err := tracker.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker (reload): %v", err)
	}
	if got := reloaded.Stats().Total.Total; got != 10 {
		t.Fatalf("reloaded total=%d, want 10", got)
	}
}

func TestTracker_ContextHelpers(t *testing.T) {
	tracker, err := NewTracker(t.TempDir())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	ctx := NewContext(context.Background(), tracker)
	if got := FromContext(ctx); got != tracker {
		t.Fatalf("FromContext mismatch")
	}
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("FromContext on empty context = %v, want nil", got)
	}
}
