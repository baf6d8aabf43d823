package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func writeDrop(t *testing.T, dir, name string, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newTestPipeline(t *testing.T) (*Pipeline, *MemoryStore, string) {
	t.Helper()
	dir := t.TempDir()
	store := NewMemoryStore()
	p := NewPipeline(store, Options{Dir: dir})
	return p, store, dir
}

func TestLinkKey(t *testing.T) {
	tests := []struct {
		name string
		p    PromptRecord
		want string
	}{
		{"cursor", PromptRecord{Source: SourceCursor, ConversationID: "C1"}, "cursor:C1"},
		{"claude", PromptRecord{Source: SourceClaudeCode, SessionID: "S1"}, "claude:S1"},
		{"cursor without id", PromptRecord{Source: SourceCursor}, ""},
		{"unknown source falls back", PromptRecord{ConversationID: "C2"}, "cursor:C2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.LinkKey(); got != tc.want {
				t.Errorf("LinkKey = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPipelinePromptThenResponse(t *testing.T) {
	p, store, dir := newTestPipeline(t)
	ctx := context.Background()

	promptPath := writeDrop(t, dir, "prompt-1.json", PromptRecord{
		ID: "p1", Prompt: "fix the bug", Source: SourceCursor,
		ConversationID: "C1", CWD: "/home/dev/project",
	})
	p.Scan(ctx)

	if store.Len() != 1 {
		t.Fatalf("store has %d prompts, want 1", store.Len())
	}
	if _, err := os.Stat(promptPath); !os.IsNotExist(err) {
		t.Error("prompt file must be deleted after processing")
	}

	respPath := writeDrop(t, dir, "cursor-response-1.json", ResponseRecord{
		ID: "r1", Source: SourceCursor, ConversationID: "C1",
		Response: "done", Success: true,
	})
	p.Scan(ctx)

	if _, err := os.Stat(respPath); !os.IsNotExist(err) {
		t.Error("response file must be deleted after processing")
	}

	var linked *StoredPrompt
	for id := range store.prompts {
		entry, _ := store.Prompt(id)
		linked = &entry
	}
	if linked == nil || len(linked.Responses) != 1 {
		t.Fatalf("prompt has %v responses, want exactly 1", linked)
	}
	if linked.Responses[0].ID != "r1" {
		t.Errorf("linked response = %+v", linked.Responses[0])
	}
}

func TestPipelineCrossAgentLink(t *testing.T) {
	p, store, dir := newTestPipeline(t)
	ctx := context.Background()

	writeDrop(t, dir, "prompt-2.json", PromptRecord{
		ID: "p2", Prompt: "explain", Source: SourceClaudeCode,
		SessionID: "S9", CWD: "/home/dev/project",
	})
	writeDrop(t, dir, "claude-response-2.json", ResponseRecord{
		ID: "r2", Source: SourceClaudeCode, SessionID: "S9", Response: "sure",
	})
	p.Scan(ctx)
	p.Scan(ctx)

	for id := range store.prompts {
		entry, _ := store.Prompt(id)
		if len(entry.Responses) != 1 {
			t.Fatalf("claude link failed: %+v", entry)
		}
	}
}

func TestPipelineIgnoredWorkspace(t *testing.T) {
	p, store, dir := newTestPipeline(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cwd  string
	}{
		{"drop-box itself", dir},
		{"temp dir", os.TempDir()},
		{"scratch analysis dir", filepath.Join(os.TempDir(), "devark-analysis-123-4567")},
		{"ide install", "/home/dev/.cursor/extensions/foo"},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			name := "prompt-ignored-" + string(rune('a'+i)) + ".json"
			path := writeDrop(t, dir, name, PromptRecord{
				ID: name, Prompt: "internal call", Source: SourceCursor,
				ConversationID: "X", CWD: tc.cwd,
			})
			p.Scan(ctx)
			if store.Len() != 0 {
				t.Fatalf("filtered prompt reached the store (cwd=%s)", tc.cwd)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Error("filtered file must still be deleted")
			}
		})
	}
}

func TestPipelineWorkspaceRootsFallback(t *testing.T) {
	p, store, dir := newTestPipeline(t)

	writeDrop(t, dir, "prompt-ws.json", PromptRecord{
		ID: "pws", Prompt: "x", Source: SourceCursor, ConversationID: "W1",
		WorkspaceRoots: []string{DropBoxDir()},
	})
	p.Scan(context.Background())
	if store.Len() != 0 {
		t.Fatal("workspaceRoots[0] must feed the path filter when cwd is empty")
	}
}

func TestPipelineMalformedFileRetriedThenDeleted(t *testing.T) {
	p, _, dir := newTestPipeline(t)
	ctx := context.Background()

	path := filepath.Join(dir, "prompt-broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	for i := 1; i < defaultRetryAttempts; i++ {
		p.Scan(ctx)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("file deleted too early, on attempt %d", i)
		}
	}
	p.Scan(ctx)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file must be deleted after the retry budget is spent")
	}
}

func TestPipelineNoDuplicateEmissions(t *testing.T) {
	p, store, dir := newTestPipeline(t)
	ctx := context.Background()

	record := PromptRecord{ID: "dup", Prompt: "x", Source: SourceCursor, ConversationID: "D1", CWD: "/home/dev/p"}
	writeDrop(t, dir, "prompt-dup.json", record)
	p.Scan(ctx)

	// The same filename reappearing must be skipped by the processed set.
	writeDrop(t, dir, "prompt-dup.json", record)
	p.Scan(ctx)

	if store.Len() != 1 {
		t.Errorf("store has %d prompts, want 1", store.Len())
	}
}

func TestPipelineResponseBeforePromptWithinGrace(t *testing.T) {
	p, store, dir := newTestPipeline(t)
	ctx := context.Background()

	writeDrop(t, dir, "cursor-response-early.json", ResponseRecord{
		ID: "re", Source: SourceCursor, ConversationID: "E1", Response: "early",
	})
	p.Scan(ctx)
	if store.Len() != 0 {
		t.Fatal("response must not create a prompt")
	}

	writeDrop(t, dir, "prompt-late.json", PromptRecord{
		ID: "pl", Prompt: "x", Source: SourceCursor, ConversationID: "E1", CWD: "/home/dev/p",
	})
	p.Scan(ctx)

	for id := range store.prompts {
		entry, _ := store.Prompt(id)
		if len(entry.Responses) != 1 || entry.Responses[0].ID != "re" {
			t.Fatalf("held response not delivered: %+v", entry)
		}
	}
}

func TestPipelineUnmatchedResponseDroppedAfterGrace(t *testing.T) {
	p, store, dir := newTestPipeline(t)
	ctx := context.Background()

	base := time.Now()
	p.now = func() time.Time { return base }

	writeDrop(t, dir, "cursor-response-orphan.json", ResponseRecord{
		ID: "ro", Source: SourceCursor, ConversationID: "O1", Response: "orphan",
	})
	p.Scan(ctx)

	// Past the grace period the pending record is dropped, so a late prompt
	// gets no response.
	p.now = func() time.Time { return base.Add(defaultGracePeriod + time.Second) }
	p.Scan(ctx)

	writeDrop(t, dir, "prompt-orphan.json", PromptRecord{
		ID: "po", Prompt: "x", Source: SourceCursor, ConversationID: "O1", CWD: "/home/dev/p",
	})
	p.Scan(ctx)

	for id := range store.prompts {
		entry, _ := store.Prompt(id)
		if len(entry.Responses) != 0 {
			t.Fatalf("expired response was delivered: %+v", entry)
		}
	}
}

func TestPipelineListeners(t *testing.T) {
	p, _, dir := newTestPipeline(t)
	ctx := context.Background()

	var responses int32
	p.On(EventResponseDetected, func(interface{}) {
		panic("listener bug")
	})
	off := p.On(EventResponseDetected, func(payload interface{}) {
		if _, ok := payload.(ResponseRecord); ok {
			atomic.AddInt32(&responses, 1)
		}
	})

	writeDrop(t, dir, "prompt-ev.json", PromptRecord{
		ID: "pe", Prompt: "x", Source: SourceCursor, ConversationID: "L1", CWD: "/home/dev/p",
	})
	writeDrop(t, dir, "cursor-response-ev.json", ResponseRecord{
		ID: "rev", Source: SourceCursor, ConversationID: "L1", Response: "y",
	})
	p.Scan(ctx)
	p.Scan(ctx)

	if got := atomic.LoadInt32(&responses); got != 1 {
		t.Fatalf("responseDetected fired %d times, want 1 (panicking listener isolated)", got)
	}

	off()
	writeDrop(t, dir, "cursor-response-ev2.json", ResponseRecord{
		ID: "rev2", Source: SourceCursor, ConversationID: "L1", Response: "z",
	})
	p.Scan(ctx)
	if got := atomic.LoadInt32(&responses); got != 1 {
		t.Errorf("unsubscribed listener still fired (count=%d)", got)
	}
}

func TestPipelineProcessedSetBounded(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	for i := 0; i < processedCap+10; i++ {
		p.markProcessed(filepath.Join("f", time.Now().String(), string(rune(i))))
	}
	if len(p.processed) > processedCap {
		t.Errorf("processed set grew to %d, cap is %d", len(p.processed), processedCap)
	}
}

func TestPipelineStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	store := NewMemoryStore()
	p := NewPipeline(store, Options{Dir: dir, PollInterval: 10 * time.Millisecond})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	writeDrop(t, dir, "prompt-live.json", PromptRecord{
		ID: "plive", Prompt: "x", Source: SourceCursor, ConversationID: "V1", CWD: "/home/dev/p",
	})

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.Len() != 1 {
		t.Error("live pipeline did not ingest the prompt")
	}

	p.Stop()
}
