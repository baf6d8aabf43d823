package hooks

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// StoredPrompt is a prompt with its linked responses.
type StoredPrompt struct {
	PromptID  string
	Record    PromptRecord
	Responses []ResponseRecord
}

// MemoryStore is an in-process SessionStore. Prompt ids are ULIDs, so they
// sort by detection time. Emissions are idempotent on the record id:
// re-delivering the same prompt or response is a no-op.
type MemoryStore struct {
	mu       sync.Mutex
	prompts  map[string]*StoredPrompt // promptID -> entry
	byRecord map[string]string        // record id -> promptID
	entropy  *rand.Rand
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prompts:  make(map[string]*StoredPrompt),
		byRecord: make(map[string]string),
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnPromptDetected implements SessionStore.
func (s *MemoryStore) OnPromptDetected(ctx context.Context, record PromptRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID != "" {
		if existing, ok := s.byRecord[record.ID]; ok {
			return existing, nil
		}
	}

	promptID := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
	s.prompts[promptID] = &StoredPrompt{PromptID: promptID, Record: record}
	if record.ID != "" {
		s.byRecord[record.ID] = promptID
	}
	return promptID, nil
}

// AddResponse implements SessionStore. Responses for unknown prompt ids are
// silently dropped; the pipeline already applied its grace period.
func (s *MemoryStore) AddResponse(ctx context.Context, promptID string, record ResponseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.prompts[promptID]
	if !ok {
		return nil
	}
	for _, existing := range entry.Responses {
		if record.ID != "" && existing.ID == record.ID {
			return nil
		}
	}
	entry.Responses = append(entry.Responses, record)
	return nil
}

// Prompt returns a copy of a stored prompt.
func (s *MemoryStore) Prompt(promptID string) (StoredPrompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.prompts[promptID]
	if !ok {
		return StoredPrompt{}, false
	}
	out := *entry
	out.Responses = append([]ResponseRecord(nil), entry.Responses...)
	return out, true
}

// Len reports the number of stored prompts.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}
