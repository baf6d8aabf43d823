// Package hooks ingests prompt/response drops written by external IDE hook
// scripts into a well-known temp directory, links responses to prompts via
// deterministic keys, and feeds the session store.
package hooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"devark/internal/logging"
)

// EventResponseDetected fires after a response has been linked and stored.
// The payload is the ResponseRecord.
const EventResponseDetected = "responseDetected"

// EventPromptDetected fires after a prompt has been stored. The payload is
// the PromptRecord.
const EventPromptDetected = "promptDetected"

const (
	defaultPollInterval  = 5 * time.Second
	defaultGracePeriod   = 5 * time.Second
	defaultRetryAttempts = 3

	// Links expire when no response arrives within this window.
	linkExpiry = 10 * time.Minute

	// The processed set is size-capped; on overflow the oldest half is
	// evicted. Entries only guard against double-processing of files that
	// are about to be deleted anyway, so eviction is harmless.
	processedCap = 4096
)

// Options configures a Pipeline. Zero values get defaults.
type Options struct {
	Dir           string
	PollInterval  time.Duration
	GracePeriod   time.Duration
	RetryAttempts int
	// IgnorePaths are extra workspace path fragments to filter, on top of
	// the built-in temp/IDE/scratch filters.
	IgnorePaths []string
}

type linkEntry struct {
	promptID string
	expires  time.Time
}

type pendingResponse struct {
	record    ResponseRecord
	firstSeen time.Time
}

// Pipeline watches the drop-box with a poll ticker plus a filesystem
// watcher, and owns every file in it from discovery to deletion.
type Pipeline struct {
	opts  Options
	store SessionStore

	mu        sync.Mutex
	processed map[string]int64
	seq       int64
	retries   map[string]int
	links     map[string]linkEntry
	pending   map[string][]pendingResponse
	running   bool

	listenerMu   sync.Mutex
	listeners    map[string]map[int]func(interface{})
	nextListener int

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}

	now func() time.Time
}

// NewPipeline creates a pipeline feeding the given session store.
func NewPipeline(store SessionStore, opts Options) *Pipeline {
	if opts.Dir == "" {
		opts.Dir = DropBoxDir()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}

	return &Pipeline{
		opts:      opts,
		store:     store,
		processed: make(map[string]int64),
		retries:   make(map[string]int),
		links:     make(map[string]linkEntry),
		pending:   make(map[string][]pendingResponse),
		listeners: make(map[string]map[int]func(interface{})),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start begins watching the drop-box. Non-blocking; Stop shuts it down.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	if err := os.MkdirAll(p.opts.Dir, 0o755); err != nil {
		logging.HooksWarn("failed to create drop-box %s: %v (continuing)", p.opts.Dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.HooksWarn("filesystem watcher unavailable, polling only: %v", err)
	} else {
		p.watcher = watcher
		if err := watcher.Add(p.opts.Dir); err != nil {
			logging.HooksWarn("failed to watch drop-box (dir may not exist yet): %v", err)
		}
	}

	go p.run(ctx)
	logging.Hooks("pipeline started on %s (poll %v)", p.opts.Dir, p.opts.PollInterval)
	return nil
}

// Stop shuts the pipeline down and waits for the loop to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	if p.watcher != nil {
		p.watcher.Close()
	}
	logging.Hooks("pipeline stopped")
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if p.watcher != nil {
		events = p.watcher.Events
		errs = p.watcher.Errors
	}

	// Initial sweep picks up files dropped before the watcher was live.
	p.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				p.Scan(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logging.HooksWarn("watcher error: %v", err)
		case <-ticker.C:
			p.Scan(ctx)
		}
	}
}

// Scan processes every pending drop file once and sweeps expired state. It
// is the unit the poll ticker and watcher callbacks share; tests call it
// directly.
func (p *Pipeline) Scan(ctx context.Context) {
	entries, err := os.ReadDir(p.opts.Dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || name == "latest-prompt.json" {
			continue
		}
		p.processFile(ctx, filepath.Join(p.opts.Dir, name))
	}

	p.sweep()
}

func (p *Pipeline) processFile(ctx context.Context, path string) {
	name := filepath.Base(path)

	p.mu.Lock()
	if _, done := p.processed[name]; done {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}

	isPrompt := strings.HasPrefix(name, "prompt-")
	isResponse := strings.Contains(name, "-response-")
	if !isPrompt && !isResponse {
		return
	}

	var parseErr error
	if isPrompt {
		var record PromptRecord
		if parseErr = json.Unmarshal(raw, &record); parseErr == nil {
			p.handlePrompt(ctx, record)
		}
	} else {
		var record ResponseRecord
		if parseErr = json.Unmarshal(raw, &record); parseErr == nil {
			p.handleResponse(ctx, record)
		}
	}

	if parseErr != nil {
		p.mu.Lock()
		p.retries[name]++
		attempts := p.retries[name]
		p.mu.Unlock()

		if attempts < p.opts.RetryAttempts {
			// Likely a partial write; leave it for the next scan.
			logging.HooksDebug("parse failed for %s (attempt %d), retrying", name, attempts)
			return
		}
		logging.HooksWarn("dropping unparseable file %s after %d attempts", name, attempts)
	}

	p.markProcessed(name)
	p.deleteFile(path)
}

func (p *Pipeline) markProcessed(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.retries, name)
	p.seq++
	p.processed[name] = p.seq

	if len(p.processed) > processedCap {
		names := make([]string, 0, len(p.processed))
		for n := range p.processed {
			names = append(names, n)
		}
		sort.Slice(names, func(i, j int) bool {
			return p.processed[names[i]] < p.processed[names[j]]
		})
		for _, n := range names[:len(names)/2] {
			delete(p.processed, n)
		}
	}
}

func (p *Pipeline) deleteFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.HooksWarn("failed to delete %s: %v", filepath.Base(path), err)
	}
}

// workspacePath derives the candidate workspace for the path filter.
func (p *Pipeline) workspacePath(record PromptRecord) string {
	if record.CWD != "" {
		return record.CWD
	}
	if len(record.WorkspaceRoots) > 0 {
		return record.WorkspaceRoots[0]
	}
	return ""
}

// ignored reports whether a workspace path belongs to machinery rather than
// a real project: temp directories (which include the drop-box and the CLI
// providers' scratch dirs), IDE installation paths, and configured extras.
// Prompts from such paths are this system's own LLM calls echoing back.
func (p *Pipeline) ignored(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)

	if strings.HasPrefix(clean, filepath.Clean(os.TempDir())) {
		return true
	}
	if strings.HasPrefix(clean, filepath.Clean(p.opts.Dir)) {
		return true
	}
	sep := string(filepath.Separator)
	if strings.Contains(clean, sep+".cursor"+sep) || strings.HasSuffix(clean, sep+".cursor") {
		return true
	}
	if strings.Contains(clean, "devark-analysis-") {
		return true
	}
	for _, fragment := range p.opts.IgnorePaths {
		if fragment != "" && strings.Contains(clean, fragment) {
			return true
		}
	}
	return false
}

func (p *Pipeline) handlePrompt(ctx context.Context, record PromptRecord) {
	if ws := p.workspacePath(record); p.ignored(ws) {
		logging.HooksDebug("ignoring prompt from filtered path")
		return
	}

	promptID, err := p.store.OnPromptDetected(ctx, record)
	if err != nil {
		logging.HooksWarn("session store rejected prompt: %v", err)
		return
	}

	key := record.LinkKey()
	var late []pendingResponse
	if key != "" {
		p.mu.Lock()
		p.links[key] = linkEntry{promptID: promptID, expires: p.now().Add(linkExpiry)}
		late = p.pending[key]
		delete(p.pending, key)
		p.mu.Unlock()
	}

	logging.Hooks("prompt detected source=%s id=%s", record.Source, promptID)
	p.emit(EventPromptDetected, record)

	// Responses that arrived before their prompt are delivered now.
	for _, pr := range late {
		p.deliverResponse(ctx, promptID, pr.record)
	}
}

func (p *Pipeline) handleResponse(ctx context.Context, record ResponseRecord) {
	promptID := record.PromptID
	if promptID == "" {
		key := record.LinkKey()
		if key == "" {
			logging.HooksDebug("response without link key dropped")
			return
		}

		p.mu.Lock()
		entry, found := p.links[key]
		if found && p.now().Before(entry.expires) {
			promptID = entry.promptID
		} else {
			// No prompt yet; hold the record for the grace period in case
			// the prompt file is still in flight.
			p.pending[key] = append(p.pending[key], pendingResponse{record: record, firstSeen: p.now()})
			p.mu.Unlock()
			logging.HooksDebug("response for %s held, no prompt seen yet", key)
			return
		}
		p.mu.Unlock()
	}

	p.deliverResponse(ctx, promptID, record)
}

func (p *Pipeline) deliverResponse(ctx context.Context, promptID string, record ResponseRecord) {
	if err := p.store.AddResponse(ctx, promptID, record); err != nil {
		logging.HooksWarn("session store rejected response: %v", err)
		return
	}
	logging.Hooks("response linked to prompt %s", promptID)
	p.emit(EventResponseDetected, record)
}

// sweep expires stale links and drops pending responses past the grace
// period.
func (p *Pipeline) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for key, entry := range p.links {
		if now.After(entry.expires) {
			delete(p.links, key)
		}
	}
	for key, list := range p.pending {
		kept := list[:0]
		for _, pr := range list {
			if now.Sub(pr.firstSeen) <= p.opts.GracePeriod {
				kept = append(kept, pr)
			}
		}
		if len(kept) == 0 {
			delete(p.pending, key)
		} else {
			p.pending[key] = kept
		}
	}
}

// On subscribes to a pipeline event and returns an unsubscribe func.
// Listener panics are isolated.
func (p *Pipeline) On(event string, cb func(interface{})) func() {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()

	if p.listeners[event] == nil {
		p.listeners[event] = make(map[int]func(interface{}))
	}
	id := p.nextListener
	p.nextListener++
	p.listeners[event][id] = cb

	return func() {
		p.listenerMu.Lock()
		defer p.listenerMu.Unlock()
		delete(p.listeners[event], id)
	}
}

func (p *Pipeline) emit(event string, payload interface{}) {
	p.listenerMu.Lock()
	cbs := make([]func(interface{}), 0, len(p.listeners[event]))
	for _, cb := range p.listeners[event] {
		cbs = append(cbs, cb)
	}
	p.listenerMu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.HooksWarn("listener for %s panicked: %v", event, r)
				}
			}()
			cb(payload)
		}()
	}
}
