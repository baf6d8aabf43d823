// Package detect inspects the environment and reports per-provider
// availability: which CLIs are on PATH, whether the local server answers,
// and which cloud gateways have credentials configured.
package detect

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"devark/internal/logging"
	"devark/internal/provider"
)

// Status is the detection outcome for one provider.
type Status string

const (
	// StatusConnected means the provider is active and reachable.
	StatusConnected Status = "connected"
	// StatusAvailable means the provider could be used but is not active.
	StatusAvailable Status = "available"
	// StatusNotDetected means the binary or SDK is absent from this host.
	StatusNotDetected Status = "not-detected"
	// StatusNotRunning means a local server was found configured but did
	// not answer its version probe.
	StatusNotRunning Status = "not-running"
	// StatusNotConfigured means an auth-requiring provider has no API key.
	StatusNotConfigured Status = "not-configured"
)

// ProviderStatus is one row of the detection report.
type ProviderStatus struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Type            provider.Type `json:"type"`
	Status          Status        `json:"status"`
	Model           string        `json:"model,omitempty"`
	AvailableModels []string      `json:"availableModels,omitempty"`
	Description     string        `json:"description,omitempty"`
	RequiresAPIKey  bool          `json:"requiresApiKey,omitempty"`
}

// ProviderSource is the slice of the LLM manager detection needs: which
// provider is active and which instances are initialized.
type ProviderSource interface {
	Active() string
	Provider(id string) (provider.Provider, bool)
}

const (
	cacheTTL     = 30 * time.Second
	probeTimeout = 3 * time.Second

	// HostCursor marks the Cursor IDE; it changes the report ordering.
	HostCursor = "cursor"
)

// Options tunes a Detector. Zero values pick the defaults.
type Options struct {
	TTL time.Duration
	// ProbeEndpoint is the local-server base URL probed when no instance
	// is configured. Defaults to the stock Ollama endpoint.
	ProbeEndpoint string
	// Host names the IDE the process runs inside; detected from the
	// environment when empty.
	Host   string
	Client *http.Client
}

// Detector builds provider status reports with a short-lived cache.
type Detector struct {
	registry *provider.Registry
	source   ProviderSource
	opts     Options

	mu       sync.Mutex
	cached   []ProviderStatus
	cachedAt time.Time

	// test seams
	now      func() time.Time
	lookPath func(string) (string, error)
}

// NewDetector wires a detector over the registry and the manager.
func NewDetector(registry *provider.Registry, source ProviderSource, opts Options) *Detector {
	if opts.TTL <= 0 {
		opts.TTL = cacheTTL
	}
	if opts.ProbeEndpoint == "" {
		opts.ProbeEndpoint = provider.DefaultOllamaEndpoint
	}
	if opts.Host == "" {
		opts.Host = detectHost()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: probeTimeout}
	}
	return &Detector{
		registry: registry,
		source:   source,
		opts:     opts,
		now:      time.Now,
		lookPath: exec.LookPath,
	}
}

func detectHost() string {
	if os.Getenv("CURSOR_TRACE_ID") != "" {
		return HostCursor
	}
	return ""
}

// DetectAll reports every registered provider, reusing a cached report
// while it is fresh.
func (d *Detector) DetectAll(ctx context.Context) []ProviderStatus {
	d.mu.Lock()
	if d.cached != nil && d.now().Sub(d.cachedAt) < d.opts.TTL {
		out := make([]ProviderStatus, len(d.cached))
		copy(out, d.cached)
		d.mu.Unlock()
		return out
	}
	d.mu.Unlock()

	metas := d.registry.ListAvailable()
	report := make([]ProviderStatus, 0, len(metas))
	for _, meta := range metas {
		report = append(report, d.status(ctx, meta))
	}
	d.order(report)

	d.mu.Lock()
	d.cached = report
	d.cachedAt = d.now()
	d.mu.Unlock()

	out := make([]ProviderStatus, len(report))
	copy(out, report)
	return out
}

// DetectOne probes a single provider, bypassing the cache.
func (d *Detector) DetectOne(ctx context.Context, id string) (ProviderStatus, error) {
	meta, ok := d.registry.GetMetadata(id)
	if !ok {
		return ProviderStatus{}, fmt.Errorf("unknown provider %q", id)
	}
	return d.status(ctx, meta), nil
}

// ClearCache forces the next DetectAll to re-probe.
func (d *Detector) ClearCache() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

func (d *Detector) status(ctx context.Context, meta provider.Metadata) ProviderStatus {
	st := ProviderStatus{
		ID:             meta.ID,
		Name:           meta.DisplayName,
		Type:           meta.Kind,
		Description:    meta.Description,
		RequiresAPIKey: meta.RequiresAuth,
	}

	instance, hasInstance := d.source.Provider(meta.ID)
	active := d.source.Active() == meta.ID

	switch {
	case active && hasInstance:
		if meta.Kind == provider.TypeLocal {
			if instance.IsAvailable(ctx) {
				st.Status = StatusConnected
				d.fillLocalModels(ctx, instance, &st)
			} else {
				st.Status = StatusNotRunning
			}
		} else {
			st.Status = StatusConnected
			st.Model = instance.Model()
		}

	case meta.Kind == provider.TypeCLI:
		if meta.Command == "" {
			st.Status = StatusNotDetected
		} else if _, err := d.lookPath(meta.Command); err != nil {
			st.Status = StatusNotDetected
		} else {
			st.Status = StatusAvailable
		}

	case meta.Kind == provider.TypeLocal:
		if hasInstance {
			if instance.IsAvailable(ctx) {
				st.Status = StatusAvailable
			} else {
				st.Status = StatusNotRunning
			}
		} else if d.probeLocal(ctx) {
			st.Status = StatusAvailable
		} else {
			st.Status = StatusNotRunning
		}

	case meta.RequiresAuth && !d.registry.HasSecret(ctx, meta.ID):
		st.Status = StatusNotConfigured

	default:
		st.Status = StatusAvailable
		if hasInstance {
			st.Model = instance.Model()
		}
	}

	return st
}

// fillLocalModels lists installed models on a connected local server and
// picks the configured one when it is still installed, the first otherwise.
func (d *Detector) fillLocalModels(ctx context.Context, instance provider.Provider, st *ProviderStatus) {
	models, err := instance.ListModels(ctx)
	if err != nil || len(models) == 0 {
		logging.DetectDebug("listing %s models failed: %v", st.ID, err)
		return
	}
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	st.AvailableModels = ids

	st.Model = ids[0]
	configured := instance.Model()
	for _, id := range ids {
		if id == configured {
			st.Model = configured
			break
		}
	}
}

// probeLocal checks the default local-server port directly, for the case
// where no instance has been configured yet.
func (d *Detector) probeLocal(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.opts.ProbeEndpoint+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// order sorts the report for the host IDE: the Cursor CLI leads inside
// Cursor, the in-process SDK provider leads elsewhere.
func (d *Detector) order(report []ProviderStatus) {
	rank := func(id string) int {
		var priority []string
		if d.opts.Host == HostCursor {
			priority = []string{provider.CursorCLIID, provider.OllamaID, provider.ClaudeCLIID, provider.GeminiID, provider.OpenRouterID}
		} else {
			priority = []string{provider.GeminiID, provider.OllamaID, provider.ClaudeCLIID, provider.CursorCLIID, provider.OpenRouterID}
		}
		for i, p := range priority {
			if p == id {
				return i
			}
		}
		return len(priority)
	}
	sort.SliceStable(report, func(i, j int) bool {
		ri, rj := rank(report[i].ID), rank(report[j].ID)
		if ri != rj {
			return ri < rj
		}
		return report[i].ID < report[j].ID
	})
}
