package detect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"devark/internal/provider"
)

type fakeProvider struct {
	id        string
	kind      provider.Type
	model     string
	available bool
	models    []provider.ModelInfo
}

func (f *fakeProvider) ID() string                          { return f.id }
func (f *fakeProvider) Type() provider.Type                 { return f.kind }
func (f *fakeProvider) Model() string                       { return f.model }
func (f *fakeProvider) Capabilities() provider.Capabilities { return provider.Capabilities{} }
func (f *fakeProvider) IsAvailable(context.Context) bool    { return f.available }
func (f *fakeProvider) TestConnection(context.Context) provider.TestConnectionResult {
	return provider.TestConnectionResult{Success: f.available}
}
func (f *fakeProvider) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return f.models, nil
}
func (f *fakeProvider) GenerateCompletion(context.Context, provider.CompletionRequest) provider.CompletionResponse {
	return provider.CompletionResponse{}
}
func (f *fakeProvider) StreamCompletion(context.Context, provider.CompletionRequest) <-chan provider.StreamChunk {
	ch := make(chan provider.StreamChunk)
	close(ch)
	return ch
}

type fakeSource struct {
	active    string
	instances map[string]provider.Provider
}

func (s *fakeSource) Active() string { return s.active }
func (s *fakeSource) Provider(id string) (provider.Provider, bool) {
	p, ok := s.instances[id]
	return p, ok
}

func newTestRegistry(t *testing.T, secrets provider.SecretStore) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry(secrets)
	if err := provider.RegisterAll(r); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return r
}

func newTestDetector(t *testing.T, source *fakeSource, opts Options, secrets provider.SecretStore) *Detector {
	t.Helper()
	if opts.Host == "" {
		opts.Host = "terminal"
	}
	d := NewDetector(newTestRegistry(t, secrets), source, opts)
	// Nothing on PATH unless a test overrides this.
	d.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	return d
}

func TestDetectOneCLI(t *testing.T) {
	source := &fakeSource{instances: map[string]provider.Provider{}}
	d := newTestDetector(t, source, Options{ProbeEndpoint: "http://127.0.0.1:1"}, nil)

	st, err := d.DetectOne(context.Background(), provider.ClaudeCLIID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusNotDetected {
		t.Errorf("missing binary: status = %s, want %s", st.Status, StatusNotDetected)
	}

	d.lookPath = func(string) (string, error) { return "/usr/bin/claude", nil }
	st, _ = d.DetectOne(context.Background(), provider.ClaudeCLIID)
	if st.Status != StatusAvailable {
		t.Errorf("binary on PATH: status = %s, want %s", st.Status, StatusAvailable)
	}
	if st.Type != provider.TypeCLI {
		t.Errorf("type = %s, want cli", st.Type)
	}
}

func TestDetectLocalServerUnconfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" {
			t.Errorf("probe hit %s", r.URL.Path)
		}
		w.Write([]byte(`{"version":"0.5.1"}`))
	}))
	defer srv.Close()

	source := &fakeSource{instances: map[string]provider.Provider{}}
	d := newTestDetector(t, source, Options{ProbeEndpoint: srv.URL}, nil)

	st, _ := d.DetectOne(context.Background(), provider.OllamaID)
	if st.Status != StatusAvailable {
		t.Errorf("running server: status = %s, want %s", st.Status, StatusAvailable)
	}

	srv.Close()
	st, _ = d.DetectOne(context.Background(), provider.OllamaID)
	if st.Status != StatusNotRunning {
		t.Errorf("stopped server: status = %s, want %s", st.Status, StatusNotRunning)
	}
}

func TestDetectActiveLocalServer(t *testing.T) {
	inst := &fakeProvider{
		id: provider.OllamaID, kind: provider.TypeLocal, model: "m2", available: true,
		models: []provider.ModelInfo{{ID: "m1"}, {ID: "m2"}},
	}
	source := &fakeSource{
		active:    provider.OllamaID,
		instances: map[string]provider.Provider{provider.OllamaID: inst},
	}
	d := newTestDetector(t, source, Options{ProbeEndpoint: "http://127.0.0.1:1"}, nil)

	st, _ := d.DetectOne(context.Background(), provider.OllamaID)
	if st.Status != StatusConnected {
		t.Fatalf("status = %s, want connected", st.Status)
	}
	if st.Model != "m2" {
		t.Errorf("configured model must win while installed, got %q", st.Model)
	}
	if len(st.AvailableModels) != 2 {
		t.Errorf("availableModels = %v", st.AvailableModels)
	}

	// Configured model gone: fall back to the first installed one.
	inst.model = "gone"
	st, _ = d.DetectOne(context.Background(), provider.OllamaID)
	if st.Model != "m1" {
		t.Errorf("fallback model = %q, want m1", st.Model)
	}

	// Version check failing downgrades the active server.
	inst.available = false
	st, _ = d.DetectOne(context.Background(), provider.OllamaID)
	if st.Status != StatusNotRunning {
		t.Errorf("status = %s, want not-running", st.Status)
	}
}

func TestDetectCloudCredentials(t *testing.T) {
	source := &fakeSource{instances: map[string]provider.Provider{}}

	d := newTestDetector(t, source, Options{ProbeEndpoint: "http://127.0.0.1:1"}, provider.StaticSecretStore{})
	st, _ := d.DetectOne(context.Background(), provider.OpenRouterID)
	if st.Status != StatusNotConfigured {
		t.Errorf("no key: status = %s, want %s", st.Status, StatusNotConfigured)
	}
	if !st.RequiresAPIKey {
		t.Error("cloud gateway must report requiresApiKey")
	}

	d = newTestDetector(t, source, Options{ProbeEndpoint: "http://127.0.0.1:1"},
		provider.StaticSecretStore{provider.OpenRouterID: "sk-or-x", provider.GeminiID: "g-x"})
	st, _ = d.DetectOne(context.Background(), provider.OpenRouterID)
	if st.Status != StatusAvailable {
		t.Errorf("key present: status = %s, want %s", st.Status, StatusAvailable)
	}
	st, _ = d.DetectOne(context.Background(), provider.GeminiID)
	if st.Status != StatusAvailable {
		t.Errorf("sdk with key: status = %s, want %s", st.Status, StatusAvailable)
	}
}

func TestDetectAllCachesWithinTTL(t *testing.T) {
	source := &fakeSource{instances: map[string]provider.Provider{}}
	d := newTestDetector(t, source, Options{ProbeEndpoint: "http://127.0.0.1:1"}, nil)

	var probes int
	d.lookPath = func(string) (string, error) {
		probes++
		return "", errors.New("not found")
	}
	base := time.Now()
	d.now = func() time.Time { return base }

	d.DetectAll(context.Background())
	first := probes
	d.DetectAll(context.Background())
	if probes != first {
		t.Error("second DetectAll within TTL must reuse the cache")
	}

	d.ClearCache()
	d.DetectAll(context.Background())
	if probes == first {
		t.Error("ClearCache must force re-probing")
	}

	probes = 0
	d.now = func() time.Time { return base.Add(cacheTTL + time.Second) }
	d.DetectAll(context.Background())
	if probes == 0 {
		t.Error("expired cache must re-probe")
	}
}

func TestDetectAllOrdering(t *testing.T) {
	source := &fakeSource{instances: map[string]provider.Provider{}}

	d := newTestDetector(t, source, Options{ProbeEndpoint: "http://127.0.0.1:1", Host: HostCursor}, nil)
	report := d.DetectAll(context.Background())
	if len(report) == 0 || report[0].ID != provider.CursorCLIID {
		t.Errorf("on Cursor the cursor CLI leads, got %s", report[0].ID)
	}

	d = newTestDetector(t, source, Options{ProbeEndpoint: "http://127.0.0.1:1", Host: "terminal"}, nil)
	report = d.DetectAll(context.Background())
	if len(report) == 0 || report[0].ID != provider.GeminiID {
		t.Errorf("outside Cursor the SDK provider leads, got %s", report[0].ID)
	}
}
