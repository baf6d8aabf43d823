package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newOllamaTestServer(t *testing.T, handler http.HandlerFunc) *Ollama {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewOllama(Config{"endpoint": srv.URL})
	if err != nil {
		t.Fatalf("NewOllama failed: %v", err)
	}
	return p.(*Ollama)
}

func TestOllamaTestConnection(t *testing.T) {
	p := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			fmt.Fprint(w, `{"version":"0.5.1"}`)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3:8b","details":{"family":"llama","parameter_size":"8B"}}]}`)
		default:
			http.NotFound(w, r)
		}
	})

	result := p.TestConnection(context.Background())
	if !result.Success {
		t.Fatalf("TestConnection failed: %s", result.Error)
	}
	if result.Details.Version != "0.5.1" {
		t.Errorf("Version = %q, want 0.5.1", result.Details.Version)
	}
	if result.Details.ModelsAvailable != 1 {
		t.Errorf("ModelsAvailable = %d, want 1", result.Details.ModelsAvailable)
	}
}

func TestOllamaConnectionRefused(t *testing.T) {
	p, err := NewOllama(Config{"endpoint": "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewOllama failed: %v", err)
	}

	result := p.TestConnection(context.Background())
	if result.Success {
		t.Fatal("expected failure against a closed port")
	}
	if !strings.Contains(result.Error, "Is Ollama running") {
		t.Errorf("error %q lacks the remediation hint", result.Error)
	}
}

func TestOllamaModelCatalogEnrichment(t *testing.T) {
	p := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"mistral:7b"},{"name":"unheard-of:1b"}]}`)
	})

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[0].Description == "" || models[0].ContextLength == 0 {
		t.Errorf("known family not enriched: %+v", models[0])
	}
	if models[1].Description != "" {
		t.Errorf("unknown family unexpectedly enriched: %+v", models[1])
	}
}

func TestOllamaGenerateCompletion(t *testing.T) {
	p := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"response":"hello world","done":true,"prompt_eval_count":10,"eval_count":4}`)
	})

	resp := p.GenerateCompletion(context.Background(), CompletionRequest{Prompt: "hi", Model: "llama3"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.Text != "hello world" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 14 {
		t.Errorf("Usage = %+v, want total 14", resp.Usage)
	}
	if resp.Cost != nil {
		t.Error("local provider must not report cost")
	}
}

func TestOllamaModelNotFound(t *testing.T) {
	p := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	resp := p.GenerateCompletion(context.Background(), CompletionRequest{Prompt: "hi", Model: "missing"})
	if resp.Error == "" {
		t.Fatal("expected an error for a missing model")
	}
	if !strings.Contains(resp.Error, "ollama pull missing") {
		t.Errorf("error %q lacks the pull remediation", resp.Error)
	}
}

func TestOllamaAutoDetectModel(t *testing.T) {
	var tagCalls int
	p := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			tagCalls++
			fmt.Fprint(w, `{"models":[{"name":"qwen2.5:7b"},{"name":"llama3:8b"}]}`)
		case "/api/generate":
			fmt.Fprint(w, `{"response":"ok","done":true}`)
		default:
			http.NotFound(w, r)
		}
	})

	for i := 0; i < 2; i++ {
		resp := p.GenerateCompletion(context.Background(), CompletionRequest{Prompt: "hi"})
		if resp.Error != "" {
			t.Fatalf("unexpected error: %s", resp.Error)
		}
		if resp.Model != "qwen2.5:7b" {
			t.Errorf("Model = %q, want first installed model", resp.Model)
		}
	}
	if tagCalls != 1 {
		t.Errorf("tags fetched %d times, want 1 (cached)", tagCalls)
	}
}

func TestOllamaEmptyServer(t *testing.T) {
	p := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	})

	resp := p.GenerateCompletion(context.Background(), CompletionRequest{Prompt: "hi"})
	if !strings.Contains(resp.Error, "ollama pull") {
		t.Errorf("error %q lacks the install hint", resp.Error)
	}
}

func TestOllamaStreamCompletion(t *testing.T) {
	p := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"hel","done":false}`+"\n")
		fmt.Fprint(w, "not json noise\n")
		fmt.Fprint(w, `{"response":"lo","done":false}`+"\n")
		fmt.Fprint(w, `{"response":"","done":true,"prompt_eval_count":3,"eval_count":2}`+"\n")
	})

	var text strings.Builder
	var terminal StreamChunk
	for chunk := range p.StreamCompletion(context.Background(), CompletionRequest{Prompt: "hi", Model: "llama3"}) {
		if chunk.IsComplete {
			terminal = chunk
			continue
		}
		text.WriteString(chunk.Text)
	}

	if terminal.Error != "" {
		t.Fatalf("terminal error: %s", terminal.Error)
	}
	if text.String() != "hello" {
		t.Errorf("streamed text = %q, want hello", text.String())
	}
	if terminal.Usage == nil || terminal.Usage.TotalTokens != 5 {
		t.Errorf("terminal usage = %+v, want total 5", terminal.Usage)
	}
}
