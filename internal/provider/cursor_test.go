package provider

import (
	"strings"
	"testing"
	"time"
)

func TestCursorCLIConfig(t *testing.T) {
	p, err := NewCursorCLI(Config{"model": "sonnet-4.5", "timeout": float64(45)})
	if err != nil {
		t.Fatalf("NewCursorCLI failed: %v", err)
	}
	if p.Model() != "sonnet-4.5" {
		t.Errorf("Model = %q, want sonnet-4.5", p.Model())
	}

	cli := p.(*CLI)
	if cli.opts.Timeout != 45*time.Second {
		t.Errorf("Timeout = %v, want 45s", cli.opts.Timeout)
	}
	joined := strings.Join(cli.opts.BaseArgs, " ")
	if !strings.Contains(joined, "--output-format") {
		t.Errorf("BaseArgs %v missing --output-format", cli.opts.BaseArgs)
	}
}

func TestCursorCLIDefaultTimeout(t *testing.T) {
	p, err := NewCursorCLI(Config{})
	if err != nil {
		t.Fatalf("NewCursorCLI failed: %v", err)
	}

	cli := p.(*CLI)
	if cli.opts.Timeout != defaultCLITimeout {
		t.Errorf("Timeout = %v, want the default %v", cli.opts.Timeout, defaultCLITimeout)
	}
	if cli.opts.Model != "auto" {
		t.Errorf("Model = %q, want auto", cli.opts.Model)
	}
}
