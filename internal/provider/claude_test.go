package provider

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestPrepareClaudeRunScratchDir(t *testing.T) {
	run, err := prepareClaudeRun(context.Background(), CompletionRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("prepareClaudeRun failed: %v", err)
	}

	if !strings.Contains(run.Dir, "devark-analysis-") {
		t.Errorf("Dir = %q, want a scratch analysis directory", run.Dir)
	}
	if info, err := os.Stat(run.Dir); err != nil || !info.IsDir() {
		t.Fatalf("scratch dir was not created: %v", err)
	}

	run2, err := prepareClaudeRun(context.Background(), CompletionRequest{Prompt: "y"})
	if err != nil {
		t.Fatalf("second prepareClaudeRun failed: %v", err)
	}
	if run2.Dir == run.Dir {
		t.Error("consecutive queries must get distinct scratch directories")
	}

	run.Cleanup()
	run2.Cleanup()
	if _, err := os.Stat(run.Dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s survived cleanup", run.Dir)
	}
}

func TestPrepareClaudeRunDisallowsTools(t *testing.T) {
	run, err := prepareClaudeRun(context.Background(), CompletionRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("prepareClaudeRun failed: %v", err)
	}
	defer run.Cleanup()

	joined := strings.Join(run.ExtraArgs, " ")
	for _, tool := range []string{"Bash", "Edit", "Write"} {
		if !strings.Contains(joined, "--disallowedTools "+tool) {
			t.Errorf("ExtraArgs missing --disallowedTools %s", tool)
		}
	}
}

func TestClaudeCLIConfig(t *testing.T) {
	p, err := NewClaudeCLI(Config{"model": "opus", "timeout": float64(30)})
	if err != nil {
		t.Fatalf("NewClaudeCLI failed: %v", err)
	}
	if p.Model() != "opus" {
		t.Errorf("Model = %q, want opus", p.Model())
	}
	if p.Type() != TypeCLI {
		t.Errorf("Type = %v, want cli", p.Type())
	}

	cli := p.(*CLI)
	joined := strings.Join(cli.opts.BaseArgs, " ")
	if !strings.Contains(joined, "--max-turns 1") {
		t.Errorf("BaseArgs %v missing --max-turns 1", cli.opts.BaseArgs)
	}
	if !strings.Contains(joined, "--setting-sources") {
		t.Errorf("BaseArgs %v missing --setting-sources", cli.opts.BaseArgs)
	}
}
