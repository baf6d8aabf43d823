package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"devark/internal/logging"
)

// ClaudeCLIID is the registry id of the Claude Code CLI provider.
const ClaudeCLIID = "claude-cli"

const claudeCLITimeout = 5 * time.Minute

// Tools the analysis run must never use. Queries are read-only text
// completions; any agentic side effect in a user workspace is a bug.
var claudeDisallowedTools = []string{
	"Bash", "Edit", "Write", "NotebookEdit",
	"WebFetch", "WebSearch", "Task", "KillShell",
}

var claudeStaticModels = []ModelInfo{
	{ID: "sonnet", Name: "Claude Sonnet", Description: "Balanced speed and quality", SupportsStreaming: true},
	{ID: "opus", Name: "Claude Opus", Description: "Highest quality", SupportsStreaming: true},
	{ID: "haiku", Name: "Claude Haiku", Description: "Fastest", SupportsStreaming: true},
}

// ClaudeCLIMetadata describes the provider for the registry.
func ClaudeCLIMetadata() Metadata {
	return Metadata{
		ID:                ClaudeCLIID,
		DisplayName:       "Claude CLI",
		Description:       "Claude Code command line (uses your existing login)",
		Kind:              TypeCLI,
		Command:           "claude",
		RequiresAuth:      false,
		SupportsStreaming: true,
		ConfigSchema: map[string]ConfigField{
			"model":   {Type: FieldString, Default: "sonnet", Description: "Model alias or full id"},
			"timeout": {Type: FieldNumber, Description: "Per-query timeout in seconds"},
		},
	}
}

// NewClaudeCLI creates the Claude CLI provider. Every query runs in a fresh
// scratch directory so the binary cannot read or write a real project, and
// both the scratch directory and the per-project state it leaves behind are
// removed afterwards.
func NewClaudeCLI(cfg Config) (Provider, error) {
	timeout := claudeCLITimeout
	if v, ok := cfg["timeout"]; ok {
		if secs, ok := v.(float64); ok && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	return NewCLI(CLIOptions{
		ID:          ClaudeCLIID,
		DisplayName: "Claude CLI",
		Command:     "claude",
		BaseArgs: []string{
			"--print",
			"--output-format", OutputStreamJSON,
			"--verbose",
			"--max-turns", "1",
			"--setting-sources", "",
		},
		Model:            cfg.GetString("model", "sonnet"),
		ModelFlag:        "--model",
		SystemPromptFlag: "--append-system-prompt",
		OutputFormat:     OutputStreamJSON,
		PromptDelivery:   DeliverStdin,
		Timeout:          timeout,
		StaticModels:     claudeStaticModels,
		PrepareRun:       prepareClaudeRun,
	}), nil
}

func prepareClaudeRun(ctx context.Context, req CompletionRequest) (*RunContext, error) {
	dir, err := newClaudeScratchDir()
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %v", err)
	}

	args := make([]string, 0, 2*len(claudeDisallowedTools))
	for _, tool := range claudeDisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}

	return &RunContext{
		Dir:       dir,
		ExtraArgs: args,
		Cleanup:   func() { cleanupClaudeScratch(dir) },
	}, nil
}

func newClaudeScratchDir() (string, error) {
	name := fmt.Sprintf("devark-analysis-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
	dir := filepath.Join(os.TempDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

var claudeProjectKeySeparators = regexp.MustCompile(`[:\\/]`)

// cleanupClaudeScratch removes the scratch directory and the per-project
// state folder the claude binary keys off the working directory. The cwd is
// resolved through symlinks first; on macOS /tmp is a link to /private/tmp
// and the state folder is keyed by the resolved path.
func cleanupClaudeScratch(dir string) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = dir
	}

	if err := os.RemoveAll(dir); err != nil {
		logging.ProvidersDebug("claude-cli: failed to remove scratch dir %s: %v", dir, err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	key := claudeProjectKeySeparators.ReplaceAllString(resolved, "-")
	stateDir := filepath.Join(home, ".claude", "projects", key)
	if err := os.RemoveAll(stateDir); err != nil {
		logging.ProvidersDebug("claude-cli: failed to remove project state %s: %v", stateDir, err)
	}
}
