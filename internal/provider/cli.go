package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"devark/internal/hooks"
	"devark/internal/logging"
	"devark/internal/streamparse"
)

// Output formats a CLI backend can produce.
const (
	OutputStreamJSON = "stream-json"
	OutputJSON       = "json"
	OutputText       = "text"
)

// Prompt delivery mechanisms.
const (
	DeliverStdin    = "stdin"
	DeliverArgument = "argument"
)

const defaultCLITimeout = 2 * time.Minute

// CLIOptions configures a CLI-backed provider.
type CLIOptions struct {
	ID          string
	DisplayName string
	Command     string
	// BaseArgs are passed on every invocation, before the prompt.
	BaseArgs []string
	Model    string
	// ModelFlag, when set, passes the model as "<flag> <model>".
	ModelFlag string
	// SystemPromptFlag, when set, passes the system prompt as a flag value.
	// Without it the system prompt is prepended to the prompt text.
	SystemPromptFlag string
	OutputFormat     string
	PromptDelivery   string
	// Env entries are appended to the inherited environment.
	Env     []string
	Timeout time.Duration
	// ListModelsArgs runs the binary in model-listing mode. Empty disables
	// dynamic listing and StaticModels is returned directly.
	ListModelsArgs []string
	StaticModels   []ModelInfo
	// PrepareRun, when set, picks the working directory for one invocation
	// and returns extra args plus a cleanup hook.
	PrepareRun func(ctx context.Context, req CompletionRequest) (*RunContext, error)
}

// RunContext is per-invocation state produced by PrepareRun.
type RunContext struct {
	Dir       string
	ExtraArgs []string
	Cleanup   func()
}

// CLI implements Provider by driving a local command-line binary. Output is
// consumed in the configured format; stream-json goes through the stream
// parser so interleaved tool noise never corrupts the result.
type CLI struct {
	opts CLIOptions
}

// NewCLI creates a CLI provider, filling option defaults.
func NewCLI(opts CLIOptions) *CLI {
	if opts.OutputFormat == "" {
		opts.OutputFormat = OutputText
	}
	if opts.PromptDelivery == "" {
		opts.PromptDelivery = DeliverStdin
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCLITimeout
	}
	return &CLI{opts: opts}
}

// ID implements Provider.
func (c *CLI) ID() string { return c.opts.ID }

// Type implements Provider.
func (c *CLI) Type() Type { return TypeCLI }

// Model implements Provider.
func (c *CLI) Model() string { return c.opts.Model }

// Command returns the binary this provider drives.
func (c *CLI) Command() string { return c.opts.Command }

// Capabilities implements Provider.
func (c *CLI) Capabilities() Capabilities {
	return Capabilities{
		Streaming:    c.opts.OutputFormat == OutputStreamJSON || c.opts.OutputFormat == OutputText,
		ModelListing: len(c.opts.ListModelsArgs) > 0 || len(c.opts.StaticModels) > 0,
	}
}

// IsAvailable implements Provider with a PATH lookup.
func (c *CLI) IsAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(c.opts.Command)
	return err == nil
}

// TestConnection implements Provider: a PATH check followed by a minimal
// live prompt, so auth and network problems show up here rather than on the
// first real request.
func (c *CLI) TestConnection(ctx context.Context) TestConnectionResult {
	if _, err := exec.LookPath(c.opts.Command); err != nil {
		return TestConnectionResult{
			Success: false,
			Error:   fmt.Sprintf("%s not found in PATH; install it and restart", c.opts.Command),
		}
	}

	resp := c.GenerateCompletion(ctx, CompletionRequest{Prompt: "Reply with the single word: ok", MaxTokens: 16})
	if resp.Error != "" {
		return TestConnectionResult{Success: false, Error: resp.Error}
	}
	return TestConnectionResult{
		Success: true,
		Details: &ConnectionDetails{Endpoint: c.opts.Command},
	}
}

// ListModels implements Provider. Dynamic listing output is tried as NDJSON
// objects, then as "id: name" lines; the curated static list is the fallback.
func (c *CLI) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if len(c.opts.ListModelsArgs) == 0 {
		return c.opts.StaticModels, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.opts.Command, c.opts.ListModelsArgs...)
	cmd.Env = append(os.Environ(), c.opts.Env...)
	out, err := cmd.Output()
	if err != nil {
		logging.ProvidersDebug("%s: model listing failed (%v), using static list", c.opts.ID, err)
		return c.opts.StaticModels, nil
	}

	if models := parseModelListing(out); len(models) > 0 {
		return models, nil
	}
	return c.opts.StaticModels, nil
}

func parseModelListing(out []byte) []ModelInfo {
	var models []ModelInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var entry struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			}
			if json.Unmarshal([]byte(line), &entry) == nil && entry.ID != "" {
				name := entry.Name
				if name == "" {
					name = entry.ID
				}
				models = append(models, ModelInfo{ID: entry.ID, Name: name, SupportsStreaming: true})
			}
			continue
		}
		if id, name, ok := strings.Cut(line, ":"); ok {
			id, name = strings.TrimSpace(id), strings.TrimSpace(name)
			if id != "" && !strings.Contains(id, " ") {
				models = append(models, ModelInfo{ID: id, Name: name, SupportsStreaming: true})
			}
		}
	}
	return models
}

// defaultWorkDir is the invocation cwd: the hook drop-box itself, so the
// CLI's own hook emissions carry a path the ingestion filter drops (loop
// prevention).
func defaultWorkDir() string {
	dir := hooks.DropBoxDir()
	os.MkdirAll(dir, 0o755)
	return dir
}

func (c *CLI) buildArgs(req CompletionRequest, run *RunContext) ([]string, string) {
	args := append([]string{}, c.opts.BaseArgs...)

	model := req.Model
	if model == "" {
		model = c.opts.Model
	}
	if model != "" && c.opts.ModelFlag != "" {
		args = append(args, c.opts.ModelFlag, model)
	}

	prompt := req.Prompt
	if req.SystemPrompt != "" {
		if c.opts.SystemPromptFlag != "" {
			args = append(args, c.opts.SystemPromptFlag, req.SystemPrompt)
		} else {
			prompt = req.SystemPrompt + "\n\n" + prompt
		}
	}

	if run != nil {
		args = append(args, run.ExtraArgs...)
	}
	if c.opts.PromptDelivery == DeliverArgument {
		args = append(args, prompt)
	}
	return args, prompt
}

// cliRunError converts a failed invocation into an actionable message using
// stderr classification.
func (c *CLI) cliRunError(err error, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	kind := ClassifyStderr(stderr)
	suggestion := SuggestionFor(kind, c.opts.Command)

	detail := truncate(stderr, 400)
	if detail == "" {
		detail = err.Error()
	}
	if suggestion != "" {
		return fmt.Sprintf("%s failed: %s (%s)", c.opts.Command, detail, suggestion)
	}
	return fmt.Sprintf("%s failed: %s", c.opts.Command, detail)
}

// GenerateCompletion implements Provider by running the binary to completion
// and extracting the result per the configured output format.
func (c *CLI) GenerateCompletion(ctx context.Context, req CompletionRequest) CompletionResponse {
	out := CompletionResponse{Provider: c.opts.ID, Model: c.resolvedModel(req), Timestamp: time.Now()}

	run, err := c.prepare(ctx, req)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if run.Cleanup != nil {
		defer run.Cleanup()
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	args, prompt := c.buildArgs(req, run)
	cmd := exec.CommandContext(ctx, c.opts.Command, args...)
	cmd.Dir = run.Dir
	cmd.Env = append(os.Environ(), c.opts.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.opts.PromptDelivery == DeliverStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	start := time.Now()
	logging.ProvidersDebug("%s: running %s with %d args", c.opts.ID, c.opts.Command, len(args))

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			out.Error = fmt.Sprintf("%s timed out after %v", c.opts.Command, c.opts.Timeout)
			return out
		}
		out.Error = c.cliRunError(err, stderr.String())
		return out
	}

	switch c.opts.OutputFormat {
	case OutputStreamJSON, OutputJSON:
		parser := streamparse.NewParser()
		events := parser.ParseChunk(stdout.String())
		events = append(events, parser.Flush()...)

		text := streamparse.ExtractResult(events)
		if text == "" {
			out.Error = fmt.Sprintf("%s produced no extractable result", c.opts.Command)
			return out
		}
		out.Text = text
		c.applyResultEvent(&out, events)
	default:
		out.Text = strings.TrimSpace(stdout.String())
	}

	logging.Providers("%s: completed in %v response_len=%d", c.opts.ID, time.Since(start), len(out.Text))
	return out
}

// applyResultEvent copies cost and session details from a terminal result
// event when the backend emits one.
func (c *CLI) applyResultEvent(out *CompletionResponse, events []streamparse.Event) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Type != "result" {
			continue
		}
		if ev.TotalCostUSD > 0 {
			out.Cost = &Cost{Amount: ev.TotalCostUSD, Currency: "USD"}
		}
		return
	}
}

func (c *CLI) resolvedModel(req CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.opts.Model
}

func (c *CLI) prepare(ctx context.Context, req CompletionRequest) (*RunContext, error) {
	if c.opts.PrepareRun != nil {
		return c.opts.PrepareRun(ctx, req)
	}
	return &RunContext{Dir: defaultWorkDir()}, nil
}

// StreamCompletion implements Provider. stream-json output is fed through
// the stream parser line by line; text output is forwarded as raw chunks.
func (c *CLI) StreamCompletion(ctx context.Context, req CompletionRequest) <-chan StreamChunk {
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)

		model := c.resolvedModel(req)
		fail := func(msg string) {
			select {
			case out <- StreamChunk{IsComplete: true, Model: model, Provider: c.opts.ID, Error: msg}:
			case <-ctx.Done():
			}
		}

		run, err := c.prepare(ctx, req)
		if err != nil {
			fail(err.Error())
			return
		}
		if run.Cleanup != nil {
			defer run.Cleanup()
		}

		runCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		args, prompt := c.buildArgs(req, run)
		cmd := exec.CommandContext(runCtx, c.opts.Command, args...)
		cmd.Dir = run.Dir
		cmd.Env = append(os.Environ(), c.opts.Env...)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if c.opts.PromptDelivery == DeliverStdin {
			cmd.Stdin = strings.NewReader(prompt)
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			fail(fmt.Sprintf("failed to open stdout pipe: %v", err))
			return
		}

		if err := cmd.Start(); err != nil {
			fail(c.cliRunError(err, stderr.String()))
			return
		}

		terminal := StreamChunk{IsComplete: true, Model: model, Provider: c.opts.ID}

		switch c.opts.OutputFormat {
		case OutputStreamJSON:
			c.streamEvents(runCtx, stdout, model, out, &terminal)
		default:
			c.streamRaw(runCtx, stdout, model, out)
		}

		if err := cmd.Wait(); err != nil {
			if runCtx.Err() == context.DeadlineExceeded {
				terminal.Error = fmt.Sprintf("%s timed out after %v", c.opts.Command, c.opts.Timeout)
			} else {
				terminal.Error = c.cliRunError(err, stderr.String())
			}
		}

		select {
		case out <- terminal:
		case <-ctx.Done():
		}
	}()

	return out
}

// streamEvents parses stream-json stdout incrementally, forwarding assistant
// text as chunks and folding the result event into the terminal chunk.
func (c *CLI) streamEvents(ctx context.Context, r io.Reader, model string, out chan<- StreamChunk, terminal *StreamChunk) {
	parser := streamparse.NewParser()
	buf := make([]byte, 32*1024)

	deliver := func(events []streamparse.Event) bool {
		for _, ev := range events {
			for _, text := range streamparse.EventText(ev) {
				select {
				case out <- StreamChunk{Text: text, Model: model, Provider: c.opts.ID}:
				case <-ctx.Done():
					return false
				}
			}
			if ev.Type == "result" && ev.TotalCostUSD > 0 {
				terminal.Cost = &Cost{Amount: ev.TotalCostUSD, Currency: "USD"}
			}
		}
		return true
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !deliver(parser.ParseChunk(string(buf[:n]))) {
				return
			}
		}
		if err != nil {
			deliver(parser.Flush())
			return
		}
	}
}

// streamRaw forwards stdout bytes as chunks without interpretation.
func (c *CLI) streamRaw(ctx context.Context, r io.Reader, model string, out chan<- StreamChunk) {
	buf := make([]byte, 4*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- StreamChunk{Text: string(buf[:n]), Model: model, Provider: c.opts.ID}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}
