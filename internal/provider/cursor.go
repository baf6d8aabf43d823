package provider

import "time"

// CursorCLIID is the registry id of the Cursor agent CLI provider.
const CursorCLIID = "cursor-cli"

var cursorStaticModels = []ModelInfo{
	{ID: "auto", Name: "Auto", Description: "Cursor picks the model", SupportsStreaming: true},
	{ID: "sonnet-4.5", Name: "Claude Sonnet 4.5", SupportsStreaming: true},
	{ID: "gpt-5", Name: "GPT-5", SupportsStreaming: true},
	{ID: "grok", Name: "Grok", SupportsStreaming: true},
}

// CursorCLIMetadata describes the provider for the registry.
func CursorCLIMetadata() Metadata {
	return Metadata{
		ID:                CursorCLIID,
		DisplayName:       "Cursor CLI",
		Description:       "cursor-agent command line (uses your Cursor login)",
		Kind:              TypeCLI,
		Command:           "cursor-agent",
		RequiresAuth:      false,
		SupportsStreaming: true,
		ConfigSchema: map[string]ConfigField{
			"model":   {Type: FieldString, Default: "auto", Description: "Model alias"},
			"timeout": {Type: FieldNumber, Description: "Per-query timeout in seconds"},
		},
	}
}

// NewCursorCLI creates the Cursor agent CLI provider. The binary delivers
// stream-json output; prompts go in as the final argument because its stdin
// handling is unreliable under --print.
func NewCursorCLI(cfg Config) (Provider, error) {
	var timeout time.Duration
	if v, ok := cfg["timeout"]; ok {
		if secs, ok := v.(float64); ok && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	return NewCLI(CLIOptions{
		ID:             CursorCLIID,
		DisplayName:    "Cursor CLI",
		Command:        "cursor-agent",
		BaseArgs:       []string{"--print", "--output-format", OutputStreamJSON},
		Model:          cfg.GetString("model", "auto"),
		ModelFlag:      "--model",
		OutputFormat:   OutputStreamJSON,
		PromptDelivery: DeliverArgument,
		Timeout:        timeout,
		ListModelsArgs: []string{"models"},
		StaticModels:   cursorStaticModels,
	}), nil
}
