package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"devark/internal/config"
	"devark/internal/detect"
	"devark/internal/llm"
	"devark/internal/logging"
	"devark/internal/provider"
	"devark/internal/usage"
)

var (
	// Global flags
	verbose    bool
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "devark",
	Short: "devark - local-first LLM copilot core",
	Long: `devark routes completions to whichever LLM backend this machine has:
a local Ollama server, the Claude or Cursor CLIs, the Gemini SDK, or the
OpenRouter gateway.

It also watches the hook drop-box for prompt/response records written by
IDE agents and links them into sessions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(config.DefaultDir()); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// app bundles the wired component graph behind the commands.
type app struct {
	gateway  *config.Gateway
	registry *provider.Registry
	manager  *llm.Manager
	tracker  *usage.Tracker
	detector *detect.Detector
}

func buildApp(cmd *cobra.Command) (*app, error) {
	globalPath := configPath
	if globalPath == "" {
		globalPath = config.DefaultPath()
	}
	workspacePath := ""
	if wd, err := os.Getwd(); err == nil {
		candidate := filepath.Join(wd, ".devark", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			workspacePath = candidate
		}
	}

	gateway, err := config.NewGateway(globalPath, workspacePath)
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry(provider.EnvSecretStore{})
	if err := provider.RegisterAll(registry); err != nil {
		return nil, err
	}

	tracker, err := usage.NewTracker(config.DefaultDir())
	if err != nil {
		logger.Warn("usage tracking disabled", zap.Error(err))
	}

	manager, err := llm.NewManager(gateway, registry, tracker)
	if err != nil {
		return nil, err
	}

	return &app{
		gateway:  gateway,
		registry: registry,
		manager:  manager,
		tracker:  tracker,
		detector: detect.NewDetector(registry, manager, detect.Options{}),
	}, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.devark/config.yaml)")

	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
