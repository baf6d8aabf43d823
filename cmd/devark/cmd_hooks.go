package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"devark/internal/hooks"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the hook drop-box and link prompts to responses",
	Long: `Runs the hook ingestion pipeline against ` + hooks.DropBoxDir() + `:
prompt and response files written there by IDE agents are parsed, filtered,
linked by conversation or session id, and removed. Runs until interrupted.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	snapshot := a.gateway.Snapshot()

	store := hooks.NewMemoryStore()
	pipeline := hooks.NewPipeline(store, hooks.Options{
		PollInterval:  snapshot.Hooks.PollInterval,
		GracePeriod:   snapshot.Hooks.GracePeriod,
		RetryAttempts: snapshot.Hooks.RetryAttempts,
		IgnorePaths:   snapshot.Hooks.IgnorePaths,
	})

	pipeline.On(hooks.EventPromptDetected, func(payload interface{}) {
		if record, ok := payload.(hooks.PromptRecord); ok {
			logger.Info("prompt detected",
				zap.String("source", record.Source),
				zap.String("id", record.ID))
		}
	})
	pipeline.On(hooks.EventResponseDetected, func(payload interface{}) {
		if record, ok := payload.(hooks.ResponseRecord); ok {
			logger.Info("response linked",
				zap.String("source", record.Source),
				zap.String("id", record.ID))
		}
	})

	if err := pipeline.Start(cmd.Context()); err != nil {
		return err
	}

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", hooks.DropBoxDir())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-cmd.Context().Done():
	}

	pipeline.Stop()
	fmt.Printf("Stopped. %d prompt(s) ingested this run.\n", store.Len())
	return nil
}
