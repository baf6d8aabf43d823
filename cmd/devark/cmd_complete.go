package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"devark/internal/provider"
)

var (
	completeModel     string
	completeSystem    string
	completeMaxTokens int
	completeStream    bool
	completeFeature   string
)

var completeCmd = &cobra.Command{
	Use:   "complete [prompt]",
	Short: "Run one completion through the active provider",
	Long: `Sends a prompt through the manager: the text is sanitized, routed to the
active provider (or a per-feature override with --feature), and the usage is
recorded. With --stream the chunks are printed as they arrive.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runComplete,
}

func init() {
	completeCmd.Flags().StringVar(&completeModel, "model", "", "override the configured model")
	completeCmd.Flags().StringVar(&completeSystem, "system", "", "system prompt")
	completeCmd.Flags().IntVar(&completeMaxTokens, "max-tokens", 0, "completion token cap")
	completeCmd.Flags().BoolVar(&completeStream, "stream", false, "stream the response")
	completeCmd.Flags().StringVar(&completeFeature, "feature", "", "feature route (summaries, scoring, improvement)")
}

func runComplete(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}

	req := provider.CompletionRequest{
		Prompt:       strings.Join(args, " "),
		SystemPrompt: completeSystem,
		MaxTokens:    completeMaxTokens,
		Model:        completeModel,
	}

	if completeStream {
		return streamCompletion(cmd, a, req)
	}

	var resp provider.CompletionResponse
	if completeFeature != "" {
		resp = a.manager.GenerateCompletionForFeature(cmd.Context(), completeFeature, req)
	} else {
		resp = a.manager.GenerateCompletion(cmd.Context(), req)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}

	fmt.Println(resp.Text)
	printCompletionFooter(resp.Provider, resp.Model, resp.Usage, resp.Cost)
	return nil
}

func streamCompletion(cmd *cobra.Command, a *app, req provider.CompletionRequest) error {
	req.Stream = true
	for chunk := range a.manager.StreamCompletion(cmd.Context(), req) {
		if chunk.Error != "" {
			fmt.Println()
			return fmt.Errorf("%s", chunk.Error)
		}
		fmt.Print(chunk.Text)
		if chunk.IsComplete {
			fmt.Println()
			printCompletionFooter(chunk.Provider, chunk.Model, chunk.Usage, chunk.Cost)
		}
	}
	return nil
}

func printCompletionFooter(providerID, model string, usage *provider.Usage, cost *provider.Cost) {
	if !verbose {
		return
	}
	line := fmt.Sprintf("[%s/%s", providerID, model)
	if usage != nil {
		line += fmt.Sprintf(" %d+%d tokens", usage.PromptTokens, usage.CompletionTokens)
	}
	if cost != nil && cost.Amount > 0 {
		line += fmt.Sprintf(" $%.6f", cost.Amount)
	}
	fmt.Fprintln(os.Stderr, line+"]")
}
