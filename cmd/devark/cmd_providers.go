package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"devark/internal/detect"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show every provider and whether it can be used on this machine",
	RunE:  runProviders,
}

var modelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List the models a provider can serve (default: the active one)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runModels,
}

var switchCmd = &cobra.Command{
	Use:   "switch [provider]",
	Short: "Make a provider the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSwitch,
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run a live connection test against every initialized provider",
	RunE:  runTest,
}

func runProviders(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}

	report := a.detector.DetectAll(cmd.Context())
	active := a.manager.Active()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tTYPE\tSTATUS\tMODEL")
	for _, st := range report {
		marker := ""
		if st.ID == active {
			marker = " *"
		}
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\n", st.ID, marker, st.Type, st.Status, st.Model)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, st := range report {
		if st.Status == detect.StatusNotConfigured {
			fmt.Printf("\n%s needs an API key: set %s\n", st.ID, envKeyHint(st.ID))
		}
	}
	return nil
}

// envKeyHint names the environment variable the secret store reads for a
// provider id.
func envKeyHint(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_API_KEY"
}

func runModels(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}

	id := a.manager.Active()
	if len(args) > 0 {
		id = args[0]
	}
	if id == "" {
		return fmt.Errorf("no provider given and none is active")
	}

	models, err := a.manager.ListModels(cmd.Context(), id)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tNAME\tCONTEXT")
	for _, m := range models {
		ctxLen := ""
		if m.ContextLength > 0 {
			ctxLen = fmt.Sprintf("%d", m.ContextLength)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Name, ctxLen)
	}
	return w.Flush()
}

func runSwitch(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	if err := a.manager.SwitchProvider(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Active provider is now %s\n", args[0])
	return nil
}

func runTest(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}

	results := a.manager.TestAllProviders(cmd.Context())
	if len(results) == 0 {
		fmt.Println("No providers are initialized. Run 'devark providers' to see why.")
		return nil
	}

	failed := 0
	for _, id := range a.manager.InitializedIDs() {
		res, ok := results[id]
		if !ok {
			continue
		}
		if res.Success {
			line := fmt.Sprintf("ok   %s", id)
			if res.Details != nil && res.Details.Version != "" {
				line += fmt.Sprintf(" (version %s)", res.Details.Version)
			}
			fmt.Println(line)
		} else {
			failed++
			fmt.Printf("FAIL %s: %s\n", id, res.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d provider(s) failed", failed)
	}
	return nil
}
