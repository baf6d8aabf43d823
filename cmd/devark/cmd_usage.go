package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"devark/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show aggregated token and cost totals",
	RunE:  runUsage,
}

func runUsage(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	if a.tracker == nil {
		return fmt.Errorf("usage tracking is unavailable")
	}

	stats := a.tracker.Stats()
	fmt.Printf("Total: %d tokens (%d in, %d out), $%.4f\n\n",
		stats.Total.Total, stats.Total.Input, stats.Total.Output, stats.Total.Cost)

	printCounts("By provider", stats.ByProvider)
	printCounts("By model", stats.ByModel)
	printCounts("By feature", stats.ByFeature)
	return nil
}

func printCounts(title string, counts map[string]usage.TokenCounts) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println(title + ":")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		c := counts[k]
		fmt.Fprintf(w, "  %s\t%d tokens\t$%.4f\n", k, c.Total, c.Cost)
	}
	w.Flush()
	fmt.Println()
}
