package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"devark/internal/config"
)

var configWorkspace bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write settings",
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one setting (dotted key, e.g. providers.active)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		value, ok := a.gateway.Get(args[0])
		if !ok {
			return fmt.Errorf("unknown setting %q", args[0])
		}
		custom := ""
		if a.gateway.HasCustomValue(args[0]) {
			custom = " (customized)"
		}
		fmt.Printf("%v%s\n", value, custom)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set one setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		scope := config.ScopeGlobal
		if configWorkspace {
			scope = config.ScopeWorkspace
		}
		if err := a.gateway.Set(args[0], args[1], scope); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Remove overrides for one setting, or all with no argument",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return a.gateway.ResetAll()
		}
		return a.gateway.Reset(args[0])
	},
}

func init() {
	configSetCmd.Flags().BoolVar(&configWorkspace, "workspace", false, "write to the workspace override instead of the global file")
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configResetCmd)
}
