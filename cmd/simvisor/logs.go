package main

import (
	"github.com/spf13/cobra"

	"github.com/loykin/simvisor"
)

type LogsFlags struct {
	Target string
	Filter string
	Last   string
}

func createLogsCommand(globalFlags *GlobalFlags) *cobra.Command {
	logsFlags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent unified-log entries of a simulator as JSON",
		Long: `Run a one-shot log show against a simulator and print the parsed entries.

Examples:
  simvisor logs --target booted --last 5m
  simvisor logs --target booted --filter 'subsystem == "com.example.app"'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, globalFlags, func(core *simvisor.Core) error {
				entries, err := core.ShowLogs(cmd.Context(), logsFlags.Target, logsFlags.Filter, logsFlags.Last)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().StringVar(&logsFlags.Target, "target", "booted", "simulator UDID or \"booted\"")
	cmd.Flags().StringVar(&logsFlags.Filter, "filter", "", "log predicate")
	cmd.Flags().StringVar(&logsFlags.Last, "last", "1m", "how far back to read")
	return cmd
}

func createScreenshotCommand(globalFlags *GlobalFlags) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Capture a simulator screenshot into the artifact store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, globalFlags, func(core *simvisor.Core) error {
				ref, err := core.Screenshot(cmd.Context(), target)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ref)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "booted", "simulator UDID or \"booted\"")
	return cmd
}
