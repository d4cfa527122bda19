package main

import (
	"github.com/spf13/cobra"

	"github.com/loykin/simvisor"
	"github.com/loykin/simvisor/internal/sweep"
)

func createSweepCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one artifact sweep and print what was removed",
		Long: `Remove artifact directories older than artifacts.ttl. A fresh process has
an empty index, so every directory under artifacts.dir past the TTL counts as
stale. Safe to run next to a serving instance: sweeps take a file lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, globalFlags, func(core *simvisor.Core) error {
				return printJSON(cmd.OutOrStdout(), sweep.Run(core.Store()))
			})
		},
	}
}
