package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/simvisor"
)

type ExecFlags struct {
	Timeout time.Duration
	Dir     string
	EnvKVs  []string
	Check   bool
}

func createExecCommand(globalFlags *GlobalFlags) *cobra.Command {
	execFlags := &ExecFlags{}
	cmd := &cobra.Command{
		Use:   "exec -- <path> [args...]",
		Short: "Run one command through the executor and print the JSON result",
		Long: `Run one command with a deadline, process-group cleanup and output
redaction, then print the result as JSON. A non-zero exit is reported in
exitCode; pass --check to turn it into an error.

Examples:
  simvisor exec -- xcrun simctl list devices
  simvisor exec --timeout 5m --env DEVELOPER_DIR=/Applications/Xcode.app -- xcodebuild -list`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := parseEnvKVs(execFlags.EnvKVs)
			if err != nil {
				return err
			}
			return withCore(cmd, globalFlags, func(core *simvisor.Core) error {
				res, err := core.Executor().Execute(cmd.Context(), simvisor.Command{
					Path:    args[0],
					Args:    args[1:],
					Timeout: execFlags.Timeout,
					Dir:     execFlags.Dir,
					Env:     env,
				})
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if execFlags.Check {
					return res.Check()
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&execFlags.Timeout, "timeout", 0, "deadline (default timeouts.command)")
	cmd.Flags().StringVar(&execFlags.Dir, "dir", "", "working directory")
	cmd.Flags().StringArrayVar(&execFlags.EnvKVs, "env", nil, "KEY=VALUE override, repeatable")
	cmd.Flags().BoolVar(&execFlags.Check, "check", false, "fail on non-zero exit")
	return cmd
}

func parseEnvKVs(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}
