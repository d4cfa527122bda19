package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/simvisor"
	"github.com/loykin/simvisor/internal/config"
	"github.com/loykin/simvisor/internal/logger"
	"github.com/loykin/simvisor/internal/server"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "simvisor",
		Short: "Subprocess supervisor for simulator automation",
		Long: `Simvisor runs and supervises the external tools a developer-automation
agent drives: one-shot commands, debugger sessions, log streams and screen
recordings, with artifacts kept in a bounded store.

Examples:
  simvisor serve --config simvisor.toml
  simvisor exec --timeout 30s -- xcrun simctl list devices
  simvisor sweep`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "override log.level")

	root.AddCommand(
		createServeCommand(globalFlags),
		createExecCommand(globalFlags),
		createSweepCommand(globalFlags),
		createLogsCommand(globalFlags),
		createScreenshotCommand(globalFlags),
		createHashTokenCommand(),
		createVersionCommand(),
	)
	return root
}

// loadConfig reads the config and installs the diagnostic logger. The
// returned closer releases the log file.
func loadConfig(flags *GlobalFlags) (config.Config, io.Closer, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("error loading config: %w", err)
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("error configuring logger: %w", err)
	}
	return cfg, closer, nil
}

// withCore builds a Core for a one-shot command and tears it down afterwards.
func withCore(cmd *cobra.Command, flags *GlobalFlags, fn func(*simvisor.Core) error) error {
	cfg, closer, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	core, err := simvisor.New(cfg)
	if err != nil {
		return err
	}
	defer core.Shutdown(cmd.Context())
	return fn(core)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func createHashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash of an admin token for server.token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := server.HashToken(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the simvisor version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "simvisor", version)
		},
	}
}
