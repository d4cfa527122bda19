package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/simvisor"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/server"
	"github.com/loykin/simvisor/internal/sweep"
)

const shutdownTimeout = 30 * time.Second

type ServeFlags struct {
	Listen string
	// ready, when set, receives the bound admin address (tests use port 0).
	ready chan<- string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor with its admin endpoint and artifact sweeps",
		Long: `Run the supervisor until SIGINT or SIGTERM. On shutdown every debugger,
log-capture and recording session is stopped; recordings are finalized and
left on disk.

Examples:
  simvisor serve --config simvisor.toml
  simvisor serve --listen 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, globalFlags, serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "admin listen address (overrides server.listen)")
	return cmd
}

func runServe(ctx context.Context, globalFlags *GlobalFlags, flags *ServeFlags) error {
	cfg, closer, err := loadConfig(globalFlags)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	core, err := simvisor.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		core.Shutdown(sctx)
	}()

	sweeper, err := sweep.NewScheduler(core.Store(), cfg.Sweep.Schedule)
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop(context.Background())

	core.StartSampler(ctx)

	gin.SetMode(gin.ReleaseMode)
	srv := server.NewServer(cfg.Server.Listen, server.NewRouter(core, cfg.Server.BasePath, nil, server.WithTokenHash(cfg.Server.TokenHash)))
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("Simvisor serving", "listen", ln.Addr().String(), "basePath", cfg.Server.BasePath, "version", version)
	if flags.ready != nil {
		flags.ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
		slog.Info("Shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	return nil
}
