package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/gateway"
	"github.com/nextlevelbuilder/switchboard/internal/loopback"
	"github.com/nextlevelbuilder/switchboard/internal/schedule"
	"github.com/nextlevelbuilder/switchboard/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Load config
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Resolve workspace (must be absolute for project path derivation)
	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0755)

	// Tracing
	telemetryShutdown, err := telemetry.Setup(context.Background(), telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := telemetryShutdown(shutCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Core components
	broker := bus.NewBroker()

	gw, err := gateway.New(gateway.Config{
		DefaultAgent:   cfg.Gateway.DefaultAgent,
		MaxConcurrency: cfg.Gateway.MaxConcurrency,
		MaxPending:     cfg.Gateway.MaxPending,
		Workspace:      workspace,
		Bindings:       cfg.NormalizedBindings(),
	}, broker)
	if err != nil {
		slog.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}

	// Built-in loopback pair: keeps the gateway answerable before any
	// platform adapters are registered, and serves as the local echo
	// harness. The agent takes the default id so fallback routing lands
	// on it.
	if err := gw.RegisterChannel(loopback.NewChannel("loopback")); err != nil {
		slog.Error("failed to register loopback channel", "error", err)
		os.Exit(1)
	}
	if err := gw.RegisterAgent(loopback.NewAgent(cfg.Gateway.DefaultAgent)); err != nil {
		slog.Error("failed to register loopback agent", "error", err)
		os.Exit(1)
	}

	// Scheduled prompts
	sched := schedule.New(cfg.Schedule, gw.Dispatch, broker)
	if err := sched.Validate(); err != nil {
		slog.Error("invalid schedule", "error", err)
		os.Exit(1)
	}

	// Config watcher keeps the binding table in sync with the file.
	watcher := config.NewWatcher(cfgPath, gw.GetRouter())
	watcher.Track(cfg.NormalizedBindings())

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := gw.Stop(stopCtx); err != nil {
			slog.Error("gateway stop reported errors", "error", err)
		}
		cancel()
	}()

	if err := gw.Start(ctx); err != nil {
		slog.Error("gateway start reported errors", "error", err)
	}

	slog.Info("switchboard running",
		"version", Version,
		"default_agent", cfg.Gateway.DefaultAgent,
		"bindings", len(cfg.Bindings),
		"schedule", len(cfg.Schedule),
		"workspace", workspace,
	)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(runCtx) })
	g.Go(func() error { return sched.Run(runCtx) })
	if cfg.Ops.Enabled {
		server := gateway.NewServer(cfg.Ops.Host, cfg.Ops.Port, cfg.Ops.Token, gw, broker)
		g.Go(func() error { return server.Start(runCtx) })
	}

	if err := g.Wait(); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
