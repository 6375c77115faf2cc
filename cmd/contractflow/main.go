// Package main provides the contractflow binary entry point.
// contractflow tracks many contracts through a fixed pipeline of processing
// stages: a broker fans status events out over WebSocket, a tracker
// reconciles them into fleet state, and a simulator generates traffic.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/contractflow/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "contractflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Contract pipeline status tracking",
		Long: `contractflow tracks contracts through a fixed pipeline of stages.

It provides:
- broker: validates status events and fans them out over WebSocket
- watch: consumes the broker stream and serves fleet state
- simulate: generates realistic status traffic
- run: all of the above in one process`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		brokerCmd(flags),
		watchCmd(flags),
		simulateCmd(flags),
		runCmd(flags),
		configCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func brokerCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the event broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(cfg *config.Config) {
				if addr != "" {
					cfg.Broker.Addr = addr
				}
			}, func(ctx context.Context, app *App) error {
				return app.RunBroker(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides broker.addr)")
	return cmd
}

func watchCmd(flags *globalFlags) *cobra.Command {
	var url, addr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Consume the broker stream and serve fleet state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(cfg *config.Config) {
				if url != "" {
					cfg.Tracker.URL = url
				}
				if addr != "" {
					cfg.Tracker.Addr = addr
				}
			}, func(ctx context.Context, app *App) error {
				return app.RunTracker(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Broker WebSocket URL (overrides tracker.url)")
	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (overrides tracker.addr)")
	return cmd
}

func simulateCmd(flags *globalFlags) *cobra.Command {
	var (
		total  int
		seed   uint64
		target string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate contract status traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(cfg *config.Config) {
				if total > 0 {
					cfg.Simulator.MaxTotal = total
				}
				if seed != 0 {
					cfg.Simulator.Seed = seed
				}
				if target != "" {
					cfg.Simulator.Target = target
				}
			}, func(ctx context.Context, app *App) error {
				return app.RunSimulator(ctx)
			})
		},
	}
	cmd.Flags().IntVar(&total, "total", 0, "Contracts to simulate (overrides simulator.max_total)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed (overrides simulator.seed)")
	cmd.Flags().StringVar(&target, "target", "", "Sink: http or nats (overrides simulator.target)")
	return cmd
}

func runCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run broker, tracker and simulator in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, nil, func(ctx context.Context, app *App) error {
				return app.RunAll(ctx)
			})
		},
	}
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialise configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				logger := newLogger(flags.logLevel)
				cfg, err := config.NewLoader(logger).Load(flags.configPath)
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Write the default user configuration if missing",
			RunE: func(cmd *cobra.Command, args []string) error {
				return config.NewLoader(newLogger(flags.logLevel)).EnsureUserConfig()
			},
		},
	)
	return cmd
}

// withApp loads configuration, applies flag overrides, starts an App and
// runs fn until SIGINT/SIGTERM.
func withApp(flags *globalFlags, override func(*config.Config), fn func(context.Context, *App) error) error {
	logger := newLogger(flags.logLevel)
	slog.SetDefault(logger)

	loader := config.NewLoader(logger)
	cfg, err := loader.Load(flags.configPath)
	if err != nil {
		return err
	}
	if override != nil {
		override(cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := NewApp(cfg, loader.Source(), logger)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Shutdown()

	return fn(ctx, app)
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
