package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"provider/internal/config"
	"provider/internal/eventbus"
	"provider/internal/hardware"
	"provider/internal/server"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(&levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(levelVar *slog.LevelVar) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "provider",
		Short:         "GPUFlow machine agent: runs dispatched jobs in Docker sandboxes",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file (default $PROVIDER_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "Log format (json, text)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(opts.logLevel)
		if err != nil {
			return err
		}
		levelVar.Set(level)

		logger, err := newLogger(os.Stdout, opts.logFormat, levelVar)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		if err := config.LoadEnvFile(); err != nil {
			return err
		}
		if opts.configPath == "" {
			opts.configPath = os.Getenv("PROVIDER_CONFIG")
		}
		return nil
	}

	root.AddCommand(
		newRunCommand(opts),
		newProbeCommand(opts),
		newEventsCommand(opts),
	)
	return root
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent and its local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()

			cfg, err := config.LoadFile(opts.configPath)
			if err != nil {
				return err
			}
			if token != "" {
				cfg.Agent.Token = token
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			hw := hardware.NewProber().Probe().Override(cfg.Hardware.GPUName, cfg.Hardware.VRAMGB)
			logger.Info("Hardware detected", "gpu_name", hw.GPUName, "vram_gb", hw.VRAMGB)

			ctx := cmd.Context()
			deps, err := server.InitDeps(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialise dependencies: %w", err)
			}
			defer deps.Close()

			srv, err := server.NewServer(cfg, deps, hw)
			if err != nil {
				return err
			}
			if cfg.Agent.Token == "" {
				logger.Info("No token configured, waiting for POST /api/v1/agent/start", "addr", cfg.API.Addr)
			}

			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Machine auth token (overrides PROVIDER_TOKEN)")
	return cmd
}

func newProbeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Print the hardware descriptor announced to the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(opts.configPath)
			if err != nil {
				return err
			}
			hw := hardware.NewProber().Probe().Override(cfg.Hardware.GPUName, cfg.Hardware.VRAMGB)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(hw)
		},
	}
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var machineID string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail a running agent's events from Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return errors.New("events requires REDIS_ADDR")
			}
			if machineID == "" {
				machineID = cfg.Agent.MachineID
			}
			if machineID == "" {
				machineID, _ = os.Hostname()
			}

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()

			ctx := cmd.Context()
			events, err := eventbus.Subscribe(ctx, rdb, machineID, slog.Default())
			if err != nil {
				return err
			}
			slog.Info("Tailing agent events", "machine_id", machineID, "channel", eventbus.MachineChannelKey(machineID))
			return printEvents(cmd.OutOrStdout(), events)
		},
	}

	cmd.Flags().StringVar(&machineID, "machine-id", "", "Machine to follow (default MACHINE_ID or hostname)")
	return cmd
}

// printEvents writes one line per event until the channel closes.
func printEvents(w io.Writer, events <-chan eventbus.Event) error {
	for e := range events {
		ts := e.Timestamp.Format("15:04:05")
		var err error
		switch e.Type {
		case eventbus.EventStatus:
			_, err = fmt.Fprintf(w, "%s [status] %s\n", ts, e.Status)
		default:
			_, err = fmt.Fprintf(w, "%s %s\n", ts, e.Text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func newLogger(w io.Writer, format string, level slog.Leveler) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
