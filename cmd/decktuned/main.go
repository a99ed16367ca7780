// decktuned — undervolting service core for handheld AMD APUs.
//
// Discovers per-core voltage offset limits through automated binning,
// enforces platform safety caps on every hardware write, recovers from
// hard hangs via a heartbeat watchdog with progressive rollback, and
// supervises the adaptive controller subprocess.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/decktune/decktune/internal/binning"
	"github.com/decktune/decktune/internal/daemon"
	"github.com/decktune/decktune/internal/events"
	mcpserver "github.com/decktune/decktune/internal/mcp"
)

var version = "3.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "decktuned",
		Short: "Undervolting service core for handheld AMD APUs",
		Long: `decktuned — safety, tuning, and adaptive-control core.

Applies per-core voltage offsets through ryzenadj, discovers stable
limits through automated stress-test binning, and keeps the machine
bootable with a heartbeat watchdog, progressive recovery, and
crash-safe persistent state.`,
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", daemon.DefaultConfigPath,
		"Path to the daemon config file")

	// --- run command ---
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background service",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, log, err := buildDaemon(configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}

	// --- detect command ---
	var detectForce bool
	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Show the detected platform and its safety caps",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, log, err := buildDaemon(configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			plat := d.Platform
			if detectForce {
				plat = d.Detector.Redetect()
			}
			fmt.Printf("Model:          %s\n", plat.Model)
			fmt.Printf("Variant:        %s\n", plat.Variant)
			fmt.Printf("Safe limit:     %d mV\n", plat.SafeLimit)
			fmt.Printf("Absolute limit: %d mV\n", plat.AbsoluteLimit())
			fmt.Printf("Detected:       %v\n", plat.Detected)
			return nil
		},
	}
	detectCmd.Flags().BoolVar(&detectForce, "force", false, "Ignore the cache and re-read DMI")

	// --- apply command ---
	applyCmd := &cobra.Command{
		Use:   "apply <offsets>",
		Short: "Apply a comma-separated 4-core offset set (e.g. -20,-20,-20,-20)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offsets, err := parseOffsets(args[0])
			if err != nil {
				return err
			}
			d, log, err := buildDaemon(configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			return d.ApplyOffsets(cmd.Context(), offsets)
		},
	}

	// --- disable command ---
	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Reset all cores to 0 mV",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, log, err := buildDaemon(configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			return d.DisableOffsets(cmd.Context())
		},
	}

	// --- bin command ---
	var (
		binStart    int
		binStep     int
		binDuration time.Duration
		binMaxIter  int
	)
	binCmd := &cobra.Command{
		Use:   "bin",
		Short: "Run a binning session to find the deepest stable offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, log, err := buildDaemon(configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			cfg := binning.DefaultConfig()
			cfg.StartValue = binStart
			cfg.StepSize = binStep
			cfg.TestDuration = binDuration
			cfg.MaxIterations = binMaxIter

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := d.RunBinning(ctx, cfg)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	binCmd.Flags().IntVar(&binStart, "start", -10, "Starting offset in mV")
	binCmd.Flags().IntVar(&binStep, "step", 5, "Descent step in mV")
	binCmd.Flags().DurationVar(&binDuration, "duration", 60*time.Second, "Stress duration per iteration")
	binCmd.Flags().IntVar(&binMaxIter, "max-iterations", 20, "Iteration cap")

	// --- mcp command ---
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only diagnostics over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, log, err := buildDaemon(configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return mcpserver.NewServer(d, version).Start(ctx)
		},
	}

	rootCmd.AddCommand(runCmd, detectCmd, applyCmd, disableCmd, binCmd, mcpCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildDaemon loads config, builds the logger, and wires the daemon.
func buildDaemon(configPath string) (*daemon.Daemon, *zap.Logger, error) {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}
	d, err := daemon.New(cfg, events.Nop{}, log)
	if err != nil {
		return nil, nil, err
	}
	return d, log, nil
}

// buildLogger constructs the zap logger from the logging config.
func buildLogger(cfg daemon.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// parseOffsets parses "a,b,c,d" into a 4-entry offset set.
func parseOffsets(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("expected 4 comma-separated offsets, got %d", len(parts))
	}
	offsets := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", i, err)
		}
		offsets[i] = v
	}
	return offsets, nil
}
