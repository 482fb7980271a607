// conclaved is the orchestration daemon: it owns the task registry, spawns
// and supervises worker subprocesses through a terminal multiplexer, runs
// the phase/review state machine, and serves the ops HTTP surface. Grounded
// on cmd/tarsy/main.go's flag-parse -> env-load -> construct -> serve
// sequencing, restructured around spf13/cobra the way cmd/warren/main.go
// structures its root command, since the daemon also needs the hidden
// "smart-tee" subcommand every spawned worker's stdout is piped through.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conclave-run/conclave/internal/config"
	"github.com/conclave-run/conclave/internal/log"
	"github.com/conclave-run/conclave/internal/orchestrator"
	"github.com/conclave-run/conclave/internal/supervisor"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conclaved",
	Short: "conclaved runs the multi-agent orchestration daemon",
	RunE:  runDaemon,
}

func init() {
	rootCmd.Flags().String("config", "", "Path to YAML configuration file")
	rootCmd.Flags().String("env-file", ".env", "Path to .env file (optional)")
	rootCmd.AddCommand(smartTeeCmd)
}

// smartTeeCmd is never invoked directly by an operator; WorkerSupervisor
// spawns "<self> smart-tee <output-file>" as the command piped worker
// stdout flows through, so truncation applies uniformly regardless of
// which agent binary is configured (spec §6.4).
var smartTeeCmd = &cobra.Command{
	Use:    "smart-tee OUTPUT_FILE",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return supervisor.RunSmartTee(os.Stdin, args[0])
	},
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	selfBinary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving self binary path: %w", err)
	}
	cfg.SelfBinaryPath = selfBinary

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	d, err := orchestrator.Build(cfg)
	if err != nil {
		return fmt.Errorf("building daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	d.Start(ctx, errCh)
	log.Logger.Info().Str("ops_api_addr", cfg.OpsAPIAddr).Msg("conclaved started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("component failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Logger.Info().Msg("shutdown complete")
	return nil
}
