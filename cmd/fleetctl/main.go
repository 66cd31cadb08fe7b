package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/fleetctl/internal/fleet/runtime"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "fleetctl",
	Short:   "Bluetooth LE fleet controller for Anki Drive/Overdrive vehicles",
	Version: version,
	RunE:    runFleetctl,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	flags := rootCmd.Flags()
	flags.BoolP("background", "b", false, "run without an interactive prompt (commands are still read from stdin)")
	flags.String("catalog", "vehiclePoolDefaults.json", "path to the persisted vehicle catalog")
	flags.String("fleet-config", "", "path to an optional chipset-capacity override file")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.IntP("verbose", "v", 0, "inbound-event verbosity, 0..2 (spec §6 `verbose`)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "fleetctl: %s\n", err)
		os.Exit(1)
	}
}

// formatStartupError wraps errors from the startup sequence the way the
// REPL's own command errors are reported: a flat "fleetctl: ..." line,
// no stack trace, no Cobra usage dump.
func formatStartupError(action string, err error) error {
	return fmt.Errorf("%s: %w", action, err)
}

func runFleetctl(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return formatStartupError("configure logging", err)
	}

	pidFile := NewPidFile(logger)
	defer pidFile.Remove()

	background, _ := cmd.Flags().GetBool("background")
	catalogPath, _ := cmd.Flags().GetString("catalog")
	chipsetPath, _ := cmd.Flags().GetString("fleet-config")
	verbose, _ := cmd.Flags().GetInt("verbose")

	rt := runtime.New(logger, nil, background)
	rt.SetVerbose(verbose)

	if err := rt.Pool.Discover(); err != nil {
		logger.WithError(err).Warn("fleetctl: adapter discovery failed, continuing with an empty pool")
	}
	if err := rt.LoadCatalog(catalogPath, chipsetPath); err != nil {
		return formatStartupError("load catalog", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sighup:
				if err := rt.ReloadCatalog(); err != nil {
					logger.WithError(err).Warn("fleetctl: catalog reload failed")
				}
			}
		}
	}()

	rt.Run(ctx)

	repl := NewREPL(rt, os.Stdin, os.Stdout, os.Stderr)
	repl.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.Shutdown(shutdownCtx)

	return nil
}
