package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/sky-uk/blercud/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "blercud",
	Short: "Bluetooth LE remote-control daemon",
	Long: `blercud bridges BlueZ's D-Bus API to a per-device IPC object:

- Discovers and pairs with supported remote-control hardware models
- Drives the hierarchical per-device state machine (connect, resolve
  GATT services, recover from disconnects)
- Aggregates the audio, battery, device-info, find-me, infrared,
  remote-control and OTA-upgrade sub-services
- Projects each device's state over D-Bus for other processes to consume`,
	Version: formatVersion(version),
	RunE:    run,
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return runDaemon(ctx, cfg, log)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/blercud/config.yaml", "Path to the daemon's YAML config file")
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
