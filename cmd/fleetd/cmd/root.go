// Package cmd provides the CLI commands for fleetd.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/virtfleet/fleet"
	"github.com/virtfleet/fleet/store"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Fleet reconciliation and monitoring daemon for virtualization endpoints",
	Long: `fleetd keeps a local inventory in sync with a fleet of
virtualization endpoints and watches it:
  - Periodic inventory reconciliation with cluster detection
  - Endpoint availability monitoring with alert cooldowns
  - Instance state change and resource threshold notifications
  - A durable queue for bulk start/stop/restart/delete tasks

Use fleetd to run the daemon and manage endpoints.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/fleetd/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindEnv("config", "FLEETD_CONFIG")
	viper.BindEnv("nats_url", "NATS_URL")
	viper.AutomaticEnv()
}

// configPath resolves the config file location from flag, env, or default.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return "/etc/fleetd/config.json"
}

// loadFileConfig reads and validates the daemon config file.
func loadFileConfig() (*fleet.FileConfig, error) {
	path := configPath()
	cfg, err := fleet.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if url := viper.GetString("nats_url"); url != "" {
		cfg.NATSURL = url
	}
	return cfg, nil
}

// openStore opens the badger-backed store under the configured data dir.
func openStore(cfg *fleet.FileConfig) (*store.BadgerStore, error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data dir %s: %w", cfg.DataDir, err)
	}
	return st, nil
}

// newLogger builds the process logger. Verbose enables debug level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
