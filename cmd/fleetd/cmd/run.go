package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/virtfleet/fleet"
	"github.com/virtfleet/fleet/proxmox"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fleet daemon",
	Long: `Start the fleet daemon.

The daemon will:
- Open the local inventory store
- Periodically reconcile inventory against every configured endpoint
- Monitor endpoint availability, instance states and resource usage
- Drain the bulk task queue one task at a time

Example:
  fleetd run --config /etc/fleetd/config.json
  NATS_URL=nats://localhost:4222 fleetd run`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("metrics-addr", "", "Prometheus metrics HTTP address (overrides config)")
	viper.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
}

func runDaemon(cmd *cobra.Command, args []string) error {
	fileCfg, err := loadFileConfig()
	if err != nil {
		return err
	}
	if addr := viper.GetString("metrics_addr"); addr != "" {
		fileCfg.MetricsAddr = addr
	}

	logger := newLogger()
	cfg := fileCfg.ToConfig(logger)

	st, err := openStore(fileCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	deps := fleet.Deps{
		Store:  st,
		Dialer: &proxmox.Dialer{Timeout: cfg.DialTimeout},
		Users: fleet.StaticUserDirectory{
			Admins: fileCfg.AdminUserIDs,
			Active: fileCfg.ActiveUserIDs,
		},
	}

	// Notifications go over NATS when configured, otherwise to the log.
	var nc *nats.Conn
	if fileCfg.NATSURL != "" {
		nc, err = nats.Connect(fileCfg.NATSURL,
			nats.Name("fleetd"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", fileCfg.NATSURL, err)
		}
		defer nc.Drain()
		deps.Notifier = fleet.NewNATSNotifier(nc)
		logger.Info("notifications via NATS", "url", fileCfg.NATSURL)
	}

	engine, err := fleet.NewEngine(cfg, deps)
	if err != nil {
		return err
	}

	fmt.Println("Starting fleet daemon...")
	fmt.Printf("  Config:   %s\n", configPath())
	fmt.Printf("  Data dir: %s\n", fileCfg.DataDir)
	if fileCfg.NATSURL != "" {
		fmt.Printf("  NATS:     %s\n", fileCfg.NATSURL)
	}
	if fileCfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:  %s\n", fileCfg.MetricsAddr)
	}
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("engine error: %w", err)
		}
	}

	fmt.Println("Fleet daemon stopped.")
	return nil
}
