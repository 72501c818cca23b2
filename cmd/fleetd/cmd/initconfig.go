package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/virtfleet/fleet"
)

var initDataDir string

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a starter config file",
	Long: `Write a starter config file with defaults to the --config path.

Example:
  fleetd init-config --config /etc/fleetd/config.json --data-dir /var/lib/fleetd`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &fleet.FileConfig{
			DataDir: initDataDir,
			Intervals: fleet.IntervalsFileConfig{
				AvailabilitySec: int64(fleet.DefaultAvailabilityInterval.Seconds()),
				ReconcileSec:    int64(fleet.DefaultReconcileInterval.Seconds()),
				InstanceDiffSec: int64(fleet.DefaultInstanceDiffInterval.Seconds()),
				ResourceSec:     int64(fleet.DefaultResourceInterval.Seconds()),
				TaskDrainSec:    int64(fleet.DefaultTaskDrainInterval.Seconds()),
			},
			Thresholds: fleet.ThresholdsFileConfig{
				CPUPercent:    fleet.DefaultCPUThresholdPercent,
				MemoryPercent: fleet.DefaultMemoryThresholdPercent,
				DiskPercent:   fleet.DefaultDiskThresholdPercent,
			},
		}

		path := configPath()
		if err := fleet.WriteConfigFile(cfg, path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initConfigCmd)
	initConfigCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/fleetd", "Directory for the inventory store")
}
