package fleet

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultAvailabilityInterval = 30 * time.Second
	DefaultReconcileInterval    = 30 * time.Second
	DefaultInstanceDiffInterval = 30 * time.Second
	DefaultResourceInterval     = 60 * time.Second
	DefaultTaskDrainInterval    = 5 * time.Second
	DefaultCleanupInterval      = 6 * time.Hour

	DefaultEndpointAlertCooldown = 10 * time.Minute
	DefaultResourceAlertCooldown = 30 * time.Minute

	DefaultCPUThresholdPercent    = 80.0
	DefaultMemoryThresholdPercent = 85.0
	DefaultDiskThresholdPercent   = 90.0

	DefaultTaskRetention = 7 * 24 * time.Hour

	DefaultDialTimeout = 10 * time.Second
)

// Config configures the fleet engine.
type Config struct {
	// Job intervals.
	AvailabilityInterval time.Duration
	ReconcileInterval    time.Duration
	InstanceDiffInterval time.Duration
	ResourceInterval     time.Duration
	TaskDrainInterval    time.Duration
	CleanupInterval      time.Duration

	// Alert cooldowns.
	EndpointAlertCooldown time.Duration
	ResourceAlertCooldown time.Duration

	// Resource thresholds in percent of capacity.
	CPUThresholdPercent    float64
	MemoryThresholdPercent float64
	DiskThresholdPercent   float64

	// TaskRetention is how long finished tasks are kept before the
	// cleanup job prunes them.
	TaskRetention time.Duration

	// DialTimeout bounds each hypervisor connection attempt.
	DialTimeout time.Duration

	// MetricsAddr enables the Prometheus HTTP endpoint when non-empty.
	MetricsAddr string

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.CPUThresholdPercent < 0 || c.CPUThresholdPercent > 100 {
		return fmt.Errorf("CPUThresholdPercent must be between 0 and 100")
	}
	if c.MemoryThresholdPercent < 0 || c.MemoryThresholdPercent > 100 {
		return fmt.Errorf("MemoryThresholdPercent must be between 0 and 100")
	}
	if c.DiskThresholdPercent < 0 || c.DiskThresholdPercent > 100 {
		return fmt.Errorf("DiskThresholdPercent must be between 0 and 100")
	}
	for name, d := range map[string]time.Duration{
		"AvailabilityInterval": c.AvailabilityInterval,
		"ReconcileInterval":    c.ReconcileInterval,
		"InstanceDiffInterval": c.InstanceDiffInterval,
		"ResourceInterval":     c.ResourceInterval,
		"TaskDrainInterval":    c.TaskDrainInterval,
		"CleanupInterval":      c.CleanupInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.AvailabilityInterval == 0 {
		c.AvailabilityInterval = DefaultAvailabilityInterval
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.InstanceDiffInterval == 0 {
		c.InstanceDiffInterval = DefaultInstanceDiffInterval
	}
	if c.ResourceInterval == 0 {
		c.ResourceInterval = DefaultResourceInterval
	}
	if c.TaskDrainInterval == 0 {
		c.TaskDrainInterval = DefaultTaskDrainInterval
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.EndpointAlertCooldown == 0 {
		c.EndpointAlertCooldown = DefaultEndpointAlertCooldown
	}
	if c.ResourceAlertCooldown == 0 {
		c.ResourceAlertCooldown = DefaultResourceAlertCooldown
	}
	if c.CPUThresholdPercent == 0 {
		c.CPUThresholdPercent = DefaultCPUThresholdPercent
	}
	if c.MemoryThresholdPercent == 0 {
		c.MemoryThresholdPercent = DefaultMemoryThresholdPercent
	}
	if c.DiskThresholdPercent == 0 {
		c.DiskThresholdPercent = DefaultDiskThresholdPercent
	}
	if c.TaskRetention == 0 {
		c.TaskRetention = DefaultTaskRetention
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// FileConfig is the on-disk daemon configuration consumed by fleetd. It is
// converted to the internal Config plus wiring settings for the hosting
// process.
type FileConfig struct {
	DataDir     string `json:"dataDir"`
	NATSURL     string `json:"natsUrl,omitempty"`
	MetricsAddr string `json:"metricsAddr,omitempty"`

	Intervals  IntervalsFileConfig  `json:"intervals,omitempty"`
	Thresholds ThresholdsFileConfig `json:"thresholds,omitempty"`

	// AdminUserIDs receive endpoint availability alerts; ActiveUserIDs
	// receive instance state and resource alerts.
	AdminUserIDs  []int64 `json:"adminUserIds,omitempty"`
	ActiveUserIDs []int64 `json:"activeUserIds,omitempty"`
}

// IntervalsFileConfig carries job intervals in seconds. Zero means the
// built-in default.
type IntervalsFileConfig struct {
	AvailabilitySec int64 `json:"availabilitySec,omitempty"`
	ReconcileSec    int64 `json:"reconcileSec,omitempty"`
	InstanceDiffSec int64 `json:"instanceDiffSec,omitempty"`
	ResourceSec     int64 `json:"resourceSec,omitempty"`
	TaskDrainSec    int64 `json:"taskDrainSec,omitempty"`
	CleanupSec      int64 `json:"cleanupSec,omitempty"`
}

// ThresholdsFileConfig carries resource alert thresholds in percent.
type ThresholdsFileConfig struct {
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
	MemoryPercent float64 `json:"memoryPercent,omitempty"`
	DiskPercent   float64 `json:"diskPercent,omitempty"`
}

// ToConfig converts the file configuration to an engine Config.
func (f *FileConfig) ToConfig(logger *slog.Logger) Config {
	sec := func(n int64) time.Duration { return time.Duration(n) * time.Second }
	return Config{
		AvailabilityInterval:   sec(f.Intervals.AvailabilitySec),
		ReconcileInterval:      sec(f.Intervals.ReconcileSec),
		InstanceDiffInterval:   sec(f.Intervals.InstanceDiffSec),
		ResourceInterval:       sec(f.Intervals.ResourceSec),
		TaskDrainInterval:      sec(f.Intervals.TaskDrainSec),
		CleanupInterval:        sec(f.Intervals.CleanupSec),
		CPUThresholdPercent:    f.Thresholds.CPUPercent,
		MemoryThresholdPercent: f.Thresholds.MemoryPercent,
		DiskThresholdPercent:   f.Thresholds.DiskPercent,
		MetricsAddr:            f.MetricsAddr,
		Logger:                 logger,
	}
}

// LoadConfigFile reads a FileConfig from a JSON file.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("dataDir is required")
	}
	return &cfg, nil
}

// WriteConfigFile writes the FileConfig to path as indented JSON,
// creating parent directories as needed.
func WriteConfigFile(cfg *FileConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
