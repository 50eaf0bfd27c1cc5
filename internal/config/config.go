// Package config provides configuration types, defaults and persistence
// for the poppo coordinator daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/poppobuilder/poppo/internal/resource"
)

// Config holds all daemon configuration.
type Config struct {
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Resources ResourceConfig  `mapstructure:"resources"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Projects  []ProjectConfig `mapstructure:"projects"`
}

// DaemonConfig holds control-channel and background-loop settings.
type DaemonConfig struct {
	// SocketPath is the control channel endpoint. Default: a unix socket
	// under the state directory, or a named pipe on Windows.
	SocketPath string `mapstructure:"socket_path"`
	// AuthToken enables bearer authentication when non-empty.
	AuthToken string `mapstructure:"auth_token"`
	// StateDir is the root for queue state, archive and the socket.
	StateDir string `mapstructure:"state_dir"`
	// Workers is how many in-process workers to start. Zero means the
	// daemon only serves external workers over the control channel.
	Workers int `mapstructure:"workers"`

	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	OrphanSweep        time.Duration `mapstructure:"orphan_sweep_interval"`
	ReallocateInterval time.Duration `mapstructure:"reallocate_interval"`
	AutosaveInterval   time.Duration `mapstructure:"autosave_interval"`
	DeadlockInterval   time.Duration `mapstructure:"deadlock_interval"`
	// ShutdownGrace bounds how long in-flight work may drain on stop.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// StoreConfig holds the shared-state store connection settings.
type StoreConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig holds queue policy and persistence settings.
type SchedulerConfig struct {
	// Policy is one of fifo, priority, round-robin, weighted-fair, deadline.
	Policy     string `mapstructure:"policy"`
	MaxRetries int    `mapstructure:"max_retries"`
	// StatePath overrides the default <state_dir>/queue-state.json.
	StatePath    string `mapstructure:"state_path"`
	SnapshotDir  string `mapstructure:"snapshot_dir"`
	SnapshotKeep int    `mapstructure:"snapshot_keep"`
}

// ResourceConfig holds system-wide resource limits. CPU and memory
// quantities use the quota syntax ("1500m", "4Gi").
type ResourceConfig struct {
	SystemCPU         string  `mapstructure:"system_cpu"`
	SystemMemory      string  `mapstructure:"system_memory"`
	Reserve           float64 `mapstructure:"reserve"`
	Smoothing         float64 `mapstructure:"smoothing"`
	UtilizationSpread float64 `mapstructure:"utilization_spread"`
	HistorySize       int     `mapstructure:"history_size"`
}

// TrackerConfig holds issue-tracker adapter settings.
type TrackerConfig struct {
	// Reconcile retries failed label writes on the orphan-sweep tick.
	// Default false: label updates are best-effort.
	Reconcile bool `mapstructure:"reconcile"`
}

// ArchiveConfig holds the terminal-task archive settings.
type ArchiveConfig struct {
	// Path overrides the default <state_dir>/archive.db. ":memory:" is
	// accepted for throwaway daemons.
	Path string `mapstructure:"path"`
}

// QuotaConfig is the on-disk form of a project quota. The json tags
// cover the control-channel project commands.
type QuotaConfig struct {
	CPU           string `mapstructure:"cpu" json:"cpu"`
	Memory        string `mapstructure:"memory" json:"memory"`
	MaxConcurrent int    `mapstructure:"max_concurrent" json:"maxConcurrent"`
	Elastic       bool   `mapstructure:"elastic" json:"elastic"`
}

// ProjectConfig declares one project the daemon schedules work for.
type ProjectConfig struct {
	ID       string      `mapstructure:"id"`
	Name     string      `mapstructure:"name"`
	Path     string      `mapstructure:"path"`
	Priority int         `mapstructure:"priority"`
	Weight   float64     `mapstructure:"weight"`
	Enabled  *bool       `mapstructure:"enabled"` // nil = true
	Quota    QuotaConfig `mapstructure:"quota"`
}

// IsEnabled returns whether the project is enabled (defaults to true).
func (p ProjectConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// ResourceQuota converts the on-disk quota to the manager's form.
func (p ProjectConfig) ResourceQuota() (resource.Quota, error) {
	q := resource.Quota{
		MaxConcurrent: p.Quota.MaxConcurrent,
		Priority:      p.Priority,
		Elastic:       p.Quota.Elastic,
	}
	var err error
	if p.Quota.CPU != "" {
		if q.CPU, err = resource.ParseCPU(p.Quota.CPU); err != nil {
			return resource.Quota{}, fmt.Errorf("project %s: %w", p.ID, err)
		}
	}
	if p.Quota.Memory != "" {
		if q.Memory, err = resource.ParseMemory(p.Quota.Memory); err != nil {
			return resource.Quota{}, fmt.Errorf("project %s: %w", p.ID, err)
		}
	}
	return q, nil
}

// DefaultDir returns ~/.poppobuilder, or a relative fallback when the
// home directory is unavailable.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".poppobuilder"
	}
	return filepath.Join(home, ".poppobuilder")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// DefaultSocketPath derives the control-channel endpoint from the state
// directory (a named pipe on Windows).
func DefaultSocketPath(stateDir string) string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\poppobuilder-daemon`
	}
	return filepath.Join(stateDir, "daemon.sock")
}

// Defaults returns a Config with every tunable at its default value.
func Defaults() Config {
	return Config{
		Daemon: DaemonConfig{
			StateDir:           DefaultDir(),
			HeartbeatInterval:  5 * time.Minute,
			OrphanSweep:        5 * time.Minute,
			ReallocateInterval: time.Minute,
			AutosaveInterval:   30 * time.Second,
			DeadlockInterval:   time.Minute,
			ShutdownGrace:      5 * time.Second,
		},
		Store: StoreConfig{
			Addr: "localhost:6379",
		},
		Scheduler: SchedulerConfig{
			Policy:       "weighted-fair",
			MaxRetries:   3,
			SnapshotKeep: 24,
		},
		Resources: ResourceConfig{
			SystemCPU:         "4.0",
			SystemMemory:      "8Gi",
			Reserve:           0.20,
			Smoothing:         0.5,
			UtilizationSpread: 0.20,
			HistorySize:       1000,
		},
	}
}

// applyDerived fills paths that default relative to the state directory.
func (c *Config) applyDerived() {
	if c.Daemon.StateDir == "" {
		c.Daemon.StateDir = DefaultDir()
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = DefaultSocketPath(c.Daemon.StateDir)
	}
	if c.Scheduler.StatePath == "" {
		c.Scheduler.StatePath = filepath.Join(c.Daemon.StateDir, "queue-state.json")
	}
	if c.Scheduler.SnapshotDir == "" {
		c.Scheduler.SnapshotDir = filepath.Join(c.Daemon.StateDir, "snapshots")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.Daemon.StateDir, "archive.db")
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Scheduler.Policy {
	case "", "fifo", "priority", "round-robin", "weighted-fair", "deadline":
	default:
		return fmt.Errorf("scheduler.policy %q is not a known policy", c.Scheduler.Policy)
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0, got %d", c.Scheduler.MaxRetries)
	}
	if _, err := resource.ParseCPU(c.Resources.SystemCPU); err != nil {
		return fmt.Errorf("resources.system_cpu: %w", err)
	}
	if _, err := resource.ParseMemory(c.Resources.SystemMemory); err != nil {
		return fmt.Errorf("resources.system_memory: %w", err)
	}
	seen := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		if p.ID == "" {
			return fmt.Errorf("projects[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("projects[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Weight < 0 {
			return fmt.Errorf("project %s: weight must be >= 0", p.ID)
		}
		if _, err := p.ResourceQuota(); err != nil {
			return err
		}
	}
	return nil
}

// ResourceManagerConfig converts the resource section to the manager's
// config type.
func (c *Config) ResourceManagerConfig() (resource.Config, error) {
	cpu, err := resource.ParseCPU(c.Resources.SystemCPU)
	if err != nil {
		return resource.Config{}, fmt.Errorf("resources.system_cpu: %w", err)
	}
	mem, err := resource.ParseMemory(c.Resources.SystemMemory)
	if err != nil {
		return resource.Config{}, fmt.Errorf("resources.system_memory: %w", err)
	}
	return resource.Config{
		SystemCPU:         cpu,
		SystemMemory:      mem,
		Reserve:           c.Resources.Reserve,
		Smoothing:         c.Resources.Smoothing,
		UtilizationSpread: c.Resources.UtilizationSpread,
		HistorySize:       c.Resources.HistorySize,
	}, nil
}

// Load reads the config file at path (or the default location when path
// is empty), layering file values over Defaults. A missing file yields
// the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigFile(DefaultPath())
	}

	cfg := Defaults()
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
		// Missing file: run on defaults.
	} else if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
