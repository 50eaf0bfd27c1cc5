package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# Poppo coordinator configuration

daemon:
  # Control channel endpoint. Default: <state_dir>/daemon.sock
  # (a named pipe on Windows).
  # socket_path: /run/poppo/daemon.sock

  # Bearer token for control-channel clients. Empty disables auth.
  # auth_token: ""

  # Root directory for queue state, snapshots and the task archive.
  # state_dir: ~/.poppobuilder

  # In-process workers. Zero serves external workers only.
  # workers: 0

  # Background loop intervals.
  # heartbeat_interval: 5m
  # orphan_sweep_interval: 5m
  # reallocate_interval: 1m
  # autosave_interval: 30s
  # deadlock_interval: 1m
  # shutdown_grace: 5s

# Shared-state store connection.
store:
  addr: localhost:6379
  # password: ""
  # db: 0

scheduler:
  # fifo, priority, round-robin, weighted-fair, or deadline
  policy: weighted-fair
  max_retries: 3
  # snapshot_keep: 24

# System-wide resource limits. CPU accepts cores ("2.0") or millicores
# ("1500m"); memory accepts bytes or Ki/Mi/Gi/Ti suffixes.
resources:
  system_cpu: "4.0"
  system_memory: 8Gi
  # reserve: 0.20
  # smoothing: 0.5
  # utilization_spread: 0.20
  # history_size: 1000

tracker:
  # Retry failed label writes on the orphan-sweep tick instead of
  # best-effort fire-and-forget.
  reconcile: false

# Projects to schedule work for.
projects: []
#  - id: my-project
#    name: My Project
#    path: /srv/projects/my-project
#    priority: 50
#    weight: 2
#    quota:
#      cpu: "2.0"
#      memory: 4Gi
#      max_concurrent: 3
#      elastic: true
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// yamlConfig mirrors Config with yaml tags for Save. mapstructure tags
// drive loading; saving goes through yaml.v3.
type yamlConfig struct {
	Daemon    yamlDaemon      `yaml:"daemon"`
	Store     yamlStore       `yaml:"store"`
	Scheduler yamlScheduler   `yaml:"scheduler"`
	Resources yamlResources   `yaml:"resources"`
	Tracker   yamlTracker     `yaml:"tracker"`
	Archive   yamlArchive     `yaml:"archive,omitempty"`
	Projects  []yamlProject   `yaml:"projects"`
}

type yamlDaemon struct {
	SocketPath         string `yaml:"socket_path,omitempty"`
	AuthToken          string `yaml:"auth_token,omitempty"`
	StateDir           string `yaml:"state_dir,omitempty"`
	Workers            int    `yaml:"workers,omitempty"`
	HeartbeatInterval  string `yaml:"heartbeat_interval,omitempty"`
	OrphanSweep        string `yaml:"orphan_sweep_interval,omitempty"`
	ReallocateInterval string `yaml:"reallocate_interval,omitempty"`
	AutosaveInterval   string `yaml:"autosave_interval,omitempty"`
	DeadlockInterval   string `yaml:"deadlock_interval,omitempty"`
	ShutdownGrace      string `yaml:"shutdown_grace,omitempty"`
}

type yamlStore struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type yamlScheduler struct {
	Policy       string `yaml:"policy"`
	MaxRetries   int    `yaml:"max_retries"`
	StatePath    string `yaml:"state_path,omitempty"`
	SnapshotDir  string `yaml:"snapshot_dir,omitempty"`
	SnapshotKeep int    `yaml:"snapshot_keep,omitempty"`
}

type yamlResources struct {
	SystemCPU         string  `yaml:"system_cpu"`
	SystemMemory      string  `yaml:"system_memory"`
	Reserve           float64 `yaml:"reserve,omitempty"`
	Smoothing         float64 `yaml:"smoothing,omitempty"`
	UtilizationSpread float64 `yaml:"utilization_spread,omitempty"`
	HistorySize       int     `yaml:"history_size,omitempty"`
}

type yamlTracker struct {
	Reconcile bool `yaml:"reconcile"`
}

type yamlArchive struct {
	Path string `yaml:"path,omitempty"`
}

type yamlQuota struct {
	CPU           string `yaml:"cpu,omitempty"`
	Memory        string `yaml:"memory,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent,omitempty"`
	Elastic       bool   `yaml:"elastic,omitempty"`
}

type yamlProject struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name,omitempty"`
	Path     string    `yaml:"path,omitempty"`
	Priority int       `yaml:"priority,omitempty"`
	Weight   float64   `yaml:"weight,omitempty"`
	Enabled  *bool     `yaml:"enabled,omitempty"`
	Quota    yamlQuota `yaml:"quota,omitempty"`
}

func toYAML(c Config) yamlConfig {
	out := yamlConfig{
		Daemon: yamlDaemon{
			SocketPath:         c.Daemon.SocketPath,
			AuthToken:          c.Daemon.AuthToken,
			StateDir:           c.Daemon.StateDir,
			Workers:            c.Daemon.Workers,
			HeartbeatInterval:  c.Daemon.HeartbeatInterval.String(),
			OrphanSweep:        c.Daemon.OrphanSweep.String(),
			ReallocateInterval: c.Daemon.ReallocateInterval.String(),
			AutosaveInterval:   c.Daemon.AutosaveInterval.String(),
			DeadlockInterval:   c.Daemon.DeadlockInterval.String(),
			ShutdownGrace:      c.Daemon.ShutdownGrace.String(),
		},
		Store: yamlStore{Addr: c.Store.Addr, Password: c.Store.Password, DB: c.Store.DB},
		Scheduler: yamlScheduler{
			Policy:       c.Scheduler.Policy,
			MaxRetries:   c.Scheduler.MaxRetries,
			StatePath:    c.Scheduler.StatePath,
			SnapshotDir:  c.Scheduler.SnapshotDir,
			SnapshotKeep: c.Scheduler.SnapshotKeep,
		},
		Resources: yamlResources{
			SystemCPU:         c.Resources.SystemCPU,
			SystemMemory:      c.Resources.SystemMemory,
			Reserve:           c.Resources.Reserve,
			Smoothing:         c.Resources.Smoothing,
			UtilizationSpread: c.Resources.UtilizationSpread,
			HistorySize:       c.Resources.HistorySize,
		},
		Tracker: yamlTracker{Reconcile: c.Tracker.Reconcile},
		Archive: yamlArchive{Path: c.Archive.Path},
	}
	for _, p := range c.Projects {
		out.Projects = append(out.Projects, yamlProject{
			ID: p.ID, Name: p.Name, Path: p.Path,
			Priority: p.Priority, Weight: p.Weight, Enabled: p.Enabled,
			Quota: yamlQuota{
				CPU: p.Quota.CPU, Memory: p.Quota.Memory,
				MaxConcurrent: p.Quota.MaxConcurrent, Elastic: p.Quota.Elastic,
			},
		})
	}
	return out
}

// Save writes the configuration to path atomically (temp file + rename).
// Project mutations over the control channel persist through here.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(toYAML(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	temp, err := os.CreateTemp(dir, ".poppo.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
