package config

import (
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log       LogConfig                `mapstructure:"log" yaml:"log"`
	State     StateConfig              `mapstructure:"state" yaml:"state"`
	Dispatch  DispatchConfig           `mapstructure:"dispatch" yaml:"dispatch"`
	Git       GitConfig                `mapstructure:"git" yaml:"git"`
	Projects  map[string]ProjectConfig `mapstructure:"projects" yaml:"projects"`
	Worker    WorkerConfig             `mapstructure:"worker" yaml:"worker"`
	Conflicts ConflictsConfig          `mapstructure:"conflicts" yaml:"conflicts"`
	API       APIConfig                `mapstructure:"api" yaml:"api"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// StateConfig configures persistence locations.
type StateConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// DBPath defaults to <data_dir>/dispatch.db.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// DispatchConfig configures the periodic cycle.
type DispatchConfig struct {
	Interval        string `mapstructure:"interval" yaml:"interval"`
	CycleTimeout    string `mapstructure:"cycle_timeout" yaml:"cycle_timeout"`
	MaxRunDuration  string `mapstructure:"max_run_duration" yaml:"max_run_duration"`
	MinWorkerBudget string `mapstructure:"min_worker_budget" yaml:"min_worker_budget"`
	// MaxConcurrency of 0 derives the bound from available memory.
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	// LockPath defaults to <data_dir>/dispatch.lock.
	LockPath string `mapstructure:"lock_path" yaml:"lock_path"`
	// WakeFile defaults to <data_dir>/wake. Touching it runs a cycle in serve mode.
	WakeFile     string `mapstructure:"wake_file" yaml:"wake_file"`
	StartupGrace string `mapstructure:"startup_grace" yaml:"startup_grace"`
}

// GitConfig configures worktree handling shared by all projects.
type GitConfig struct {
	// WorktreeDir defaults to <data_dir>/worktrees.
	WorktreeDir    string `mapstructure:"worktree_dir" yaml:"worktree_dir"`
	Trunk          string `mapstructure:"trunk" yaml:"trunk"`
	Remote         string `mapstructure:"remote" yaml:"remote"`
	BranchPrefix   string `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	CommandTimeout string `mapstructure:"command_timeout" yaml:"command_timeout"`
	AuthorName     string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail    string `mapstructure:"author_email" yaml:"author_email"`
}

// ProjectConfig maps a project id to its repository. Empty Trunk and Remote
// inherit the git section.
type ProjectConfig struct {
	Repo   string `mapstructure:"repo" yaml:"repo"`
	Trunk  string `mapstructure:"trunk" yaml:"trunk,omitempty"`
	Remote string `mapstructure:"remote" yaml:"remote,omitempty"`
	Agent  string `mapstructure:"agent" yaml:"agent,omitempty"`
}

// WorkerConfig configures the external worker command.
type WorkerConfig struct {
	Command     string            `mapstructure:"command" yaml:"command"`
	Args        []string          `mapstructure:"args" yaml:"args"`
	Env         map[string]string `mapstructure:"env" yaml:"env"`
	GracePeriod string            `mapstructure:"grace_period" yaml:"grace_period"`
	// SessionDir defaults to <data_dir>/sessions.
	SessionDir string `mapstructure:"session_dir" yaml:"session_dir"`
}

// ConflictsConfig is the policy separating conflicts an agent can resolve
// from those that need a human.
type ConflictsConfig struct {
	MachinePatterns []string `mapstructure:"machine_patterns" yaml:"machine_patterns"`
	HumanPatterns   []string `mapstructure:"human_patterns" yaml:"human_patterns"`
	MaxMachineFiles int      `mapstructure:"max_machine_files" yaml:"max_machine_files"`
}

// APIConfig configures the read-only status API served by `serve`.
type APIConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// DataDir returns the absolute data directory.
func (c *Config) DataDir() string {
	dir := c.State.DataDir
	if dir == "" {
		dir = ".qdispatch"
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

func (c *Config) underData(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(c.DataDir(), name)
}

// DBPath returns the sqlite database path.
func (c *Config) DBPath() string { return c.underData(c.State.DBPath, "dispatch.db") }

// LockPath returns the process lease path.
func (c *Config) LockPath() string { return c.underData(c.Dispatch.LockPath, "dispatch.lock") }

// WakeFile returns the serve-mode wake file path.
func (c *Config) WakeFile() string { return c.underData(c.Dispatch.WakeFile, "wake") }

// WorktreeDir returns the root for isolated working copies.
func (c *Config) WorktreeDir() string { return c.underData(c.Git.WorktreeDir, "worktrees") }

// SessionDir returns the root for per-run transcripts.
func (c *Config) SessionDir() string { return c.underData(c.Worker.SessionDir, "sessions") }

// Project returns the project with inherited git settings applied.
func (c *Config) Project(id string) (ProjectConfig, bool) {
	p, ok := c.Projects[id]
	if !ok {
		return ProjectConfig{}, false
	}
	if p.Trunk == "" {
		p.Trunk = c.Git.Trunk
	}
	if p.Remote == "" {
		p.Remote = c.Git.Remote
	}
	return p, true
}

// duration parses a validated duration string; invalid input yields fallback.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IntervalDuration returns the serve-mode cycle interval.
func (d DispatchConfig) IntervalDuration() time.Duration { return duration(d.Interval, time.Minute) }

// CycleTimeoutDuration returns the hard cap on one cycle.
func (d DispatchConfig) CycleTimeoutDuration() time.Duration {
	return duration(d.CycleTimeout, 30*time.Minute)
}

// MaxRunDurationValue returns the lease length and per-run worker cap.
func (d DispatchConfig) MaxRunDurationValue() time.Duration {
	return duration(d.MaxRunDuration, 20*time.Minute)
}

// MinWorkerBudgetValue returns the smallest budget worth starting a worker with.
func (d DispatchConfig) MinWorkerBudgetValue() time.Duration {
	return duration(d.MinWorkerBudget, time.Minute)
}

// StartupGraceValue returns the process lease startup grace.
func (d DispatchConfig) StartupGraceValue() time.Duration {
	return duration(d.StartupGrace, 30*time.Second)
}

// CommandTimeoutValue returns the per-git-command timeout.
func (g GitConfig) CommandTimeoutValue() time.Duration {
	return duration(g.CommandTimeout, 5*time.Minute)
}

// GracePeriodValue returns how long a worker gets between SIGTERM and kill.
func (w WorkerConfig) GracePeriodValue() time.Duration {
	return duration(w.GracePeriod, 10*time.Second)
}
