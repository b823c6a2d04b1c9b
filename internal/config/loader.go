package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "QDISPATCH",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (QDISPATCH_*)
// 3. Project config (.qdispatch.yaml in current directory)
// 4. User config (~/.config/qdispatch/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", l.configFile, err)
		}
	} else if err := l.readDiscovered(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// readDiscovered reads the first config found in the search path. The user
// config lives under a different base name, so it is tried separately.
func (l *Loader) readDiscovered() error {
	l.v.SetConfigName(".qdispatch")
	l.v.SetConfigType("yaml")
	l.v.AddConfigPath(".")

	err := l.v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err == nil || !errors.As(err, &notFound) {
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		return nil
	}

	userPath, err := UserConfigPath()
	if err != nil {
		return nil
	}
	if _, statErr := os.Stat(userPath); statErr != nil {
		return nil
	}
	l.v.SetConfigFile(userPath)
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", userPath, err)
	}
	return nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("state.data_dir", ".qdispatch")
	l.v.SetDefault("state.db_path", "")

	l.v.SetDefault("dispatch.interval", "60s")
	l.v.SetDefault("dispatch.cycle_timeout", "30m")
	l.v.SetDefault("dispatch.max_run_duration", "20m")
	l.v.SetDefault("dispatch.min_worker_budget", "1m")
	l.v.SetDefault("dispatch.max_concurrency", 0)
	l.v.SetDefault("dispatch.lock_path", "")
	l.v.SetDefault("dispatch.wake_file", "")
	l.v.SetDefault("dispatch.startup_grace", "30s")

	l.v.SetDefault("git.worktree_dir", "")
	l.v.SetDefault("git.trunk", "main")
	l.v.SetDefault("git.remote", "")
	l.v.SetDefault("git.branch_prefix", "qd/")
	l.v.SetDefault("git.command_timeout", "5m")
	l.v.SetDefault("git.author_name", "qdispatch")
	l.v.SetDefault("git.author_email", "qdispatch@localhost")

	l.v.SetDefault("worker.command", "")
	l.v.SetDefault("worker.args", []string{})
	l.v.SetDefault("worker.grace_period", "10s")
	l.v.SetDefault("worker.session_dir", "")

	l.v.SetDefault("conflicts.machine_patterns", []string{
		"go.sum", "package-lock.json", "yarn.lock", "pnpm-lock.yaml", "Cargo.lock", "*.snap", "CHANGELOG.md",
	})
	l.v.SetDefault("conflicts.human_patterns", []string{"*.sql", "migrations/*"})
	l.v.SetDefault("conflicts.max_machine_files", 3)

	l.v.SetDefault("api.enabled", false)
	l.v.SetDefault("api.addr", "127.0.0.1:8765")
	l.v.SetDefault("api.cors_origins", []string{})
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
