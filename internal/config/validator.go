package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateDispatch(&cfg.Dispatch)
	v.validateGit(&cfg.Git)
	v.validateProjects(cfg.Projects)
	v.validateWorker(&cfg.Worker, len(cfg.Projects) > 0)
	v.validateConflicts(&cfg.Conflicts)
	v.validateAPI(&cfg.API)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateDuration(field, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration")
		return 0
	}
	if d <= 0 {
		v.addError(field, value, "must be positive")
	}
	return d
}

func (v *Validator) validateDispatch(cfg *DispatchConfig) {
	v.validateDuration("dispatch.interval", cfg.Interval)
	cycle := v.validateDuration("dispatch.cycle_timeout", cfg.CycleTimeout)
	run := v.validateDuration("dispatch.max_run_duration", cfg.MaxRunDuration)
	minBudget := v.validateDuration("dispatch.min_worker_budget", cfg.MinWorkerBudget)
	v.validateDuration("dispatch.startup_grace", cfg.StartupGrace)

	if cycle > 0 && minBudget >= cycle {
		v.addError("dispatch.min_worker_budget", cfg.MinWorkerBudget, "must be shorter than dispatch.cycle_timeout")
	}
	if run > 0 && minBudget > run {
		v.addError("dispatch.min_worker_budget", cfg.MinWorkerBudget, "must not exceed dispatch.max_run_duration")
	}
	if cfg.MaxConcurrency < 0 || cfg.MaxConcurrency > 32 {
		v.addError("dispatch.max_concurrency", cfg.MaxConcurrency, "must be between 0 (auto) and 32")
	}
}

var branchPrefixRe = regexp.MustCompile(`^[A-Za-z0-9._/-]*$`)

func (v *Validator) validateGit(cfg *GitConfig) {
	if strings.TrimSpace(cfg.Trunk) == "" {
		v.addError("git.trunk", cfg.Trunk, "trunk branch required")
	}
	if !branchPrefixRe.MatchString(cfg.BranchPrefix) || strings.Contains(cfg.BranchPrefix, "..") {
		v.addError("git.branch_prefix", cfg.BranchPrefix, "invalid branch prefix")
	}
	if cfg.BranchPrefix == "" {
		v.addError("git.branch_prefix", cfg.BranchPrefix, "prefix required so item branches never collide with trunk")
	}
	v.validateDuration("git.command_timeout", cfg.CommandTimeout)
}

var projectIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func (v *Validator) validateProjects(projects map[string]ProjectConfig) {
	for id, p := range projects {
		prefix := "projects." + id
		if !projectIDRe.MatchString(id) {
			v.addError(prefix, id, "project id must be lowercase letters, digits, '-' or '_'")
		}
		if p.Repo == "" {
			v.addError(prefix+".repo", p.Repo, "repository path required")
			continue
		}
		info, err := os.Stat(p.Repo)
		if err != nil || !info.IsDir() {
			v.addError(prefix+".repo", p.Repo, "repository directory does not exist")
		}
	}
}

func (v *Validator) validateWorker(cfg *WorkerConfig, required bool) {
	if required && strings.TrimSpace(cfg.Command) == "" {
		v.addError("worker.command", cfg.Command, "worker command required when projects are configured")
	}
	v.validateDuration("worker.grace_period", cfg.GracePeriod)
}

func (v *Validator) validateConflicts(cfg *ConflictsConfig) {
	for _, group := range []struct {
		field    string
		patterns []string
	}{
		{"conflicts.machine_patterns", cfg.MachinePatterns},
		{"conflicts.human_patterns", cfg.HumanPatterns},
	} {
		for _, p := range group.patterns {
			if _, err := filepath.Match(p, ""); err != nil {
				v.addError(group.field, p, "invalid glob pattern")
			}
		}
	}
	if cfg.MaxMachineFiles < 0 {
		v.addError("conflicts.max_machine_files", cfg.MaxMachineFiles, "must not be negative")
	}
}

func (v *Validator) validateAPI(cfg *APIConfig) {
	if cfg.Enabled && strings.TrimSpace(cfg.Addr) == "" {
		v.addError("api.addr", cfg.Addr, "address required when the API is enabled")
	}
}

// ValidateConfig is a convenience function that creates a validator and
// validates config. Failures are wrapped as INVALID_CONFIG domain errors.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	if err := v.Validate(cfg); err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "invalid configuration").WithCause(err)
	}
	return nil
}
