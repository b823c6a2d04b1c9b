package git

import (
	"path"
	"strings"
)

// ConflictClass says who has to resolve an integration conflict.
type ConflictClass string

const (
	// ConflictMachine conflicts go back to the agent as rework.
	ConflictMachine ConflictClass = "machine"
	// ConflictHuman conflicts block the ticket until a person intervenes.
	ConflictHuman ConflictClass = "human"
)

// ConflictPolicy draws the line between conflicts an agent can redo and
// ones that need a person.
type ConflictPolicy struct {
	// MachinePatterns match generated or mechanical files (lock files,
	// snapshots, changelogs).
	MachinePatterns []string
	// HumanPatterns always escalate, regardless of count.
	HumanPatterns []string
	// MaxMachineFiles is the largest conflict set still handed back to the
	// agent when some paths match no machine pattern.
	MaxMachineFiles int
}

// DefaultConflictPolicy returns the built-in policy.
func DefaultConflictPolicy() ConflictPolicy {
	return ConflictPolicy{
		MachinePatterns: []string{
			"go.sum", "package-lock.json", "yarn.lock", "pnpm-lock.yaml",
			"Cargo.lock", "*.snap", "CHANGELOG.md",
		},
		HumanPatterns:   []string{"*.sql", "migrations/*"},
		MaxMachineFiles: 3,
	}
}

// Classify decides who resolves a conflict on paths. An empty set means git
// failed without naming files, which only a person can sort out.
func (p ConflictPolicy) Classify(paths []string) ConflictClass {
	if len(paths) == 0 {
		return ConflictHuman
	}
	for _, f := range paths {
		if matchAny(p.HumanPatterns, f) {
			return ConflictHuman
		}
	}
	allMachine := true
	for _, f := range paths {
		if !matchAny(p.MachinePatterns, f) {
			allMachine = false
			break
		}
	}
	if allMachine || len(paths) <= p.MaxMachineFiles {
		return ConflictMachine
	}
	return ConflictHuman
}

func matchAny(patterns []string, file string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, file) {
			return true
		}
	}
	return false
}

// matchPattern matches slash-free patterns against the base name and the
// rest against the whole repository-relative path.
func matchPattern(pattern, file string) bool {
	file = strings.TrimPrefix(path.Clean(strings.ReplaceAll(file, "\\", "/")), "./")
	target := file
	if !strings.Contains(pattern, "/") {
		target = path.Base(file)
	}
	ok, err := path.Match(pattern, target)
	return err == nil && ok
}
