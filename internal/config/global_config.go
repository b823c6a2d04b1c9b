package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/fsutil"
)

// ProjectConfigFile is the per-directory config file name.
const ProjectConfigFile = ".qdispatch.yaml"

// UserConfigPath returns the per-user configuration path.
func UserConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "qdispatch", "config.yaml"), nil
}

// WriteDefaultConfig writes DefaultConfigYAML to path. An existing file is
// left alone unless force is set. It reports whether a file was written.
func WriteDefaultConfig(path string, force bool) (bool, error) {
	if _, statErr := os.Stat(path); statErr == nil && !force {
		return false, nil
	} else if statErr != nil && !os.IsNotExist(statErr) {
		return false, fmt.Errorf("checking config: %w", statErr)
	}

	if err := fsutil.AtomicWriteFile(path, []byte(DefaultConfigYAML), 0o600); err != nil {
		return false, fmt.Errorf("writing config: %w", err)
	}
	return true, nil
}
