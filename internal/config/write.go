package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const starterHeader = `# taskdock configuration.
# Settings here can be overridden by TASKDOCK_* environment variables
# and by command-line flags.
`

// WriteStarter writes a commented starter config to dir/config.yaml.
// It refuses to overwrite an existing file unless force is set.
func WriteStarter(dir string, force bool) (string, error) {
	path := filepath.Join(dir, "config.yaml")
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config file already exists: %s", path)
		}
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshaling starter config: %w", err)
	}

	content := append([]byte(starterHeader), data...)
	if err := renameio.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}

	return path, nil
}

// Write persists cfg to path atomically.
func Write(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
