package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - UPLINK_CONFIG_PATH: config file location (default: ~/.config/uplink.toml)
//   - UPLINK_HOME: base directory for uplink data (default: ~/.local/share/uplink)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking UPLINK_CONFIG_PATH env
// var first, then falling back to the default ~/.config/uplink.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("UPLINK_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "uplink.toml"), nil
}

// getBaseDir returns the base directory for uplink data, checking UPLINK_HOME
// env var first, then falling back to the XDG default ~/.local/share/uplink.
func getBaseDir() (string, error) {
	if path := os.Getenv("UPLINK_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "uplink"), nil
}
