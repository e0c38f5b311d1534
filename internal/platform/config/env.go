// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// CleanDataPath cleans path, falling back to fallback when blank.
func CleanDataPath(path, fallback string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(fallback)
	}
	if path == "" {
		return "", fmt.Errorf("data path is required")
	}
	return filepath.Clean(path), nil
}

// EnsureDataPath is CleanDataPath that also creates the parent directory so
// SQLite or bbolt can create the file.
func EnsureDataPath(path, fallback string) (string, error) {
	path, err := CleanDataPath(path, fallback)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
	}
	return path, nil
}
