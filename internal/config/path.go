// Package config provides configuration management for Capsule Bridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/graaaaa/capsule-bridge/internal/appinfo"
)

// DataDir returns the application data directory path.
// On Windows: %LOCALAPPDATA%/capsule-bridge/
// On other platforms: ~/.config/capsule-bridge/ or equivalent
func DataDir() (string, error) {
	var base string

	if runtime.GOOS == "windows" {
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			base = localAppData
		}
	}
	if base == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("get user config dir: %w", err)
		}
		base = dir
	}

	return filepath.Join(base, appinfo.DirName), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create data dir %q: %w", dir, err)
	}

	return dir, nil
}

func dataPath(filename string) (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filename), nil
}

// ConfigPath returns the path to config.json.
func ConfigPath() (string, error) {
	return dataPath(appinfo.ConfigFileName)
}

// SecretsPath returns the path to secrets.json.
func SecretsPath() (string, error) {
	return dataPath(appinfo.SecretsFileName)
}

// PreferencesPath returns the path to the preference database.
func PreferencesPath() (string, error) {
	return dataPath(appinfo.PreferencesFileName)
}

// ResolveExportDir returns cfg.ExportDir, or <data dir>/exports when unset,
// creating the directory if needed.
func ResolveExportDir(cfg Config) (string, error) {
	dir := cfg.ExportDir
	if dir == "" {
		p, err := dataPath(appinfo.ExportDirName)
		if err != nil {
			return "", err
		}
		dir = p
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create export dir %q: %w", dir, err)
	}
	return dir, nil
}
