// Package config provides the throttle and maintenance configuration snapshots
// and the INI file provider that loads and persists them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// appDir returns the per-user application directory.
//
// Locations:
//   - Windows: %APPDATA%\Rescale\Pacer
//   - Unix: ~/.config/rescale
func appDir() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", errors.New("neither APPDATA nor USERPROFILE environment variable set")
			}
			appData = filepath.Join(userProfile, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Rescale", "Pacer"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rescale"), nil
}

// DefaultConfigPath returns the default path for pacer.conf.
func DefaultConfigPath() (string, error) {
	dir, err := appDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pacer.conf"), nil
}

// LogDirectory returns the directory holding session log files.
//
// Locations:
//   - Windows: %LOCALAPPDATA%\Rescale\Pacer\logs
//   - Unix: ~/.config/rescale/pacer-logs
func LogDirectory() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), "rescale-pacer-logs")
			}
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "Rescale", "Pacer", "logs")
	}

	dir, err := appDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rescale-pacer-logs")
	}
	return filepath.Join(dir, "pacer-logs")
}

// TaskStatePath returns the default location of the background task registry.
func TaskStatePath() string {
	dir, err := appDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rescale-pacer-tasks.json")
	}
	return filepath.Join(dir, "pacer-tasks.json")
}
