// Package appdir resolves where sigvault keeps its files.
package appdir

import (
	"os"
	"path/filepath"
)

// BaseDir returns the sigvault config directory, e.g. ~/.config/sigvault.
func BaseDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sigvault")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// MessagesDBPath returns the default encrypted message database path.
func MessagesDBPath() string {
	return filepath.Join(BaseDir(), "messages.db")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "sigvault.log")
}

// EnsureDir creates dir and its log directory with owner-only permissions.
func EnsureDir(dir string) error {
	for _, d := range []string{dir, filepath.Join(dir, "logs")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
