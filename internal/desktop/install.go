// Package desktop imports message history from a Signal Desktop
// installation on the same machine. The import is one-shot and read-only
// with respect to Signal Desktop's own files.
package desktop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ImportErrorKind classifies import failures.
type ImportErrorKind int

const (
	NotInstalled ImportErrorKind = iota
	KeyUnavailable
	WrongKey
	IOFailure
)

func (k ImportErrorKind) String() string {
	switch k {
	case NotInstalled:
		return "not installed"
	case KeyUnavailable:
		return "key unavailable"
	case WrongKey:
		return "wrong key"
	default:
		return "i/o failure"
	}
}

// ErrNotInstalled is wrapped by the NotInstalled ImportError.
var ErrNotInstalled = errors.New("Signal Desktop not found")

// ImportError is returned for every failure of the import pipeline.
type ImportError struct {
	Kind ImportErrorKind
	Err  error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("desktop import: %s: %v", e.Kind, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// Installation points at a Signal Desktop data directory.
type Installation struct {
	Dir        string
	DBPath     string
	ConfigPath string
}

// DefaultDir returns Signal Desktop's data directory for this OS:
// ~/Library/Application Support/Signal, ~/.config/Signal or %AppData%\Signal.
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "Signal")
}

// Locate describes the installation rooted at dir, or DefaultDir if empty.
func Locate(dir string) Installation {
	if dir == "" {
		dir = DefaultDir()
	}
	return Installation{
		Dir:        dir,
		DBPath:     filepath.Join(dir, "sql", "db.sqlite"),
		ConfigPath: filepath.Join(dir, "config.json"),
	}
}

// Installed reports whether the Signal Desktop database exists.
func (i Installation) Installed() bool {
	info, err := os.Stat(i.DBPath)
	return err == nil && !info.IsDir()
}
