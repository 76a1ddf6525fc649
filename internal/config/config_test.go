package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.PhoneNumber = "+14155550123"
	cfg.AutoImportEnabled = false
	cfg.KeychainTimeout = Duration{3 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.PhoneNumber != "+14155550123" {
		t.Errorf("PhoneNumber = %q, want %q", loaded.PhoneNumber, "+14155550123")
	}
	if loaded.AutoImportEnabled {
		t.Error("AutoImportEnabled = true, want false")
	}
	if loaded.KeychainTimeout.Duration != 3*time.Second {
		t.Errorf("KeychainTimeout = %s, want 3s", loaded.KeychainTimeout)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("phone_number = \"+15550001\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.AutoImportEnabled {
		t.Error("AutoImportEnabled default lost")
	}
	if cfg.KeychainTimeout.Duration != 10*time.Second {
		t.Errorf("KeychainTimeout = %s, want 10s", cfg.KeychainTimeout)
	}
	if cfg.MessagesDBPath == "" {
		t.Error("MessagesDBPath default lost")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if !cfg.AutoImportEnabled {
		t.Error("LoadOrDefault() did not return defaults")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		phone   string
		wantErr bool
	}{
		{"empty", "", false},
		{"valid us", "+14155550123", false},
		{"valid short", "+15", false},
		{"no plus", "14155550123", true},
		{"leading zero", "+0123", true},
		{"letters", "+1415abc", true},
		{"too long", "+1234567890123456", true},
		{"space", "+1 415", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.PhoneNumber = tt.phone
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.phone, err, tt.wantErr)
			}
		})
	}
}
