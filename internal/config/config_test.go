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
	cfg.DefaultProfile = "work"
	cfg.Sync.BaseInterval = D(3 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Sync.BaseInterval.Duration != 3*time.Second {
		t.Errorf("BaseInterval = %v, want 3s", loaded.Sync.BaseInterval)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_profile = "alt"

[server]
base_url = "https://chat.example.com/api"

[sync]
base_interval = "500ms"
max_active = 4

[outbox]
confirm_timeout = "1m"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.BaseURL != "https://chat.example.com/api" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Sync.BaseInterval.Duration != 500*time.Millisecond {
		t.Errorf("BaseInterval = %v, want 500ms", cfg.Sync.BaseInterval)
	}
	if cfg.Sync.MaxActive != 4 {
		t.Errorf("MaxActive = %d, want 4", cfg.Sync.MaxActive)
	}
	if cfg.Outbox.ConfirmTimeout.Duration != time.Minute {
		t.Errorf("ConfirmTimeout = %v, want 1m", cfg.Outbox.ConfirmTimeout)
	}
	// Untouched keys keep their defaults.
	if cfg.Sync.MaxInterval.Duration != time.Minute {
		t.Errorf("MaxInterval = %v, want default 1m", cfg.Sync.MaxInterval)
	}
	if cfg.Outbox.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want default 5", cfg.Outbox.MaxAttempts)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "[sync]\nbase_interval = \"soon\"\n"},
		{"bad url", "[server]\nbase_url = \"localhost:5000\"\n"},
		{"max below base", "[sync]\nbase_interval = \"10s\"\nmax_interval = \"1s\"\n"},
		{"zero attempts", "[outbox]\nmax_attempts = 0\n"},
		{"page of one", "[sync]\npage_size = 1\n"},
		{"negative page", "[sync]\npage_size = -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error")
			}
		})
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
	if cfg.Server.BaseURL != Default().Server.BaseURL {
		t.Errorf("LoadOrDefault() BaseURL = %q, want default", cfg.Server.BaseURL)
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
