package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 38488 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Tracker.DefaultIntervalMinutes != 25 {
		t.Errorf("default interval = %d", cfg.Tracker.DefaultIntervalMinutes)
	}
	if cfg.Proactivity.StateStaleSeconds != 3600 {
		t.Errorf("stale seconds = %d", cfg.Proactivity.StateStaleSeconds)
	}
	if got := cfg.ListenAddr(); got != "127.0.0.1:38488" {
		t.Errorf("listen addr = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 38488 {
		t.Errorf("missing file did not yield defaults: %+v", cfg.Server)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secretary.toml")
	doc := `
[server]
bind = "0.0.0.0"
port = 9000

[storage]
backend = "file"
path = "/var/lib/secretary/snapshot.json"

[proactivity]
state_stale_seconds = 1800
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr() != "0.0.0.0:9000" {
		t.Errorf("listen addr = %q", cfg.ListenAddr())
	}
	if cfg.Storage.Backend != "file" || cfg.Storage.Path != "/var/lib/secretary/snapshot.json" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Proactivity.StateStaleSeconds != 1800 {
		t.Errorf("stale seconds = %d", cfg.Proactivity.StateStaleSeconds)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Tracker.DefaultIntervalMinutes != 25 {
		t.Errorf("default interval = %d", cfg.Tracker.DefaultIntervalMinutes)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secretary.toml")
	if err := os.WriteFile(path, []byte("[server\nport="), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed toml accepted")
	}
}

func TestEnvTokenOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secretary.toml")
	doc := "[telegram]\ntoken = \"from-file\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TELEGRAM_BOT_TOKEN", "from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Errorf("token = %q, want env override", cfg.Telegram.Token)
	}
}
