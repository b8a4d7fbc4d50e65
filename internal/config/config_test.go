package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSessions != Default().MaxSessions {
		t.Fatalf("expected default max sessions, got %d", cfg.MaxSessions)
	}
}

func TestLoadParsesFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"maxSessions": 10, "mattermost": {"serverUrl": "https://chat.example.com"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATCODER_MAX_SESSIONS", "25")
	t.Setenv("CHATCODER_MATTERMOST_TOKEN", "secret-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSessions != 25 {
		t.Fatalf("expected env override to win, got %d", cfg.MaxSessions)
	}
	if cfg.Mattermost.ServerURL != "https://chat.example.com" {
		t.Fatalf("expected file value preserved, got %q", cfg.Mattermost.ServerURL)
	}
	if !cfg.Mattermost.Enabled {
		t.Fatal("expected mattermost enabled once token is set")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/foo"); got != filepath.Join(home, "foo") {
		t.Fatalf("expected expansion, got %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("expected unchanged absolute path, got %q", got)
	}
}
