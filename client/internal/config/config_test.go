package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"client/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Theme != "dark" {
		t.Errorf("expected theme 'dark', got %q", cfg.Theme)
	}
	if cfg.BitrateKbps != 64 {
		t.Errorf("expected default bitrate 64, got %d", cfg.BitrateKbps)
	}
	if cfg.VADThreshold <= 0 {
		t.Error("expected a positive default vad threshold")
	}
	if cfg.Hotkeys.PushToTalk == "" || cfg.Hotkeys.PushToMute == "" {
		t.Error("expected default hotkey bindings")
	}
	if cfg.VolumeByIP == nil {
		t.Error("expected VolumeByIP to be initialized, not nil")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		Theme:        "dracula",
		Username:     "alice",
		BitrateKbps:  24,
		VADThreshold: 0.05,
		InputDevice:  "USB Mic",
		OutputDevice: "Speakers",
		Hotkeys:      config.Hotkeys{PushToTalk: "Space", PushToMute: "F10"},
		VolumeByIP:   map[string]float64{"192.168.1.10": 0.5},
	}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.Theme != cfg.Theme {
		t.Errorf("theme: want %q got %q", cfg.Theme, loaded.Theme)
	}
	if loaded.Username != cfg.Username {
		t.Errorf("username: want %q got %q", cfg.Username, loaded.Username)
	}
	if loaded.BitrateKbps != cfg.BitrateKbps {
		t.Errorf("bitrate: want %d got %d", cfg.BitrateKbps, loaded.BitrateKbps)
	}
	if loaded.VADThreshold != cfg.VADThreshold {
		t.Errorf("vad threshold: want %v got %v", cfg.VADThreshold, loaded.VADThreshold)
	}
	if loaded.Hotkeys != cfg.Hotkeys {
		t.Errorf("hotkeys: want %+v got %+v", cfg.Hotkeys, loaded.Hotkeys)
	}
	if loaded.VolumeForIP("192.168.1.10") != 0.5 {
		t.Errorf("per-ip volume not persisted: got %v", loaded.VolumeForIP("192.168.1.10"))
	}
}

func TestVolumeForIPDefaultsToUnity(t *testing.T) {
	cfg := config.Default()
	if v := cfg.VolumeForIP("10.0.0.5"); v != 1.0 {
		t.Errorf("expected default volume 1.0 for unknown ip, got %v", v)
	}
}

func TestSetVolumeForIPOnNilMap(t *testing.T) {
	cfg := config.Config{}
	cfg.SetVolumeForIP("10.0.0.5", 0.3)
	if cfg.VolumeForIP("10.0.0.5") != 0.3 {
		t.Error("expected SetVolumeForIP to work even from a zero-value Config")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.Theme == "" {
		t.Error("expected non-empty theme from defaults")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "bken", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json {{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.Theme != "dark" {
		t.Errorf("expected default theme on corrupt file, got %q", cfg.Theme)
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "bken", "config.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestKnownUsersObserveTracksFirstAndLastSeen(t *testing.T) {
	ku := make(config.KnownUsers)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	ku.Observe("10.0.0.5", "alice", t0)
	ku.Observe("10.0.0.5", "alice", t1)

	entry := ku["10.0.0.5"]
	if !entry.FirstSeen.Equal(t0) {
		t.Errorf("expected FirstSeen to stay at first observation, got %v", entry.FirstSeen)
	}
	if !entry.LastSeen.Equal(t1) {
		t.Errorf("expected LastSeen updated to latest observation, got %v", entry.LastSeen)
	}
}

func TestKnownUsersSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	ku := make(config.KnownUsers)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ku.Observe("10.0.0.5", "bob", now)

	if err := config.SaveKnownUsers(ku); err != nil {
		t.Fatalf("SaveKnownUsers: %v", err)
	}

	loaded := config.LoadKnownUsers()
	entry, ok := loaded["10.0.0.5"]
	if !ok {
		t.Fatal("expected known-user entry to round-trip")
	}
	if entry.Nick != "bob" {
		t.Errorf("nick: want bob got %q", entry.Nick)
	}
}

func TestLoadKnownUsersMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	ku := config.LoadKnownUsers()
	if ku == nil || len(ku) != 0 {
		t.Errorf("expected empty map for missing file, got %+v", ku)
	}
}
