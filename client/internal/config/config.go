// Package config manages persistent user preferences for the bken voice
// client: global settings (as a JSON key-value store) and the separate
// known-users history file, both under os.UserConfigDir()/bken.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Hotkeys holds the configurable global hotkey bindings.
type Hotkeys struct {
	PushToTalk string `json:"push_to_talk"`
	PushToMute string `json:"push_to_mute"`
}

// Config holds all persistent user preferences: global settings plus
// per-remote-user volume keyed by ip, per spec §6's persisted state.
type Config struct {
	Theme        string  `json:"theme"`
	Username     string  `json:"username"`
	BitrateKbps  int     `json:"bitrate_kbps"`
	VADThreshold float64 `json:"vad_threshold"`
	InputDevice  string  `json:"input_device"`
	OutputDevice string  `json:"output_device"`
	Hotkeys      Hotkeys `json:"hotkeys"`

	// VolumeByIP is the per-remote-user volume multiplier, keyed by the
	// remote's ip (not uid — uids are reassigned per session, ip is the
	// stable identity spec §6 keys persisted volume on).
	VolumeByIP map[string]float64 `json:"volume_by_ip"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Theme:        "dark",
		BitrateKbps:  64,
		VADThreshold: 0.02,
		Hotkeys: Hotkeys{
			PushToTalk: "CapsLock",
			PushToMute: "F9",
		},
		VolumeByIP: make(map[string]float64),
	}
}

// Path returns the absolute path to the settings file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bken", "config.json"), nil
}

// Load reads the settings file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	if cfg.VolumeByIP == nil {
		cfg.VolumeByIP = make(map[string]float64)
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// VolumeForIP returns the persisted volume for a remote ip, defaulting to
// 1.0 (unity gain) if none has been saved.
func (c Config) VolumeForIP(ip string) float64 {
	if v, ok := c.VolumeByIP[ip]; ok {
		return v
	}
	return 1.0
}

// SetVolumeForIP records a per-remote-user volume. Callers still need to
// call Save to persist it.
func (c *Config) SetVolumeForIP(ip string, volume float64) {
	if c.VolumeByIP == nil {
		c.VolumeByIP = make(map[string]float64)
	}
	c.VolumeByIP[ip] = volume
}

// KnownUser is one entry of the known-users history: the nick last seen at
// an ip, and when that ip was first/last observed.
type KnownUser struct {
	Nick      string    `json:"nick"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// KnownUsers maps remote ip to the most recently observed identity at that
// address. Persisted as its own JSON file, separate from settings, per
// spec §6 ("a key-value store and a JSON file respectively").
type KnownUsers map[string]KnownUser

// KnownUsersPath returns the absolute path to the known-users history file.
func KnownUsersPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bken", "known_users.json"), nil
}

// LoadKnownUsers reads the known-users history, returning an empty map on
// any error.
func LoadKnownUsers() KnownUsers {
	path, err := KnownUsersPath()
	if err != nil {
		return make(KnownUsers)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return make(KnownUsers)
	}
	var ku KnownUsers
	if err := json.Unmarshal(data, &ku); err != nil {
		return make(KnownUsers)
	}
	if ku == nil {
		ku = make(KnownUsers)
	}
	return ku
}

// SaveKnownUsers persists the known-users history.
func SaveKnownUsers(ku KnownUsers) error {
	path, err := KnownUsersPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ku, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Observe records or updates a known-user entry for ip, touching LastSeen
// (and FirstSeen if this is a new entry).
func (ku KnownUsers) Observe(ip, nick string, now time.Time) {
	entry, ok := ku[ip]
	if !ok {
		entry.FirstSeen = now
	}
	entry.Nick = nick
	entry.LastSeen = now
	ku[ip] = entry
}
