package main

import "client/internal/config"

// Re-export types and functions from the config sub-package for the
// headless driver/main entrypoint.

// Config holds all persistent user preferences.
type Config = config.Config

// KnownUsers maps remote ip to the most recently observed identity there.
type KnownUsers = config.KnownUsers

// LoadConfig loads settings from disk, returning defaults on any error.
func LoadConfig() Config { return config.Load() }

// SaveConfig persists cfg to disk.
func SaveConfig(cfg Config) error { return config.Save(cfg) }

// LoadKnownUsers loads the known-users history, returning an empty map on
// any error.
func LoadKnownUsers() KnownUsers { return config.LoadKnownUsers() }

// SaveKnownUsers persists the known-users history.
func SaveKnownUsers(ku KnownUsers) error { return config.SaveKnownUsers(ku) }
