// Package config loads crrsync's runtime settings through a layered
// viper configuration: one config file (the nearest project
// .crrsync/config.yaml, or the user config file when no project file is
// found), then environment variables, then explicit overrides, matching the
// precedence a caller (store.Open, the sync orchestrator) expects to
// reason about.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/untoldecay/crrsync/internal/telemetry"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called
// once at process startup, before the first store.Open.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD to find a project .crrsync/config.yaml, so
	// commands work from any subdirectory of a checkout.
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".crrsync", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/crrsync/config.yaml).
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "crrsync", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. CRR_DOCUMENT, CRR_SYNC_ENDPOINT, CRR_SITE_ID.
	v.SetEnvPrefix("CRR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("site-id", "")
	v.SetDefault("document", "default")
	v.SetDefault("db", "")
	v.SetDefault("lock-timeout", "30s")
	v.SetDefault("busy-timeout", "5s")

	// HLC skew budget: how far a peer's physical clock may run ahead of
	// the local wall clock. Only the default is set here; no component
	// reads this key, and hlc.Receive does not check peer skew.
	v.SetDefault("hlc.max-skew", "5m")

	// Sync orchestrator defaults.
	v.SetDefault("sync.endpoint", "")
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.transport", "http") // "http" | "websocket" | "commit"
	v.SetDefault("sync.auto-pull-on-needs-pull", true)

	// Tombstone retention, passed to apply.Options.TombstoneTTL by
	// store.OpenFromConfig; the apply engine does not read that field.
	v.SetDefault("apply.tombstone-ttl", "0s")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read config file: %w", err)
		}
		telemetry.Debugf("loaded config from %s", v.ConfigFileUsed())
	} else {
		telemetry.Debugf("no config.yaml found; using defaults and environment variables")
	}

	return nil
}

// Source represents where a configuration value came from.
type Source string

const (
	SourceDefault    Source = "default"
	SourceConfigFile Source = "config_file"
	SourceEnvVar     Source = "env_var"
)

// GetValueSource returns the source of a configuration value. Priority
// (highest to lowest): env var > config file > default.
func GetValueSource(key string) Source {
	if v == nil {
		return SourceDefault
	}
	envKey := "CRR_" + strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(key, "-", "_"), ".", "_"))
	if os.Getenv(envKey) != "" {
		return SourceEnvVar
	}
	if v.InConfig(key) {
		return SourceConfigFile
	}
	return SourceDefault
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value at runtime.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns every configuration setting as a map, for a
// diagnostics dump.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// GetSiteID resolves this replica's site identifier.
// Priority chain:
//  1. flagValue (if non-empty, from an explicit --site-id flag)
//  2. CRR_SITE_ID env var / config.yaml site-id field (via viper)
//  3. hostname
//  4. a freshly generated uuid, for the caller to persist for next time
func GetSiteID(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if id := GetString("site-id"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return uuid.NewString()
}
