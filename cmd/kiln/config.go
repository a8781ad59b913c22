package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all kiln runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	RunID         string `json:"run_id"`
	ArtifactsRoot string `json:"artifacts_root"`
	TmpRoot       string `json:"tmp_root"`
	KeepWorkspace bool   `json:"keep_workspace"`
	PoolSize      int    `json:"pool_size"` // 0 sizes the pool to the plan's widest level
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	EventsDB      string `json:"events_db"` // "off" disables the persistent event log
}

func defaultConfig() Config {
	return Config{
		ArtifactsRoot: filepath.Join(kilnDir(), "artifacts"),
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

func kilnDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kiln"
	}
	return filepath.Join(home, ".kiln")
}

func settingsPath() string {
	return filepath.Join(kilnDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("KILN_RUN_ID"); v != "" {
		cfg.RunID = v
	}
	if v := os.Getenv("KILN_ARTIFACTS_ROOT"); v != "" {
		cfg.ArtifactsRoot = v
	}
	if v := os.Getenv("KILN_TMP_ROOT"); v != "" {
		cfg.TmpRoot = v
	}
	if v := os.Getenv("KILN_KEEP_WORKSPACE"); v != "" {
		cfg.KeepWorkspace = v == "true" || v == "1"
	}
	if v := os.Getenv("KILN_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("KILN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KILN_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("KILN_EVENTS_DB"); v != "" {
		cfg.EventsDB = v
	}

	// The event log lives next to the artifacts it describes unless placed
	// explicitly, so both survive the run together.
	if cfg.EventsDB == "" {
		cfg.EventsDB = filepath.Join(cfg.ArtifactsRoot, "events.db")
	}

	return cfg
}
