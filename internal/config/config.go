package config

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names for config overrides.
// Priority: Environment > Config File > Default
const (
	EnvPort             = "CAPSULE_BRIDGE_PORT"
	EnvLanEnabled       = "CAPSULE_BRIDGE_LAN_ENABLED"
	EnvServerRoot       = "CAPSULE_BRIDGE_SERVER_ROOT"
	EnvSocketRoot       = "CAPSULE_BRIDGE_SOCKET_ROOT"
	EnvFFmpegPath       = "CAPSULE_BRIDGE_FFMPEG_PATH"
	EnvExportDir        = "CAPSULE_BRIDGE_EXPORT_DIR"
	EnvReconnectDelayMs = "CAPSULE_BRIDGE_RECONNECT_DELAY_MS"
	EnvProbeTimeoutSec  = "CAPSULE_BRIDGE_PROBE_TIMEOUT_SEC"
)

// Config holds non-sensitive application configuration.
type Config struct {
	SchemaVersion    int    `json:"schema_version"`
	Port             int    `json:"port"`
	LanEnabled       bool   `json:"lan_enabled"`
	ServerRoot       string `json:"server_root"`
	SocketRoot       string `json:"socket_root"`
	FFmpegPath       string `json:"ffmpeg_path"`
	ExportDir        string `json:"export_dir"`
	ReconnectDelayMs int    `json:"reconnect_delay_ms"`
	ProbeTimeoutSec  int    `json:"probe_timeout_sec"`
}

func (c Config) schemaVersion() int { return c.SchemaVersion }

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SchemaVersion:    CurrentSchemaVersion,
		Port:             8765,
		LanEnabled:       false,
		ServerRoot:       "http://localhost:8000",
		SocketRoot:       "", // derived from ServerRoot
		FFmpegPath:       "ffmpeg",
		ExportDir:        "", // <data dir>/exports
		ReconnectDelayMs: 1000,
		ProbeTimeoutSec:  5,
	}
}

// ReconnectDelay returns the websocket reconnect delay.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// ProbeTimeout returns the per-attempt timeout for device probes.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}

// WebsocketURL returns SocketRoot, or the ws(s) equivalent of ServerRoot
// with a /ws path when SocketRoot is empty.
func (c Config) WebsocketURL() string {
	if c.SocketRoot != "" {
		return c.SocketRoot
	}
	u, err := url.Parse(c.ServerRoot)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// LoadConfig reads config from disk. If the file doesn't exist or is corrupt,
// it returns DefaultConfig with a warning logged (non-fatal).
func LoadConfig() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	return LoadConfigFrom(path)
}

// LoadConfigFrom reads config from path. An unusable file is logged and
// replaced by defaults; only a failure to locate the data dir is an error.
func LoadConfigFrom(path string) (Config, error) {
	cfg, status, err := readVersioned(path, DefaultConfig())
	if err != nil {
		slog.Warn("config file unusable, using defaults", "path", path, "status", status, "error", err)
	}
	return normalizeConfig(cfg), nil
}

// normalizeConfig validates and normalizes config values.
func normalizeConfig(cfg Config) Config {
	defaults := DefaultConfig()

	cfg.SchemaVersion = CurrentSchemaVersion

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = defaults.Port
	}

	cfg.ServerRoot = strings.TrimSuffix(strings.TrimSpace(cfg.ServerRoot), "/")
	if u, err := url.Parse(cfg.ServerRoot); cfg.ServerRoot == "" || err != nil || u.Host == "" {
		cfg.ServerRoot = defaults.ServerRoot
	}

	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = defaults.FFmpegPath
	}

	if cfg.ReconnectDelayMs <= 0 {
		cfg.ReconnectDelayMs = defaults.ReconnectDelayMs
	}

	if cfg.ProbeTimeoutSec <= 0 {
		cfg.ProbeTimeoutSec = defaults.ProbeTimeoutSec
	}

	return cfg
}

// SaveConfig writes config to disk atomically.
func SaveConfig(cfg Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	return SaveConfigTo(cfg, path)
}

// SaveConfigTo writes config to the specified path atomically.
func SaveConfigTo(cfg Config, path string) error {
	cfg.SchemaVersion = CurrentSchemaVersion

	return writeJSONAtomic(path, cfg, 0600)
}

// ApplyEnvOverrides applies environment variable overrides to the config.
// Environment variables take highest priority over config file values.
func ApplyEnvOverrides(cfg Config) Config {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port <= 65535 {
			cfg.Port = port
		}
	}

	if v := os.Getenv(EnvLanEnabled); v != "" {
		cfg.LanEnabled = parseBool(v)
	}

	if v := os.Getenv(EnvServerRoot); v != "" {
		cfg.ServerRoot = strings.TrimSuffix(v, "/")
	}

	if v := os.Getenv(EnvSocketRoot); v != "" {
		cfg.SocketRoot = v
	}

	if v := os.Getenv(EnvFFmpegPath); v != "" {
		cfg.FFmpegPath = v
	}

	if v := os.Getenv(EnvExportDir); v != "" {
		cfg.ExportDir = v
	}

	if v := os.Getenv(EnvReconnectDelayMs); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.ReconnectDelayMs = ms
		}
	}

	if v := os.Getenv(EnvProbeTimeoutSec); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.ProbeTimeoutSec = sec
		}
	}

	return cfg
}

// parseBool parses a boolean from various string representations.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
// All other values are treated as false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
