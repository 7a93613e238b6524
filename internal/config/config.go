package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full daemon configuration, loaded once at startup.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Compliance ComplianceConfig `koanf:"compliance"`
	Probe      ProbeConfig      `koanf:"probe"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// ComplianceConfig drives the channel policy registry and the store
// caps. Channel entries are merged over the built-in defaults, so a
// config file only needs to list the channels it overrides.
type ComplianceConfig struct {
	DefaultLevel               string                   `koanf:"default_level"`
	DefaultRequireConfirmation bool                     `koanf:"default_require_confirmation"`
	Channels                   map[string]ChannelConfig `koanf:"channels"`
	AuditLogCap                int                      `koanf:"audit_log_cap"`
	BypassLogCap               int                      `koanf:"bypass_log_cap"`
	PendingActionsCap          int                      `koanf:"pending_actions_cap"`
}

type ChannelConfig struct {
	Level               string `koanf:"level"`
	RequireConfirmation bool   `koanf:"require_confirmation"`
}

// ProbeConfig drives the connection validator.
type ProbeConfig struct {
	BaseURL       string  `koanf:"base_url"`
	Timeout       string  `koanf:"timeout"`        // per-probe, duration string
	PassThreshold float64 `koanf:"pass_threshold"` // percent, 0-100
	CacheTTL      string  `koanf:"cache_ttl"`      // duration string
	AuditLogCap   int     `koanf:"audit_log_cap"`
}

// ProbeTimeout parses the per-probe timeout, defaulting to 5s.
func (p ProbeConfig) ProbeTimeout() time.Duration {
	return parseDuration(p.Timeout, 5*time.Second)
}

// ProbeCacheTTL parses the validation cache TTL, defaulting to 60s.
func (p ProbeConfig) ProbeCacheTTL() time.Duration {
	return parseDuration(p.CacheTTL, 60*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func defaultChannels() map[string]ChannelConfig {
	return map[string]ChannelConfig{
		"api_response":  {Level: "strict", RequireConfirmation: true},
		"ui_message":    {Level: "strict", RequireConfirmation: true},
		"chat_response": {Level: "strict", RequireConfirmation: true},
		"log_message":   {Level: "moderate", RequireConfirmation: false},
		"error_message": {Level: "permissive", RequireConfirmation: false},
	}
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{Type: "memory", SQLite: SQLiteConfig{Path: "./data/outputguard.db"}},
		Compliance: ComplianceConfig{
			DefaultLevel:               "strict",
			DefaultRequireConfirmation: true,
			Channels:                   defaultChannels(),
			AuditLogCap:                1000,
			BypassLogCap:               100,
			PendingActionsCap:          50,
		},
		Probe: ProbeConfig{
			BaseURL:       "http://127.0.0.1:80",
			Timeout:       "5s",
			PassThreshold: 66.0,
			CacheTTL:      "60s",
			AuditLogCap:   100,
		},
	}
}

// Load reads configuration from path (YAML), layers OUTPUTGUARD_*
// environment variables over it, and fills gaps with built-in
// defaults. A missing or unparseable file is not fatal: the defaults
// are written back to path for the next run and used as-is.
func Load(path string, logger *slog.Logger) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("config file unreadable, falling back to defaults",
				slog.String("path", path), slog.String("error", err.Error()))
		}
		if werr := writeDefaults(path); werr != nil {
			logger.Warn("could not persist default config",
				slog.String("path", path), slog.String("error", werr.Error()))
		}
	}

	// Environment variables override file config:
	// OUTPUTGUARD_SERVER__PORT=9090 -> server.port
	if err := k.Load(env.Provider("OUTPUTGUARD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "OUTPUTGUARD_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Unmarshal replaces the channel map wholesale when the file sets
	// one; merge the built-ins back for channels left unspecified.
	merged := defaultChannels()
	for name, ch := range cfg.Compliance.Channels {
		merged[name] = ch
	}
	cfg.Compliance.Channels = merged

	return &cfg, nil
}

func writeDefaults(path string) error {
	data, err := yaml.Parser().Marshal(defaultsMap())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultsMap() map[string]any {
	d := defaults()
	channels := make(map[string]any, len(d.Compliance.Channels))
	for name, ch := range d.Compliance.Channels {
		channels[name] = map[string]any{
			"level":                ch.Level,
			"require_confirmation": ch.RequireConfirmation,
		}
	}
	return map[string]any{
		"server": map[string]any{"port": d.Server.Port},
		"storage": map[string]any{
			"type":   d.Storage.Type,
			"sqlite": map[string]any{"path": d.Storage.SQLite.Path},
		},
		"compliance": map[string]any{
			"default_level":                d.Compliance.DefaultLevel,
			"default_require_confirmation": d.Compliance.DefaultRequireConfirmation,
			"channels":                     channels,
			"audit_log_cap":                d.Compliance.AuditLogCap,
			"bypass_log_cap":               d.Compliance.BypassLogCap,
			"pending_actions_cap":          d.Compliance.PendingActionsCap,
		},
		"probe": map[string]any{
			"base_url":       d.Probe.BaseURL,
			"timeout":        d.Probe.Timeout,
			"pass_threshold": d.Probe.PassThreshold,
			"cache_ttl":      d.Probe.CacheTTL,
			"audit_log_cap":  d.Probe.AuditLogCap,
		},
	}
}
