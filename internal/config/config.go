// Package config loads the turnstile configuration: a JSON5 file overlaid
// with TURNSTILE_* environment variables. Secrets (DSN, provider token,
// webhook secret) come from the environment only, never from the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/turnstile/internal/tracing"
)

// ServerConfig configures the inbound webhook API.
type ServerConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	VerifyToken string `json:"-"` // env TURNSTILE_VERIFY_TOKEN only
	AppSecret   string `json:"-"` // env TURNSTILE_APP_SECRET only
}

// CoalesceConfig tunes the debounce window. The hard cap is always three
// windows and the poll interval min(150ms, window).
type CoalesceConfig struct {
	WindowMS int `json:"window_ms"`
}

// Window returns the debounce window as a duration.
func (c CoalesceConfig) Window() time.Duration {
	return time.Duration(c.WindowMS) * time.Millisecond
}

// DispatchConfig tunes the outbox dispatcher.
type DispatchConfig struct {
	BatchLimit    int    `json:"batch_limit"`
	IntervalMS    int    `json:"interval_ms"`
	DeadLetterAt  int    `json:"dead_letter_at"`
	SweepSchedule string `json:"sweep_schedule"`
}

// Interval returns the dispatch cycle pause as a duration.
func (c DispatchConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file — only env TURNSTILE_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// ProviderConfig configures the outbound send adapter.
// Token comes from env TURNSTILE_PROVIDER_TOKEN only.
type ProviderConfig struct {
	BaseURL       string  `json:"base_url,omitempty"`
	PhoneNumberID string  `json:"phone_number_id,omitempty"`
	RatePerSecond float64 `json:"rate_per_second,omitempty"`
	Token         string  `json:"-"`
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig   `json:"server"`
	Coalesce  CoalesceConfig `json:"coalesce"`
	Dispatch  DispatchConfig `json:"dispatch"`
	Database  DatabaseConfig `json:"database,omitempty"`
	Provider  ProviderConfig `json:"provider,omitempty"`
	Telemetry tracing.Config `json:"telemetry,omitempty"`
}

// IsManagedMode reports whether the Postgres backend is in play.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Coalesce: CoalesceConfig{
			WindowMS: 1200,
		},
		Dispatch: DispatchConfig{
			BatchLimit:    20,
			IntervalMS:    1000,
			DeadLetterAt:  5,
			SweepSchedule: "* * * * *",
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "turnstile.db",
		},
		Provider: ProviderConfig{
			BaseURL: "https://graph.facebook.com/v20.0",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	// Secrets: env only.
	envStr("TURNSTILE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TURNSTILE_PROVIDER_TOKEN", &c.Provider.Token)
	envStr("TURNSTILE_APP_SECRET", &c.Server.AppSecret)
	envStr("TURNSTILE_VERIFY_TOKEN", &c.Server.VerifyToken)

	envStr("TURNSTILE_HOST", &c.Server.Host)
	envInt("TURNSTILE_PORT", &c.Server.Port)
	envInt("TURNSTILE_COALESCE_WINDOW_MS", &c.Coalesce.WindowMS)
	envStr("TURNSTILE_DB_MODE", &c.Database.Mode)
	envStr("TURNSTILE_SQLITE_PATH", &c.Database.SQLitePath)
}
