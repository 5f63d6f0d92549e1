// Package config centralises runtime configuration for Blitz services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Blitz operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// HTTPSettings configures the control-plane listener.
type HTTPSettings struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// DatabaseSettings configures the Postgres connection. An empty URL selects
// the in-memory stores.
type DatabaseSettings struct {
	URL string
}

// RateLimitSettings mirrors the admission windows.
type RateLimitSettings struct {
	Control int
	Status  int
	Global  int
	Window  time.Duration
}

// BotSettings configures worker and guard timing.
type BotSettings struct {
	SyncInterval   time.Duration
	StopGrace      time.Duration
	AcquireTimeout time.Duration
}

// BinanceSettings configures the Binance adapter.
type BinanceSettings struct {
	RequestsPerSecond float64
	Burst             int
}

// Settings contains the Blitz configuration tree loaded from defaults, an
// optional YAML file, and environment overrides.
type Settings struct {
	Environment Environment
	HTTP        HTTPSettings
	Database    DatabaseSettings
	RateLimit   RateLimitSettings
	Bot         BotSettings
	Binance     BinanceSettings
}

// Default returns the default Blitz configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		HTTP: HTTPSettings{
			Addr:            ":8870",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseSettings{URL: ""},
		RateLimit: RateLimitSettings{
			Control: 10,
			Status:  30,
			Global:  200,
			Window:  time.Minute,
		},
		Bot: BotSettings{
			SyncInterval:   15 * time.Second,
			StopGrace:      10 * time.Second,
			AcquireTimeout: 30 * time.Second,
		},
		Binance: BinanceSettings{
			RequestsPerSecond: 8,
			Burst:             4,
		},
	}
}

// fileConfig is the YAML shape; durations are strings parsed with
// time.ParseDuration.
type fileConfig struct {
	Environment string `yaml:"environment"`
	HTTP        struct {
		Addr            string `yaml:"addr"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"http"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	RateLimit struct {
		Control int    `yaml:"control"`
		Status  int    `yaml:"status"`
		Global  int    `yaml:"global"`
		Window  string `yaml:"window"`
	} `yaml:"rate_limit"`
	Bot struct {
		SyncInterval   string `yaml:"sync_interval"`
		StopGrace      string `yaml:"stop_grace"`
		AcquireTimeout string `yaml:"acquire_timeout"`
	} `yaml:"bot"`
	Binance struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"binance"`
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Settings, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := mergeYAML(&cfg, raw); err != nil {
				return Settings{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults plus env are enough.
		default:
			return Settings{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// FromEnv loads configuration from defaults and environment variables only.
func FromEnv() Settings {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

func mergeYAML(cfg *Settings, raw []byte) error {
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return err
	}

	if env := strings.TrimSpace(file.Environment); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if file.HTTP.Addr != "" {
		cfg.HTTP.Addr = file.HTTP.Addr
	}
	if err := mergeDuration(&cfg.HTTP.ShutdownTimeout, file.HTTP.ShutdownTimeout); err != nil {
		return fmt.Errorf("http.shutdown_timeout: %w", err)
	}
	if file.Database.URL != "" {
		cfg.Database.URL = file.Database.URL
	}
	if file.RateLimit.Control > 0 {
		cfg.RateLimit.Control = file.RateLimit.Control
	}
	if file.RateLimit.Status > 0 {
		cfg.RateLimit.Status = file.RateLimit.Status
	}
	if file.RateLimit.Global > 0 {
		cfg.RateLimit.Global = file.RateLimit.Global
	}
	if err := mergeDuration(&cfg.RateLimit.Window, file.RateLimit.Window); err != nil {
		return fmt.Errorf("rate_limit.window: %w", err)
	}
	if err := mergeDuration(&cfg.Bot.SyncInterval, file.Bot.SyncInterval); err != nil {
		return fmt.Errorf("bot.sync_interval: %w", err)
	}
	if err := mergeDuration(&cfg.Bot.StopGrace, file.Bot.StopGrace); err != nil {
		return fmt.Errorf("bot.stop_grace: %w", err)
	}
	if err := mergeDuration(&cfg.Bot.AcquireTimeout, file.Bot.AcquireTimeout); err != nil {
		return fmt.Errorf("bot.acquire_timeout: %w", err)
	}
	if file.Binance.RequestsPerSecond > 0 {
		cfg.Binance.RequestsPerSecond = file.Binance.RequestsPerSecond
	}
	if file.Binance.Burst > 0 {
		cfg.Binance.Burst = file.Binance.Burst
	}
	return nil
}

func mergeDuration(dst *time.Duration, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	if d > 0 {
		*dst = d
	}
	return nil
}

func applyEnv(cfg *Settings) {
	if v := strings.TrimSpace(os.Getenv("BLITZ_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("BLITZ_HTTP_ADDR")); v != "" {
		cfg.HTTP.Addr = v
	}
	envDuration(&cfg.HTTP.ShutdownTimeout, "BLITZ_HTTP_SHUTDOWN_TIMEOUT")
	if v := strings.TrimSpace(os.Getenv("BLITZ_DATABASE_URL")); v != "" {
		cfg.Database.URL = v
	}
	envInt(&cfg.RateLimit.Control, "BLITZ_RATE_CONTROL")
	envInt(&cfg.RateLimit.Status, "BLITZ_RATE_STATUS")
	envInt(&cfg.RateLimit.Global, "BLITZ_RATE_GLOBAL")
	envDuration(&cfg.RateLimit.Window, "BLITZ_RATE_WINDOW")
	envDuration(&cfg.Bot.SyncInterval, "BLITZ_SYNC_INTERVAL")
	envDuration(&cfg.Bot.StopGrace, "BLITZ_STOP_GRACE")
	envDuration(&cfg.Bot.AcquireTimeout, "BLITZ_ACQUIRE_TIMEOUT")
	if v := strings.TrimSpace(os.Getenv("BLITZ_BINANCE_RPS")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Binance.RequestsPerSecond = f
		}
	}
	envInt(&cfg.Binance.Burst, "BLITZ_BINANCE_BURST")
}

func envDuration(dst *time.Duration, name string) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}

func envInt(dst *int, name string) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}
