// Package config loads platform configuration from an optional YAML file
// overlaid by environment variables. A .env file is honored in dev via
// godotenv; in production the KV service address is mandatory.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the process-wide configuration handed to components at init.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	KV     KVConfig     `yaml:"kv"`
	Queue  QueueConfig  `yaml:"queue"`
	Scan   ScanConfig   `yaml:"scan"`
	Abuse  AbuseConfig  `yaml:"abuse"`
	Fabric FabricConfig `yaml:"fabric"`
	AI     AIConfig     `yaml:"ai"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"` // "production" enables strict checks
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type KVConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type QueueConfig struct {
	GlobalScanLimit int           `yaml:"global_scan_limit"`
	DedupeWindow    time.Duration `yaml:"dedupe_window"`
	EWMASamples     int           `yaml:"ewma_samples"`
}

type ScanConfig struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	DefaultCrawlDelay time.Duration `yaml:"default_crawl_delay"`
	UserAgents        []string      `yaml:"user_agents"`
	ScreenshotDir     string        `yaml:"screenshot_dir"`
}

type AbuseConfig struct {
	DecayTau      time.Duration `yaml:"decay_tau"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MinDwell      time.Duration `yaml:"min_dwell"`
	// Priority demerits applied at admission per abuse state.
	HighRiskDemerit float64 `yaml:"high_risk_demerit"`
	WarningDemerit  float64 `yaml:"warning_demerit"`
}

type FabricConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type AIConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	Model               string  `yaml:"model"`
}

// Default returns the configuration with all documented defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "development"},
		Queue: QueueConfig{
			GlobalScanLimit: 50,
			DedupeWindow:    30 * time.Second,
			EWMASamples:     20,
		},
		Scan: ScanConfig{
			DefaultTimeout:    30 * time.Second,
			DefaultCrawlDelay: 1 * time.Second,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
				"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
			},
		},
		Abuse: AbuseConfig{
			DecayTau:        24 * time.Hour,
			SweepInterval:   15 * time.Minute,
			MinDwell:        time.Hour,
			HighRiskDemerit: 2000,
			WarningDemerit:  500,
		},
		Fabric: FabricConfig{SubscriberBuffer: 256},
		AI:     AIConfig{ConfidenceThreshold: 0.6, Model: "claude-sonnet-4-20250514"},
	}
}

// Load reads the optional YAML file at path (empty path skips the file),
// then applies environment overrides.
func Load(path string) (*Config, error) {
	// .env is optional; only useful in dev.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("KV_URL"); v != "" {
		c.KV.URL = v
	}
	if v := os.Getenv("KV_TOKEN"); v != "" {
		c.KV.Token = v
	}
	if v := os.Getenv("GLOBAL_SCAN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.GlobalScanLimit = n
		}
	}
	if v := os.Getenv("SCAN_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scan.DefaultTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("SCREENSHOT_DIR"); v != "" {
		c.Scan.ScreenshotDir = v
	}
	if v := os.Getenv("SCAN_DEFAULT_CRAWL_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scan.DefaultCrawlDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("ABUSE_DECAY_TAU_H"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Abuse.DecayTau = time.Duration(n) * time.Hour
		}
	}
	if v := os.Getenv("ABUSE_SWEEP_INTERVAL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Abuse.SweepInterval = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("AI_CLASSIFY_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.AI.ConfidenceThreshold = f
		}
	}
}

// Production reports whether strict production checks apply.
func (c *Config) Production() bool {
	return c.Server.Env == "production"
}

// Validate enforces invariants that cannot be defaulted away. The KV
// address is fatal to omit in production; elsewhere the in-process mock
// is substituted and a warning logged.
func (c *Config) Validate() error {
	if c.KV.URL == "" {
		if c.Production() {
			return fmt.Errorf("KV_URL is required in production")
		}
		slog.Warn("KV_URL not set; using in-process key-value mock")
	}
	if c.Queue.GlobalScanLimit <= 0 {
		return fmt.Errorf("global scan limit must be positive")
	}
	return nil
}
