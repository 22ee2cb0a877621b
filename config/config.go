package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// APIKeyConfig maps a gateway API key to its shared HMAC secret. Keys marked
// as arbiter may invoke dispute resolution and emergency refunds.
type APIKeyConfig struct {
	Key     string `toml:"Key"`
	Secret  string `toml:"Secret"`
	Arbiter bool   `toml:"Arbiter"`
}

// RateLimitConfig bounds per-client request rates on the gateway.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// TelemetryConfig wires the OTLP exporter.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
}

// LogConfig controls structured log output. When File is set, log lines are
// additionally written to a size-rotated file.
type LogConfig struct {
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

type Config struct {
	ListenAddress      string          `toml:"ListenAddress"`
	DataDir            string          `toml:"DataDir"`
	AuditDBPath        string          `toml:"AuditDBPath"`
	FeeBps             uint32          `toml:"FeeBps"`
	AutoReleaseTimeout string          `toml:"AutoReleaseTimeout"`
	Treasury           string          `toml:"Treasury"`
	Arbiter            string          `toml:"Arbiter"`
	CustodySeed        string          `toml:"CustodySeed"`
	SweepInterval      string          `toml:"SweepInterval"`
	APIKeys            []APIKeyConfig  `toml:"APIKeys"`
	RateLimit          RateLimitConfig `toml:"RateLimit"`
	Telemetry          TelemetryConfig `toml:"Telemetry"`
	Log                LogConfig       `toml:"Log"`
}

const (
	// DefaultAutoReleaseTimeout mirrors the engine default: delivered
	// escrows settle permissionlessly after 72 hours without buyer action.
	DefaultAutoReleaseTimeout = 72 * time.Hour
	// DefaultFeeBps mirrors the engine default platform fee of 2.5%.
	DefaultFeeBps uint32 = 250

	defaultListenAddress = ":8660"
	defaultDataDir       = "./tradepost-data"
	defaultSweepInterval = 30 * time.Second
)

// Load loads the configuration from the given path. A missing file yields the
// documented defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.AuditDBPath) == "" {
		c.AuditDBPath = c.DataDir + "/audit.db"
	}
	if c.FeeBps == 0 {
		c.FeeBps = DefaultFeeBps
	}
	if strings.TrimSpace(c.AutoReleaseTimeout) == "" {
		c.AutoReleaseTimeout = DefaultAutoReleaseTimeout.String()
	}
	if strings.TrimSpace(c.SweepInterval) == "" {
		c.SweepInterval = defaultSweepInterval.String()
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
}

// Validate checks the loaded configuration for structural problems.
func (c *Config) Validate() error {
	if c.FeeBps > 10_000 {
		return fmt.Errorf("config: FeeBps %d out of range", c.FeeBps)
	}
	if _, err := c.AutoReleaseDuration(); err != nil {
		return err
	}
	if _, err := c.SweepDuration(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Treasury) != "" {
		if _, err := ParseAddress(c.Treasury); err != nil {
			return fmt.Errorf("config: Treasury: %w", err)
		}
	}
	if strings.TrimSpace(c.Arbiter) != "" {
		if _, err := ParseAddress(c.Arbiter); err != nil {
			return fmt.Errorf("config: Arbiter: %w", err)
		}
	}
	seen := make(map[string]struct{}, len(c.APIKeys))
	for _, key := range c.APIKeys {
		trimmed := strings.TrimSpace(key.Key)
		if trimmed == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: API keys require both Key and Secret")
		}
		if _, dup := seen[trimmed]; dup {
			return fmt.Errorf("config: duplicate API key %q", trimmed)
		}
		seen[trimmed] = struct{}{}
	}
	return nil
}

// AutoReleaseDuration parses the configured auto-release timeout.
func (c *Config) AutoReleaseDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.AutoReleaseTimeout)
	if err != nil {
		return 0, fmt.Errorf("config: AutoReleaseTimeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: AutoReleaseTimeout must be positive")
	}
	return d, nil
}

// SweepDuration parses the configured auto-release sweep interval.
func (c *Config) SweepDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 0, fmt.Errorf("config: SweepInterval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: SweepInterval must be positive")
	}
	return d, nil
}

// ParseAddress decodes a 20-byte hex address, with or without 0x prefix.
func ParseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("invalid address %q: want 20 bytes, got %d", s, len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}
