// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config assembles kiosk settings from defaults, an optional .env file and
// KIOSK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mobiletoly/go-kiosksync/kiosksync"
	"github.com/mobiletoly/go-kiosksync/remote"
	"github.com/mobiletoly/go-kiosksync/session"
)

// Config holds all configuration of a kiosk terminal
type Config struct {
	// Backend and device identity
	BackendURL      string
	SerialNumber    string
	MACAddress      string
	FirmwareVersion string
	HTTPTimeout     time.Duration

	// Local storage
	DatabasePath  string
	RetentionDays int

	// Sync behavior
	SweepInterval       time.Duration
	BackoffMin          time.Duration
	BackoffMax          time.Duration
	HeartbeatInterval   time.Duration
	TelemetryQueueLimit int
	MaxRetries          int
	TelemetryMaxRetries int
	LowStockThreshold   int

	// Session
	TokenRefreshSkew time.Duration

	// Operations
	LogLevel   string
	StatusAddr string // empty disables the status server
}

// DefaultConfig returns a configuration with sensible defaults for a kiosk
func DefaultConfig() *Config {
	engine := kiosksync.DefaultConfig()
	sess := session.DefaultConfig()
	return &Config{
		HTTPTimeout: remote.DefaultTimeout,

		DatabasePath:  "kiosk.db",
		RetentionDays: engine.RetentionDays,

		SweepInterval:       engine.SweepInterval,
		BackoffMin:          engine.BackoffMin,
		BackoffMax:          engine.BackoffMax,
		HeartbeatInterval:   engine.HeartbeatInterval,
		TelemetryQueueLimit: engine.TelemetryQueueLimit,
		MaxRetries:          engine.MaxRetries,
		TelemetryMaxRetries: engine.TelemetryMaxRetries,
		LowStockThreshold:   engine.LowStockThreshold,

		TokenRefreshSkew: sess.RefreshSkew,

		LogLevel:   "info",
		StatusAddr: ":9090",
	}
}

// Load reads .env (a missing file is fine) and overlays the process environment on
// the defaults. Variables already set in the environment win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// LoadFile overlays the variables of a single env file on the defaults, ignoring the
// process environment.
func LoadFile(path string) (*Config, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return FromEnv(func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	})
}

// FromEnv overlays variables returned by lookup on the defaults.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	c := DefaultConfig()
	p := parser{lookup: lookup}

	p.str("KIOSK_BACKEND_URL", &c.BackendURL)
	p.str("KIOSK_SERIAL_NUMBER", &c.SerialNumber)
	p.str("KIOSK_MAC_ADDRESS", &c.MACAddress)
	p.str("KIOSK_FIRMWARE_VERSION", &c.FirmwareVersion)
	p.duration("KIOSK_HTTP_TIMEOUT", &c.HTTPTimeout)

	p.str("KIOSK_DB_PATH", &c.DatabasePath)
	p.integer("KIOSK_RETENTION_DAYS", &c.RetentionDays)

	p.duration("KIOSK_SWEEP_INTERVAL", &c.SweepInterval)
	p.duration("KIOSK_BACKOFF_MIN", &c.BackoffMin)
	p.duration("KIOSK_BACKOFF_MAX", &c.BackoffMax)
	p.duration("KIOSK_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	p.integer("KIOSK_TELEMETRY_QUEUE_LIMIT", &c.TelemetryQueueLimit)
	p.integer("KIOSK_MAX_RETRIES", &c.MaxRetries)
	p.integer("KIOSK_TELEMETRY_MAX_RETRIES", &c.TelemetryMaxRetries)
	p.integer("KIOSK_LOW_STOCK_THRESHOLD", &c.LowStockThreshold)

	p.duration("KIOSK_TOKEN_REFRESH_SKEW", &c.TokenRefreshSkew)

	p.str("KIOSK_LOG_LEVEL", &c.LogLevel)
	p.str("KIOSK_STATUS_ADDR", &c.StatusAddr)

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the values are usable together.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"http timeout":       c.HTTPTimeout,
		"sweep interval":     c.SweepInterval,
		"backoff min":        c.BackoffMin,
		"backoff max":        c.BackoffMax,
		"heartbeat interval": c.HeartbeatInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.BackoffMin > c.BackoffMax {
		errs = append(errs, fmt.Errorf("backoff min %s exceeds backoff max %s", c.BackoffMin, c.BackoffMax))
	}
	if c.TelemetryQueueLimit <= 0 {
		errs = append(errs, fmt.Errorf("telemetry queue limit must be positive, got %d", c.TelemetryQueueLimit))
	}
	if c.MaxRetries <= 0 || c.TelemetryMaxRetries <= 0 {
		errs = append(errs, errors.New("retry limits must be positive"))
	}
	if c.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("retention days must be positive, got %d", c.RetentionDays))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// EngineConfig derives the sync engine settings. Recorder and OnAttention are left for
// the caller to set.
func (c *Config) EngineConfig() *kiosksync.Config {
	e := kiosksync.DefaultConfig()
	e.TelemetryQueueLimit = c.TelemetryQueueLimit
	e.MaxRetries = c.MaxRetries
	e.TelemetryMaxRetries = c.TelemetryMaxRetries
	e.LowStockThreshold = c.LowStockThreshold
	e.SweepInterval = c.SweepInterval
	e.BackoffMin = c.BackoffMin
	e.BackoffMax = c.BackoffMax
	e.HeartbeatInterval = c.HeartbeatInterval
	e.RetentionDays = c.RetentionDays
	e.FirmwareVersion = c.FirmwareVersion
	return e
}

// SessionConfig derives the session settings. Handshake backoff shares the sweep bounds.
func (c *Config) SessionConfig() *session.Config {
	return &session.Config{
		RefreshSkew: c.TokenRefreshSkew,
		BackoffMin:  c.BackoffMin,
		BackoffMax:  c.BackoffMax,
	}
}

// SlogLevel returns the configured log level, info when unparsable.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) value(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.value(key); ok {
		*dst = v
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("failed to parse %s: %w", key, err))
		return
	}
	*dst = d
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("failed to parse %s: %w", key, err))
		return
	}
	*dst = n
}
