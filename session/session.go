// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package session holds the kiosk bearer token and drives the authentication
// handshake. States: unprovisioned, authenticating, authenticated; an auth
// failure reported by the backend moves an authenticated session back to
// authenticating.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

// Backend is the part of the remote client the controller needs
type Backend interface {
	Authenticate(ctx context.Context, req kiosk.AuthRequest) (*kiosk.AuthResponse, error)
	SetBaseURL(baseURL string)
}

// Settings persists session state
type Settings interface {
	GetSetting(ctx context.Context, key string, out any) (bool, error)
	SetSetting(ctx context.Context, key string, value any) error
}

// Config tunes token refresh and handshake retry
type Config struct {
	RefreshSkew time.Duration // refresh a JWT this long before it expires
	BackoffMin  time.Duration // wait after the first failed handshake
	BackoffMax  time.Duration
}

// DefaultConfig returns the default session configuration
func DefaultConfig() *Config {
	return &Config{
		RefreshSkew: 5 * time.Minute,
		BackoffMin:  5 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Controller owns the current token
type Controller struct {
	backend  Backend
	settings Settings
	config   *Config
	logger   *slog.Logger
	now      func() time.Time
	flight   singleflight.Group

	mu          sync.RWMutex
	state       kiosk.SessionState
	token       string
	expiresAt   time.Time // zero for opaque tokens
	baseURL     string
	device      *kiosk.Device
	kioskConfig kiosk.KioskConfig
	failures    int
	retryAt     time.Time
}

// Option customizes a Controller
type Option func(*Controller)

// WithLogger sets the controller logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates an unprovisioned controller. Call Load to restore persisted state.
func New(backend Backend, settings Settings, config *Config, opts ...Option) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Controller{
		backend:  backend,
		settings: settings,
		config:   config,
		logger:   slog.Default(),
		now:      time.Now,
		state:    kiosk.StateUnprovisioned,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load restores base URL, device identity, token and kiosk profile from settings.
func (c *Controller) Load(ctx context.Context) error {
	var (
		baseURL     string
		setup       bool
		token       string
		device      kiosk.Device
		kioskConfig kiosk.KioskConfig
	)
	if _, err := c.settings.GetSetting(ctx, kiosk.SettingAPIBaseURL, &baseURL); err != nil {
		return fmt.Errorf("failed to load base URL: %w", err)
	}
	if _, err := c.settings.GetSetting(ctx, kiosk.SettingSetupComplete, &setup); err != nil {
		return fmt.Errorf("failed to load setup flag: %w", err)
	}
	if _, err := c.settings.GetSetting(ctx, kiosk.SettingAPIToken, &token); err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}
	hasDevice, err := c.settings.GetSetting(ctx, kiosk.SettingDeviceInfo, &device)
	if err != nil {
		return fmt.Errorf("failed to load device info: %w", err)
	}
	if _, err := c.settings.GetSetting(ctx, kiosk.SettingKioskConfig, &kioskConfig); err != nil {
		return fmt.Errorf("failed to load kiosk config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.baseURL = baseURL
	c.kioskConfig = kioskConfig
	c.device = nil
	if hasDevice {
		c.device = &device
	}
	c.token = token
	c.expiresAt = tokenExpiry(token)

	switch {
	case !setup || baseURL == "" || c.device == nil:
		c.state = kiosk.StateUnprovisioned
	case token != "":
		c.state = kiosk.StateAuthenticated
	default:
		c.state = kiosk.StateAuthenticating
	}
	if baseURL != "" {
		c.backend.SetBaseURL(baseURL)
	}
	c.logger.Info("Session loaded", "state", c.state.String(), "base_url", baseURL)
	return nil
}

// Provision records the backend URL and device identity produced by the external
// provisioning flow. Any previous token is discarded.
func (c *Controller) Provision(ctx context.Context, baseURL string, device kiosk.Device) error {
	if baseURL == "" {
		return fmt.Errorf("base URL is required: %w", kiosk.ErrInvalid)
	}
	if device.SerialNumber == "" {
		return fmt.Errorf("device serial number is required: %w", kiosk.ErrInvalid)
	}
	if device.Info.UUID == "" {
		device.Info.UUID = uuid.NewString()
	}

	if err := c.settings.SetSetting(ctx, kiosk.SettingAPIBaseURL, baseURL); err != nil {
		return err
	}
	if err := c.settings.SetSetting(ctx, kiosk.SettingDeviceInfo, device); err != nil {
		return err
	}
	if err := c.settings.SetSetting(ctx, kiosk.SettingAPIToken, ""); err != nil {
		return err
	}
	if err := c.settings.SetSetting(ctx, kiosk.SettingSetupComplete, true); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = baseURL
	c.device = &device
	c.token = ""
	c.expiresAt = time.Time{}
	c.failures = 0
	c.retryAt = time.Time{}
	c.state = kiosk.StateAuthenticating
	c.backend.SetBaseURL(baseURL)

	c.logger.Info("Kiosk provisioned", "base_url", baseURL, "serial_number", device.SerialNumber)
	return nil
}

// State returns the current session state
func (c *Controller) State() kiosk.SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// KioskConfig returns the kiosk profile from the last successful handshake
func (c *Controller) KioskConfig() kiosk.KioskConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kioskConfig
}

// Device returns the provisioned device identity, if any
func (c *Controller) Device() (kiosk.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.device == nil {
		return kiosk.Device{}, false
	}
	return *c.device, true
}

// Token returns the current token without performing a handshake.
func (c *Controller) Token(context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", kiosk.ErrAuthUnavailable
	}
	return c.token, nil
}

// EnsureAuthenticated returns a usable token, performing the handshake when there is
// none or the current one is about to expire. Failures wrap kiosk.ErrAuthUnavailable.
func (c *Controller) EnsureAuthenticated(ctx context.Context) (string, error) {
	c.mu.RLock()
	state, token, expiresAt := c.state, c.token, c.expiresAt
	c.mu.RUnlock()

	switch state {
	case kiosk.StateUnprovisioned:
		return "", fmt.Errorf("kiosk is not provisioned: %w", kiosk.ErrAuthUnavailable)
	case kiosk.StateAuthenticated:
		if !c.needsRefresh(expiresAt) {
			return token, nil
		}
	}

	fresh, err := c.handshake(ctx)
	if err != nil {
		// A refresh that fails while the old token is still valid is not fatal.
		if state == kiosk.StateAuthenticated && token != "" && c.now().Before(expiresAt) {
			c.logger.Warn("Token refresh failed, keeping current token", "expires_at", expiresAt.Format(time.RFC3339), "error", err)
			return token, nil
		}
		return "", err
	}
	return fresh, nil
}

// Reauthenticate is called after the backend rejected staleToken. When another
// caller already replaced it, the current token is returned without a new handshake.
func (c *Controller) Reauthenticate(ctx context.Context, staleToken string) (string, error) {
	c.mu.Lock()
	if c.state == kiosk.StateUnprovisioned {
		c.mu.Unlock()
		return "", fmt.Errorf("kiosk is not provisioned: %w", kiosk.ErrAuthUnavailable)
	}
	if c.state == kiosk.StateAuthenticated && c.token != "" && c.token != staleToken {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.state = kiosk.StateAuthenticating
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()

	if err := c.settings.SetSetting(ctx, kiosk.SettingAPIToken, ""); err != nil {
		c.logger.Error("Failed to persist token reset", "error", err)
	}
	c.logger.Info("Backend rejected token, re-authenticating")
	return c.handshake(ctx)
}

// Logout forgets the token. A provisioned kiosk stays provisioned.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	if c.state == kiosk.StateAuthenticated {
		c.state = kiosk.StateAuthenticating
	}
	c.mu.Unlock()
	return c.settings.SetSetting(ctx, kiosk.SettingAPIToken, "")
}

func (c *Controller) needsRefresh(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return c.now().Add(c.config.RefreshSkew).After(expiresAt)
}

// handshake authenticates against the backend. Concurrent callers share one attempt,
// and a failed attempt arms an exponential cool-down before the next one.
func (c *Controller) handshake(ctx context.Context) (string, error) {
	v, err, _ := c.flight.Do("handshake", func() (any, error) {
		c.mu.Lock()
		if c.state == kiosk.StateUnprovisioned || c.device == nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("kiosk is not provisioned: %w", kiosk.ErrAuthUnavailable)
		}
		// Another caller may have finished a handshake since we looked.
		if c.state == kiosk.StateAuthenticated && c.token != "" && !c.needsRefresh(c.expiresAt) {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}
		if now := c.now(); now.Before(c.retryAt) {
			retryAt := c.retryAt
			c.mu.Unlock()
			return nil, fmt.Errorf("authentication backing off until %s: %w", retryAt.Format(time.RFC3339), kiosk.ErrAuthUnavailable)
		}
		device := *c.device
		if c.state != kiosk.StateAuthenticated {
			c.state = kiosk.StateAuthenticating
		}
		c.mu.Unlock()

		resp, err := c.backend.Authenticate(context.WithoutCancel(ctx), device.AuthRequest())
		if err != nil {
			wait := c.recordFailure()
			c.logger.Warn("Authentication failed", "error", err, "retry_in", wait)
			return nil, fmt.Errorf("%w: %w", kiosk.ErrAuthUnavailable, err)
		}

		kioskConfig := resp.KioskConfig()
		c.mu.Lock()
		c.token = resp.Token
		c.expiresAt = tokenExpiry(resp.Token)
		c.kioskConfig = kioskConfig
		c.state = kiosk.StateAuthenticated
		c.failures = 0
		c.retryAt = time.Time{}
		c.mu.Unlock()

		if err := c.settings.SetSetting(ctx, kiosk.SettingAPIToken, resp.Token); err != nil {
			c.logger.Error("Failed to persist token", "error", err)
		}
		if err := c.settings.SetSetting(ctx, kiosk.SettingKioskConfig, kioskConfig); err != nil {
			c.logger.Error("Failed to persist kiosk config", "error", err)
		}
		c.logger.Info("Authenticated", "kiosk", kioskConfig.Name, "kiosk_uuid", kioskConfig.UUID)
		return resp.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Controller) recordFailure() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	wait := c.config.BackoffMin
	for i := 1; i < c.failures && wait < c.config.BackoffMax; i++ {
		wait *= 2
	}
	if wait > c.config.BackoffMax {
		wait = c.config.BackoffMax
	}
	c.retryAt = c.now().Add(wait)
	return wait
}
