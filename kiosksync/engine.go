// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package kiosksync decides, for every catalog read and every outbound write, whether
// the backend or the local store serves it.
//
// Reads try the backend and reconcile the local cache with the result, falling back
// to cached rows on any failure. Transactions and telemetry are written to the local
// sync queue before the first send and leave it only after the backend accepted them.
// DrainQueue retries what is left; a Scheduler runs it in the background.
package kiosksync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mobiletoly/go-kiosksync/kiosk"
	"github.com/mobiletoly/go-kiosksync/localstore"
)

// Remote is the backend API used by the engine. *remote.Client implements it.
type Remote interface {
	Channels(ctx context.Context) ([]kiosk.Channel, error)
	Categories(ctx context.Context, channelID int64) ([]kiosk.Category, error)
	Products(ctx context.Context, categoryID, channelID int64) ([]kiosk.Product, error)
	SubmitTransaction(ctx context.Context, ref string, payload json.RawMessage) (*kiosk.TransactionAck, error)
	Deliver(ctx context.Context, itemType kiosk.ItemType, payload json.RawMessage) error
	StartMaintenance(ctx context.Context, req kiosk.MaintenanceRequest) error
	EndMaintenance(ctx context.Context) error
	Configuration(ctx context.Context) (*kiosk.KioskConfig, error)
	InventoryStatus(ctx context.Context) (*kiosk.InventoryStatus, error)
}

// Auth provides bearer tokens. *session.Controller implements it.
type Auth interface {
	EnsureAuthenticated(ctx context.Context) (string, error)
	Reauthenticate(ctx context.Context, staleToken string) (string, error)
	KioskConfig() kiosk.KioskConfig
}

// Config tunes the engine and its scheduler
type Config struct {
	TelemetryQueueLimit int // max queued items per telemetry type
	MaxRetries          int // durable items are flagged for attention after this many failures
	TelemetryMaxRetries int // telemetry items are dropped after this many failures
	LowStockThreshold   int // remaining stock at or below this raises an alert, negative disables

	SweepInterval     time.Duration
	BackoffMin        time.Duration // delay after an aborted sweep
	BackoffMax        time.Duration
	HeartbeatInterval time.Duration // used when the kiosk profile has none
	RetentionDays     int           // synced transactions older than this are purged
	RetentionInterval time.Duration

	FirmwareVersion string // reported in heartbeats

	Recorder    Recorder              // optional metrics sink
	OnAttention func(kiosk.QueueItem) // called when an item is flagged or rejected
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		TelemetryQueueLimit: 50,
		MaxRetries:          10,
		TelemetryMaxRetries: 5,
		LowStockThreshold:   5,
		SweepInterval:       30 * time.Second,
		BackoffMin:          5 * time.Second,
		BackoffMax:          5 * time.Minute,
		HeartbeatInterval:   60 * time.Second,
		RetentionDays:       30,
		RetentionInterval:   24 * time.Hour,
	}
}

// Engine is the cache/sync engine
type Engine struct {
	store    *localstore.Store
	remote   Remote
	auth     Auth
	config   *Config
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
	started  time.Time

	flight   singleflight.Group
	sweeping atomic.Bool
	offline  atomic.Bool
	errors   atomic.Int64 // failures funneled since start, reported in heartbeats

	inflightMu sync.Mutex
	inflight   map[int64]struct{} // queue item ids currently being sent

	wake chan struct{}
}

// Option customizes an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source used for transaction timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. A nil config uses DefaultConfig.
func New(store *localstore.Store, remote Remote, auth Auth, config *Config, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	e := &Engine{
		store:    store,
		remote:   remote,
		auth:     auth,
		config:   config,
		logger:   slog.Default(),
		recorder: config.Recorder,
		now:      time.Now,
		inflight: make(map[int64]struct{}),
		wake:     make(chan struct{}, 1),
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.started = e.now()
	return e
}

// Store returns the local store backing the engine
func (e *Engine) Store() *localstore.Store { return e.store }

// Online reports whether the last backend call got a response.
func (e *Engine) Online() bool { return !e.offline.Load() }

// SetOnline records a connectivity change observed outside the engine (for example
// a platform network callback). Going online wakes the sweep.
func (e *Engine) SetOnline(online bool) {
	wasOffline := e.offline.Swap(!online)
	if online && wasOffline {
		e.logger.Info("Connectivity restored")
		e.TriggerSweep()
	}
}

// TriggerSweep asks the scheduler to run a sweep as soon as possible.
func (e *Engine) TriggerSweep() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// withAuth runs call with a valid session. When the backend rejects the token the
// session is re-established once and call is retried once. Network work is detached
// from the caller's cancellation; the HTTP client timeout bounds it.
func (e *Engine) withAuth(ctx context.Context, call func(ctx context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	token, err := e.auth.EnsureAuthenticated(ctx)
	if err != nil {
		e.observeReachability(err)
		return err
	}
	err = call(ctx)
	if isTokenRejected(err) {
		if _, rerr := e.auth.Reauthenticate(ctx, token); rerr != nil {
			e.observeReachability(rerr)
			return rerr
		}
		err = call(ctx)
	}
	e.observeReachability(err)
	return err
}

// isTokenRejected reports a 401/403 from the backend, as opposed to having no token at all.
func isTokenRejected(err error) bool {
	return kiosk.IsKind(err, kiosk.KindAuth) && !errors.Is(err, kiosk.ErrAuthUnavailable)
}

// observeReachability tracks whether the backend is answering. Any response, even
// an error status, means it is reachable.
func (e *Engine) observeReachability(err error) {
	if err != nil && kiosk.CauseKind(err) == kiosk.KindNetwork {
		if !e.offline.Swap(true) {
			e.logger.Info("Backend unreachable, working offline")
		}
		return
	}
	if errors.Is(err, kiosk.ErrAuthUnavailable) {
		return
	}
	e.SetOnline(true)
}

func (e *Engine) claim(id int64) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id int64) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, id)
}

func (e *Engine) attention(item kiosk.QueueItem) {
	e.logger.Warn("Queue item needs attention",
		"id", item.ID, "type", item.Type, "state", item.State, "retries", item.RetryCount, "last_error", item.LastError)
	if e.config.OnAttention != nil {
		e.config.OnAttention(item)
	}
}
