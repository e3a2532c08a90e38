// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Scheduler runs the engine's background work: the retry sweep, heartbeats and the
// retention purge.
type Scheduler struct {
	engine *Engine

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates a stopped scheduler for engine
func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{engine: engine}
}

// Start launches the background loops. The first sweep runs immediately so work left
// over from a previous run is picked up.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(3)
	go s.sweepLoop(ctx)
	go s.heartbeatLoop(ctx)
	go s.retentionLoop(ctx)

	s.engine.logger.Info("Scheduler started", "sweep_interval", s.engine.config.SweepInterval)
	return nil
}

// Stop cancels the loops and waits for them to exit. An in-flight send finishes first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.engine.logger.Info("Scheduler stopped")
}

// sweepLoop runs DrainQueue on every tick or wake-up, backing off while the backend
// is unreachable.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	cfg := s.engine.config
	interval, minBackoff := cfg.SweepInterval, cfg.BackoffMin
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	backoff := minBackoff
	for {
		wait := interval
		res, err := s.engine.DrainQueue(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.engine.logger.Error("Sweep failed", "error", err)
			wait, backoff = backoff, nextBackoff(backoff, cfg.BackoffMax)
		case res.Aborted:
			wait, backoff = backoff, nextBackoff(backoff, cfg.BackoffMax)
		default:
			backoff = minBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-s.engine.wake:
			timer.Stop()
		}
	}
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		every := s.engine.auth.KioskConfig().HeartbeatEvery(s.engine.config.HeartbeatInterval)
		if every <= 0 {
			every = time.Minute
		}
		if err := sleepWithContext(ctx, every); err != nil {
			return
		}
		if err := s.engine.Heartbeat(ctx); err != nil {
			s.engine.logger.Warn("Failed to queue heartbeat", "error", err)
		}
	}
}

func (s *Scheduler) retentionLoop(ctx context.Context) {
	defer s.wg.Done()
	every := s.engine.config.RetentionInterval
	if every <= 0 {
		every = 24 * time.Hour
	}
	for {
		if _, err := s.engine.PurgeHistory(ctx); err != nil {
			s.engine.logger.Warn("Retention purge failed", "error", err)
		}
		if err := sleepWithContext(ctx, every); err != nil {
			return
		}
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	cur *= 2
	if limit > 0 && cur > limit {
		cur = limit
	}
	return cur
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
