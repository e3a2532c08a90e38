// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"fmt"
	"time"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

// StartMaintenance tells the backend the kiosk is going into maintenance. Unlike
// telemetry this is not queued: an operator is standing at the kiosk and needs the answer.
func (e *Engine) StartMaintenance(ctx context.Context, reason string, estimated time.Duration) error {
	req := kiosk.MaintenanceRequest{Reason: reason, EstimatedDuration: int(estimated / time.Minute)}
	if err := e.withAuth(ctx, func(ctx context.Context) error {
		return e.remote.StartMaintenance(ctx, req)
	}); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}
	m := kiosk.Maintenance{Active: true, Reason: reason, StartedAt: e.now().UTC()}
	if err := e.store.SetSetting(ctx, kiosk.SettingMaintenance, m); err != nil {
		return fmt.Errorf("failed to persist maintenance mode: %w", err)
	}
	e.logger.Info("Maintenance started", "reason", reason, "estimated", estimated)
	return nil
}

// EndMaintenance takes the kiosk out of maintenance.
func (e *Engine) EndMaintenance(ctx context.Context) error {
	if err := e.withAuth(ctx, e.remote.EndMaintenance); err != nil {
		return fmt.Errorf("failed to end maintenance: %w", err)
	}
	if err := e.store.SetSetting(ctx, kiosk.SettingMaintenance, kiosk.Maintenance{}); err != nil {
		return fmt.Errorf("failed to persist maintenance mode: %w", err)
	}
	e.logger.Info("Maintenance ended")
	return nil
}

// Maintenance returns the persisted maintenance marker.
func (e *Engine) Maintenance(ctx context.Context) (kiosk.Maintenance, error) {
	var m kiosk.Maintenance
	if _, err := e.store.GetSetting(ctx, kiosk.SettingMaintenance, &m); err != nil {
		return kiosk.Maintenance{}, err
	}
	return m, nil
}

// InMaintenance reports whether the kiosk is in maintenance mode.
func (e *Engine) InMaintenance(ctx context.Context) (bool, error) {
	m, err := e.Maintenance(ctx)
	return m.Active, err
}

// RemoteConfiguration asks the backend for the current kiosk profile. Like maintenance
// calls it is answered live or not at all.
func (e *Engine) RemoteConfiguration(ctx context.Context) (*kiosk.KioskConfig, error) {
	var cfg *kiosk.KioskConfig
	if err := e.withAuth(ctx, func(ctx context.Context) error {
		var err error
		cfg, err = e.remote.Configuration(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to fetch kiosk configuration: %w", err)
	}
	return cfg, nil
}

// InventoryStatus returns the slot inventory the backend holds for this kiosk.
func (e *Engine) InventoryStatus(ctx context.Context) (*kiosk.InventoryStatus, error) {
	var status *kiosk.InventoryStatus
	if err := e.withAuth(ctx, func(ctx context.Context) error {
		var err error
		status, err = e.remote.InventoryStatus(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to fetch inventory status: %w", err)
	}
	return status, nil
}
