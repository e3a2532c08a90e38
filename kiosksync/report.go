// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

// Report queues a telemetry item and attempts one immediate send. Delivery failures
// are not returned: the item stays queued for the sweep. Telemetry types keep at most
// TelemetryQueueLimit items, evicting the oldest of the same type.
func (e *Engine) Report(ctx context.Context, itemType kiosk.ItemType, payload any) error {
	if !itemType.Valid() || itemType == kiosk.ItemTransaction {
		return kiosk.Invalid("report", "cannot report item type %q", itemType)
	}
	item, err := e.enqueue(ctx, itemType, payload)
	if err != nil {
		return err
	}
	e.deliverInline(context.WithoutCancel(ctx), item)
	return nil
}

// ReportError queues an error report.
func (e *Engine) ReportError(ctx context.Context, report kiosk.ErrorReport) error {
	if report.ErrorLevel == "" {
		report.ErrorLevel = kiosk.LevelError
	}
	return e.Report(ctx, kiosk.ItemErrorReport, report)
}

// ReportLowStock queues a low stock alert.
func (e *Engine) ReportLowStock(ctx context.Context, alert kiosk.LowStockAlert) error {
	return e.Report(ctx, kiosk.ItemLowStockAlert, alert)
}

// ReportInventory queues an inventory update. Inventory updates are durable and never evicted.
func (e *Engine) ReportInventory(ctx context.Context, update kiosk.InventoryUpdate) error {
	if len(update.Slots) == 0 {
		return kiosk.Invalid("report inventory", "no slots")
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = e.now().UTC()
	}
	return e.Report(ctx, kiosk.ItemInventoryUpdate, update)
}

// Heartbeat queues a heartbeat describing the current kiosk state.
func (e *Engine) Heartbeat(ctx context.Context) error {
	pending, err := e.store.UnsyncedCount(ctx)
	if err != nil {
		e.logger.Warn("Failed to count unsynced transactions", "error", err)
	}
	now := e.now()
	return e.Report(ctx, kiosk.ItemHeartbeat, kiosk.HeartbeatRequest{
		FirmwareVersion:     e.config.FirmwareVersion,
		NetworkStatus:       &kiosk.NetworkStatus{Connected: e.Online(), Strength: e.signalStrength()},
		ErrorCount:          int(e.errors.Load()),
		Uptime:              int64(now.Sub(e.started) / time.Second),
		PendingTransactions: pending,
		Timestamp:           now.UTC(),
	})
}

func (e *Engine) signalStrength() int {
	if e.Online() {
		return 100
	}
	return 0
}

func (e *Engine) enqueue(ctx context.Context, itemType kiosk.ItemType, payload any) (*kiosk.QueueItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", itemType, err)
	}
	item, evicted, err := e.store.Enqueue(ctx, kiosk.QueueItem{Type: itemType, Payload: raw}, e.config.TelemetryQueueLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to queue %s: %w", itemType, err)
	}
	if evicted > 0 {
		e.logger.Debug("Evicted oldest telemetry", "type", itemType, "count", evicted)
		e.recorder.Observe(ctx, Event{Op: MetricsOpEvict, Subject: string(itemType), Count: evicted})
	}
	return item, nil
}

// deliverInline makes one attempt to send a freshly queued telemetry item.
func (e *Engine) deliverInline(ctx context.Context, item *kiosk.QueueItem) {
	if !e.claim(item.ID) {
		return
	}
	defer e.release(item.ID)

	if _, err := e.send(ctx, item); err != nil {
		outcome, _, serr := e.settleFailure(ctx, item, err)
		e.recorder.Observe(ctx, Event{Op: MetricsOpSend, Subject: string(item.Type), Outcome: outcome})
		if serr != nil {
			e.logger.Error("Failed to record send failure", "id", item.ID, "type", item.Type, "error", serr)
		}
		e.logger.Debug("Telemetry queued for retry", "id", item.ID, "type", item.Type, "kind", kiosk.KindOf(err).String())
		return
	}
	e.recorder.Observe(ctx, Event{Op: MetricsOpSend, Subject: string(item.Type), Outcome: OutcomeSent})
}

// funnel turns a failure on the read or write path into a queued error report. It
// only enqueues; the sweep delivers it. Telemetry delivery failures never come here.
func (e *Engine) funnel(ctx context.Context, component string, cause error) {
	e.errors.Add(1)
	kind := kiosk.KindOf(cause)
	report := kiosk.ErrorReport{
		ErrorCode:    errorCode(kind),
		ErrorMessage: cause.Error(),
		ErrorLevel:   kiosk.LevelError,
		Component:    component,
		AdditionalData: map[string]any{
			"kind":   kind.String(),
			"status": kiosk.StatusOf(cause),
		},
	}
	if kind == kiosk.KindNetwork || kind == kiosk.KindAuth {
		report.ErrorLevel = kiosk.LevelWarning
	}
	if _, err := e.enqueue(context.WithoutCancel(ctx), kiosk.ItemErrorReport, report); err != nil {
		e.logger.Error("Failed to queue error report", "component", component, "error", err)
	}
}

func errorCode(kind kiosk.Kind) string {
	switch kind {
	case kiosk.KindNetwork:
		return kiosk.CodeNetworkFailure
	case kiosk.KindAuth:
		return kiosk.CodeAuthFailure
	case kiosk.KindServer, kiosk.KindMalformed:
		return kiosk.CodeServerFailure
	case kiosk.KindStorage:
		return kiosk.CodeStorageFailure
	}
	return kiosk.CodeTransactionFailure
}
