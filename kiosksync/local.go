// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosksync

import (
	"context"
	"time"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

// Local-only operations. None of these touch the backend.

// SearchProducts searches cached product names and descriptions, in one channel
// when channelID is non-zero.
func (e *Engine) SearchProducts(ctx context.Context, query string, channelID int64, limit int) ([]kiosk.ProductMatch, error) {
	return e.store.SearchProducts(ctx, query, channelID, limit)
}

// Product returns one cached product.
func (e *Engine) Product(ctx context.Context, id int64) (*kiosk.Product, error) {
	return e.store.Product(ctx, id)
}

// TransactionHistory returns the most recent transactions first.
func (e *Engine) TransactionHistory(ctx context.Context, limit int) ([]kiosk.Transaction, error) {
	return e.store.Transactions(ctx, limit)
}

// PendingCount returns the number of transactions not yet acknowledged by the backend.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.UnsyncedCount(ctx)
}

func (e *Engine) CacheStats(ctx context.Context) (*kiosk.CacheStats, error) {
	return e.store.CacheStats(ctx)
}

// ClearCache drops the cached catalog. Transactions and the queue are untouched.
func (e *Engine) ClearCache(ctx context.Context) error {
	if err := e.store.ClearCache(ctx); err != nil {
		return err
	}
	e.logger.Info("Catalog cache cleared")
	return nil
}

func (e *Engine) ValidateIntegrity(ctx context.Context) (*kiosk.IntegrityReport, error) {
	return e.store.ValidateIntegrity(ctx)
}

func (e *Engine) Export(ctx context.Context) (*kiosk.Snapshot, error) {
	return e.store.Export(ctx)
}

// Import loads a snapshot. Unsynced transactions in it are queued and the sweep is woken.
func (e *Engine) Import(ctx context.Context, snap *kiosk.Snapshot) error {
	if err := e.store.Import(ctx, snap); err != nil {
		return err
	}
	e.TriggerSweep()
	return nil
}

// PurgeHistory removes synced transactions older than the retention window.
func (e *Engine) PurgeHistory(ctx context.Context) (int64, error) {
	if e.config.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-time.Duration(e.config.RetentionDays) * 24 * time.Hour)
	return e.store.PurgeSyncedTransactions(ctx, cutoff)
}
