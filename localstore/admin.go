// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

// SnapshotVersion is written into every export
const SnapshotVersion = 1

// CacheStats counts the rows of every local table.
func (s *Store) CacheStats(ctx context.Context) (*kiosk.CacheStats, error) {
	var stats kiosk.CacheStats
	err := s.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM channels),
			(SELECT COUNT(*) FROM categories),
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM transactions),
			(SELECT COUNT(*) FROM transactions WHERE synced = 0),
			(SELECT COUNT(*) FROM sync_queue)`).
		Scan(&stats.Channels, &stats.Categories, &stats.Products,
			&stats.Transactions, &stats.PendingTransactions, &stats.QueueItems)
	if err != nil {
		return nil, kiosk.StorageError("read cache stats", err)
	}

	var lastSync int64
	ok, err := s.GetSetting(ctx, kiosk.SettingLastSync, &lastSync)
	if err != nil {
		return nil, err
	}
	if ok && lastSync > 0 {
		t := fromMillis(lastSync)
		stats.LastSync = &t
	}
	return &stats, nil
}

// ClearCache drops every cached catalog row. Transactions, the sync queue and
// settings other than the last sync marker are kept.
func (s *Store) ClearCache(ctx context.Context) error {
	err := s.WithTx(ctx, func(tx *Tx) error {
		for _, table := range []string{"products", "categories", "channels"} {
			if _, err := tx.q.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return kiosk.StorageError("clear "+table, err)
			}
		}
		return tx.DeleteSetting(ctx, kiosk.SettingLastSync)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Catalog cache cleared")
	return nil
}

// ValidateIntegrity reports catalog orphans, unnamed channels and unsynced
// transactions that lost their queue item.
func (s *Store) ValidateIntegrity(ctx context.Context) (*kiosk.IntegrityReport, error) {
	report := &kiosk.IntegrityReport{}
	var err error

	if report.OrphanCategories, err = s.ids(ctx, `
		SELECT c.id FROM categories c
		LEFT JOIN channels ch ON ch.id = c.channel_id
		WHERE ch.id IS NULL ORDER BY c.id`); err != nil {
		return nil, err
	}
	if report.OrphanProducts, err = s.ids(ctx, `
		SELECT p.id FROM products p
		LEFT JOIN categories c ON c.id = p.category_id
		WHERE c.id IS NULL ORDER BY p.id`); err != nil {
		return nil, err
	}
	if report.UnnamedChannels, err = s.ids(ctx, `
		SELECT id FROM channels WHERE TRIM(name) = '' ORDER BY id`); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT t.uuid FROM transactions t
		LEFT JOIN sync_queue q ON q.ref_id = t.uuid
		WHERE t.synced = 0 AND q.id IS NULL ORDER BY t.created_at`)
	if err != nil {
		return nil, kiosk.StorageError("check unqueued transactions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, kiosk.StorageError("scan unqueued transaction", err)
		}
		report.UnqueuedTransactions = append(report.UnqueuedTransactions, uuid)
	}
	if err := rows.Err(); err != nil {
		return nil, kiosk.StorageError("iterate unqueued transactions", err)
	}

	if !report.OK() {
		s.logger.Warn("Local data integrity issues found",
			"orphan_categories", len(report.OrphanCategories),
			"orphan_products", len(report.OrphanProducts),
			"unnamed_channels", len(report.UnnamedChannels),
			"unqueued_transactions", len(report.UnqueuedTransactions))
	}
	return report, nil
}

func (s *Store) ids(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, kiosk.StorageError("integrity check", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, kiosk.StorageError("integrity check", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, kiosk.StorageError("integrity check", err)
	}
	return ids, nil
}

// Export returns the whole catalog (inactive channels included) and transaction history.
func (s *Store) Export(ctx context.Context) (*kiosk.Snapshot, error) {
	snap := &kiosk.Snapshot{Version: SnapshotVersion, ExportedAt: s.now().UTC()}

	rows, err := s.q.QueryContext(ctx, `SELECT id, name, logo_url, description, is_active FROM channels ORDER BY id`)
	if err != nil {
		return nil, kiosk.StorageError("export channels", err)
	}
	for rows.Next() {
		var c kiosk.Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.LogoURL, &c.Description, &c.IsActive); err != nil {
			rows.Close()
			return nil, kiosk.StorageError("export channels", err)
		}
		snap.Channels = append(snap.Channels, c)
	}
	rows.Close()

	for _, ch := range snap.Channels {
		categories, err := s.Categories(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		snap.Categories = append(snap.Categories, categories...)
	}
	for _, c := range snap.Categories {
		products, err := s.Products(ctx, c.ID, 0, 0)
		if err != nil {
			return nil, err
		}
		snap.Products = append(snap.Products, products...)
	}

	if snap.Transactions, err = s.Transactions(ctx, 0); err != nil {
		return nil, err
	}
	return snap, nil
}

// Import loads a snapshot. Catalog scopes present in the snapshot are reconciled
// against it; transactions already known locally are left untouched.
// Imported unsynced transactions are queued for delivery.
func (s *Store) Import(ctx context.Context, snap *kiosk.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot: %w", kiosk.ErrInvalid)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d: %w", snap.Version, kiosk.ErrInvalid)
	}

	categoriesByChannel := map[int64][]kiosk.Category{}
	for _, c := range snap.Categories {
		categoriesByChannel[c.ChannelID] = append(categoriesByChannel[c.ChannelID], c)
	}
	productsByCategory := map[int64][]kiosk.Product{}
	for _, p := range snap.Products {
		productsByCategory[p.CategoryID] = append(productsByCategory[p.CategoryID], p)
	}

	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ReplaceChannels(ctx, snap.Channels); err != nil {
			return err
		}
		for channelID, categories := range categoriesByChannel {
			if _, err := tx.ReplaceCategories(ctx, channelID, categories); err != nil {
				return err
			}
		}
		for categoryID, products := range productsByCategory {
			if _, err := tx.ReplaceProducts(ctx, categoryID, products); err != nil {
				return err
			}
		}
		for i := range snap.Transactions {
			t := snap.Transactions[i]
			err := tx.InsertTransaction(ctx, &t)
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			if err != nil {
				return err
			}
			if t.Synced {
				continue
			}
			payload, err := json.Marshal(t.Request())
			if err != nil {
				return fmt.Errorf("failed to encode transaction %s: %w", t.UUID, err)
			}
			if _, _, err := tx.Enqueue(ctx, kiosk.QueueItem{
				Type:      kiosk.ItemTransaction,
				Payload:   payload,
				RefID:     t.UUID,
				CreatedAt: t.CreatedAt,
			}, 0); err != nil {
				return err
			}
		}
		return nil
	})
}
