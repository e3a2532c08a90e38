// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

const transactionColumns = `uuid, slot_number, product_id, quantity, payment_method, total_amount,
	synced, remaining_stock, created_at, synced_at`

// InsertTransaction records a new purchase. CreatedAt defaults to now.
// Returns ErrDuplicate when the uuid already exists.
func (o ops) InsertTransaction(ctx context.Context, t *kiosk.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = o.now().UTC()
	}
	var remaining sql.NullInt64
	if t.RemainingStock != nil {
		remaining = sql.NullInt64{Int64: int64(*t.RemainingStock), Valid: true}
	}
	var syncedAt sql.NullInt64
	if t.SyncedAt != nil {
		syncedAt = sql.NullInt64{Int64: toMillis(*t.SyncedAt), Valid: true}
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UUID, t.SlotNumber, t.ProductID, t.Quantity, string(t.PaymentMethod), t.TotalAmount.String(),
		t.Synced, remaining, toMillis(t.CreatedAt), syncedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", t.UUID, ErrDuplicate)
	}
	if err != nil {
		return kiosk.StorageError("insert transaction", err)
	}
	return nil
}

// Transaction returns one transaction by uuid.
func (o ops) Transaction(ctx context.Context, uuid string) (*kiosk.Transaction, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE uuid = ?`, uuid)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", uuid, kiosk.ErrNotFound)
	}
	if err != nil {
		return nil, kiosk.StorageError("query transaction", err)
	}
	return t, nil
}

// Transactions returns the most recent transactions first. A non-positive limit returns all.
func (o ops) Transactions(ctx context.Context, limit int) ([]kiosk.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		ORDER BY created_at DESC, uuid LIMIT ?`, limit)
	if err != nil {
		return nil, kiosk.StorageError("query transactions", err)
	}
	defer rows.Close()

	txs := []kiosk.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, kiosk.StorageError("scan transaction", err)
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, kiosk.StorageError("iterate transactions", err)
	}
	return txs, nil
}

// MarkTransactionSynced flips the synced flag after the backend accepted the transaction.
func (o ops) MarkTransactionSynced(ctx context.Context, uuid string, remainingStock *int) error {
	var remaining sql.NullInt64
	if remainingStock != nil {
		remaining = sql.NullInt64{Int64: int64(*remainingStock), Valid: true}
	}
	res, err := o.q.ExecContext(ctx, `
		UPDATE transactions
		SET synced = 1, synced_at = ?, remaining_stock = COALESCE(?, remaining_stock)
		WHERE uuid = ?`, toMillis(o.now()), remaining, uuid)
	if err != nil {
		return kiosk.StorageError("mark transaction synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s: %w", uuid, kiosk.ErrNotFound)
	}
	return nil
}

// UnsyncedCount returns the number of transactions still waiting for the backend.
func (o ops) UnsyncedCount(ctx context.Context) (int, error) {
	var n int
	if err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE synced = 0`).Scan(&n); err != nil {
		return 0, kiosk.StorageError("count unsynced transactions", err)
	}
	return n, nil
}

// PurgeSyncedTransactions deletes synced transactions created before cutoff.
// Unsynced transactions are never purged.
func (s *Store) PurgeSyncedTransactions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM transactions WHERE synced = 1 AND created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, kiosk.StorageError("purge transactions", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Purged old synced transactions", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*kiosk.Transaction, error) {
	var (
		t         kiosk.Transaction
		method    string
		remaining sql.NullInt64
		createdAt int64
		syncedAt  sql.NullInt64
	)
	if err := row.Scan(&t.UUID, &t.SlotNumber, &t.ProductID, &t.Quantity, &method, &t.TotalAmount,
		&t.Synced, &remaining, &createdAt, &syncedAt); err != nil {
		return nil, err
	}
	t.PaymentMethod = kiosk.PaymentMethod(method)
	t.CreatedAt = fromMillis(createdAt)
	if remaining.Valid {
		v := int(remaining.Int64)
		t.RemainingStock = &v
	}
	if syncedAt.Valid {
		v := fromMillis(syncedAt.Int64)
		t.SyncedAt = &v
	}
	return &t, nil
}
