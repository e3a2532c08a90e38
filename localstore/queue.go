// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

const queueColumns = `id, type, payload, retry_count, state, ref_id, last_error, created_at`

// Enqueue appends item to the sync queue and returns the stored copy.
//
// When limit > 0 and the item type is not durable, the oldest items of the same
// type beyond limit are evicted in the same unit. evicted reports how many.
func (s *Store) Enqueue(ctx context.Context, item kiosk.QueueItem, limit int) (stored *kiosk.QueueItem, evicted int, err error) {
	err = s.WithTx(ctx, func(tx *Tx) error {
		stored, evicted, err = tx.Enqueue(ctx, item, limit)
		return err
	})
	return stored, evicted, err
}

// Enqueue appends item inside the unit of work, see Store.Enqueue.
func (tx *Tx) Enqueue(ctx context.Context, item kiosk.QueueItem, limit int) (*kiosk.QueueItem, int, error) {
	if !item.Type.Valid() {
		return nil, 0, fmt.Errorf("unknown queue item type %q: %w", item.Type, kiosk.ErrInvalid)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = tx.now().UTC()
	}
	if item.State == "" {
		item.State = kiosk.QueuePending
	}
	var ref sql.NullString
	if item.RefID != "" {
		ref = sql.NullString{String: item.RefID, Valid: true}
	}

	res, err := tx.q.ExecContext(ctx, `
		INSERT INTO sync_queue (type, payload, retry_count, state, ref_id, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(item.Type), []byte(item.Payload), item.RetryCount, string(item.State), ref,
		item.LastError, toMillis(item.CreatedAt))
	if isUniqueViolation(err) {
		return nil, 0, fmt.Errorf("queue item for %s: %w", item.RefID, ErrDuplicate)
	}
	if err != nil {
		return nil, 0, kiosk.StorageError("enqueue "+string(item.Type), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, 0, kiosk.StorageError("enqueue "+string(item.Type), err)
	}
	item.ID = id

	if limit <= 0 || item.Type.Durable() {
		return &item, 0, nil
	}
	res, err = tx.q.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE id IN (
			SELECT id FROM sync_queue WHERE type = ?
			ORDER BY created_at DESC, id DESC
			LIMIT -1 OFFSET ?
		)`, string(item.Type), limit)
	if err != nil {
		return nil, 0, kiosk.StorageError("evict "+string(item.Type), err)
	}
	n, _ := res.RowsAffected()
	return &item, int(n), nil
}

// QueueItems returns queue items in delivery order (created_at, then id).
// With no states given, every item is returned.
func (o ops) QueueItems(ctx context.Context, states ...kiosk.QueueState) ([]kiosk.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kiosk.StorageError("query sync queue", err)
	}
	defer rows.Close()

	items := []kiosk.QueueItem{}
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, kiosk.StorageError("scan queue item", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, kiosk.StorageError("iterate sync queue", err)
	}
	return items, nil
}

// QueueItem returns one queue item by id.
func (o ops) QueueItem(ctx context.Context, id int64) (*kiosk.QueueItem, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %d: %w", id, kiosk.ErrNotFound)
	}
	if err != nil {
		return nil, kiosk.StorageError("query queue item", err)
	}
	return item, nil
}

// QueueItemByRef returns the queue item carrying ref (a transaction uuid).
func (o ops) QueueItemByRef(ctx context.Context, ref string) (*kiosk.QueueItem, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE ref_id = ?`, ref)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item for %s: %w", ref, kiosk.ErrNotFound)
	}
	if err != nil {
		return nil, kiosk.StorageError("query queue item", err)
	}
	return item, nil
}

// DeleteQueueItem removes a delivered or dropped item.
func (o ops) DeleteQueueItem(ctx context.Context, id int64) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return kiosk.StorageError("delete queue item", err)
	}
	return nil
}

// RecordFailure increments the retry count of an item and returns the new count.
func (o ops) RecordFailure(ctx context.Context, id int64, reason string) (int, error) {
	var count int
	err := o.q.QueryRowContext(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ? RETURNING retry_count`, reason, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("queue item %d: %w", id, kiosk.ErrNotFound)
	}
	if err != nil {
		return 0, kiosk.StorageError("record queue failure", err)
	}
	return count, nil
}

// SetQueueState moves an item between pending, flagged and rejected.
func (o ops) SetQueueState(ctx context.Context, id int64, state kiosk.QueueState) error {
	res, err := o.q.ExecContext(ctx, `UPDATE sync_queue SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return kiosk.StorageError("set queue state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item %d: %w", id, kiosk.ErrNotFound)
	}
	return nil
}

// QueueCounts returns the number of queued items per type.
func (o ops) QueueCounts(ctx context.Context) (map[kiosk.ItemType]int, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT type, COUNT(*) FROM sync_queue GROUP BY type`)
	if err != nil {
		return nil, kiosk.StorageError("count sync queue", err)
	}
	defer rows.Close()

	counts := map[kiosk.ItemType]int{}
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, kiosk.StorageError("scan queue count", err)
		}
		counts[kiosk.ItemType(t)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, kiosk.StorageError("iterate queue counts", err)
	}
	return counts, nil
}

func scanQueueItem(row rowScanner) (*kiosk.QueueItem, error) {
	var (
		item      kiosk.QueueItem
		typ       string
		payload   []byte
		state     string
		ref       sql.NullString
		createdAt int64
	)
	if err := row.Scan(&item.ID, &typ, &payload, &item.RetryCount, &state, &ref, &item.LastError, &createdAt); err != nil {
		return nil, err
	}
	item.Type = kiosk.ItemType(typ)
	item.Payload = payload
	item.State = kiosk.QueueState(state)
	item.RefID = ref.String
	item.CreatedAt = fromMillis(createdAt)
	return &item, nil
}
