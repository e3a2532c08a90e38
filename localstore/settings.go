// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

// GetSetting decodes the JSON value stored under key into out.
// It reports false when the key is not set.
func (o ops) GetSetting(ctx context.Context, key string, out any) (bool, error) {
	var raw string
	err := o.q.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, kiosk.StorageError("read setting "+key, err)
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return true, fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return true, nil
}

// SetSetting stores value as JSON under key.
func (o ops) SetSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	_, err = o.q.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), toMillis(o.now()))
	if err != nil {
		return kiosk.StorageError("write setting "+key, err)
	}
	return nil
}

// DeleteSetting removes key. Removing a missing key is not an error.
func (o ops) DeleteSetting(ctx context.Context, key string) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM app_settings WHERE key = ?`, key); err != nil {
		return kiosk.StorageError("delete setting "+key, err)
	}
	return nil
}
