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

// Catalog reconciliation: every row written by a sync batch is stamped with the batch
// generation, then rows of the same scope carrying any other generation are deleted.

// ReplaceChannels reconciles the full channel list. It returns the generation used.
func (s *Store) ReplaceChannels(ctx context.Context, channels []kiosk.Channel) (gen int64, err error) {
	err = s.WithTx(ctx, func(tx *Tx) error {
		gen, err = tx.ReplaceChannels(ctx, channels)
		return err
	})
	return gen, err
}

// ReplaceCategories reconciles the categories of one channel.
func (s *Store) ReplaceCategories(ctx context.Context, channelID int64, categories []kiosk.Category) (gen int64, err error) {
	err = s.WithTx(ctx, func(tx *Tx) error {
		gen, err = tx.ReplaceCategories(ctx, channelID, categories)
		return err
	})
	return gen, err
}

// ReplaceProducts reconciles the products of one category.
func (s *Store) ReplaceProducts(ctx context.Context, categoryID int64, products []kiosk.Product) (gen int64, err error) {
	err = s.WithTx(ctx, func(tx *Tx) error {
		gen, err = tx.ReplaceProducts(ctx, categoryID, products)
		return err
	})
	return gen, err
}

// ReplaceChannels reconciles the full channel list inside the unit of work.
func (tx *Tx) ReplaceChannels(ctx context.Context, channels []kiosk.Channel) (int64, error) {
	gen, err := tx.nextGeneration(ctx, "channels")
	if err != nil {
		return 0, err
	}
	for _, c := range channels {
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO channels (id, name, logo_url, description, is_active, sync_timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				logo_url = excluded.logo_url,
				description = excluded.description,
				is_active = excluded.is_active,
				sync_timestamp = excluded.sync_timestamp`,
			c.ID, c.Name, c.LogoURL, c.Description, c.IsActive, gen); err != nil {
			return 0, kiosk.StorageError(fmt.Sprintf("upsert channel %d", c.ID), err)
		}
	}
	if _, err := tx.q.ExecContext(ctx, `DELETE FROM channels WHERE sync_timestamp != ?`, gen); err != nil {
		return 0, kiosk.StorageError("delete stale channels", err)
	}
	return gen, tx.setLastSync(ctx, gen)
}

// ReplaceCategories reconciles the categories of one channel inside the unit of work.
func (tx *Tx) ReplaceCategories(ctx context.Context, channelID int64, categories []kiosk.Category) (int64, error) {
	gen, err := tx.nextGeneration(ctx, "categories")
	if err != nil {
		return 0, err
	}
	for _, c := range categories {
		if c.ChannelID == 0 {
			c.ChannelID = channelID
		}
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO categories (id, channel_id, name, image, products_count, sync_timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				channel_id = excluded.channel_id,
				name = excluded.name,
				image = excluded.image,
				products_count = excluded.products_count,
				sync_timestamp = excluded.sync_timestamp`,
			c.ID, c.ChannelID, c.Name, c.Image, c.ProductsCount, gen); err != nil {
			return 0, kiosk.StorageError(fmt.Sprintf("upsert category %d", c.ID), err)
		}
	}
	if _, err := tx.q.ExecContext(ctx,
		`DELETE FROM categories WHERE channel_id = ? AND sync_timestamp != ?`, channelID, gen); err != nil {
		return 0, kiosk.StorageError("delete stale categories", err)
	}
	return gen, tx.setLastSync(ctx, gen)
}

// ReplaceProducts reconciles the products of one category inside the unit of work.
func (tx *Tx) ReplaceProducts(ctx context.Context, categoryID int64, products []kiosk.Product) (int64, error) {
	gen, err := tx.nextGeneration(ctx, "products")
	if err != nil {
		return 0, err
	}
	for _, p := range products {
		if p.CategoryID == 0 {
			p.CategoryID = categoryID
		}
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO products (id, category_id, name, description, price, image, sync_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				category_id = excluded.category_id,
				name = excluded.name,
				description = excluded.description,
				price = excluded.price,
				image = excluded.image,
				sync_timestamp = excluded.sync_timestamp`,
			p.ID, p.CategoryID, p.Name, p.Description, p.Price.String(), p.Image, gen); err != nil {
			return 0, kiosk.StorageError(fmt.Sprintf("upsert product %d", p.ID), err)
		}
	}
	if _, err := tx.q.ExecContext(ctx,
		`DELETE FROM products WHERE category_id = ? AND sync_timestamp != ?`, categoryID, gen); err != nil {
		return 0, kiosk.StorageError("delete stale products", err)
	}
	return gen, tx.setLastSync(ctx, gen)
}

// nextGeneration is strictly greater than any generation already stored in table,
// so two batches within the same millisecond never share one.
func (o ops) nextGeneration(ctx context.Context, table string) (int64, error) {
	var maxGen int64
	err := o.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sync_timestamp), 0) FROM `+table).Scan(&maxGen)
	if err != nil {
		return 0, kiosk.StorageError("read generation of "+table, err)
	}
	gen := toMillis(o.now())
	if gen <= maxGen {
		gen = maxGen + 1
	}
	return gen, nil
}

func (o ops) setLastSync(ctx context.Context, gen int64) error {
	return o.SetSetting(ctx, kiosk.SettingLastSync, gen)
}

// Channels returns the active channels ordered by name.
func (o ops) Channels(ctx context.Context) ([]kiosk.Channel, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, name, logo_url, description, is_active
		FROM channels WHERE is_active = 1 ORDER BY name, id`)
	if err != nil {
		return nil, kiosk.StorageError("query channels", err)
	}
	defer rows.Close()

	channels := []kiosk.Channel{}
	for rows.Next() {
		var c kiosk.Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.LogoURL, &c.Description, &c.IsActive); err != nil {
			return nil, kiosk.StorageError("scan channel", err)
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, kiosk.StorageError("iterate channels", err)
	}
	return channels, nil
}

// Channel returns one channel by id, active or not.
func (o ops) Channel(ctx context.Context, id int64) (*kiosk.Channel, error) {
	var c kiosk.Channel
	err := o.q.QueryRowContext(ctx, `
		SELECT id, name, logo_url, description, is_active FROM channels WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.LogoURL, &c.Description, &c.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %d: %w", id, kiosk.ErrNotFound)
	}
	if err != nil {
		return nil, kiosk.StorageError("query channel", err)
	}
	return &c, nil
}

// Categories returns the categories of a channel, most populated first.
func (o ops) Categories(ctx context.Context, channelID int64) ([]kiosk.Category, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, channel_id, name, image, products_count
		FROM categories WHERE channel_id = ?
		ORDER BY products_count DESC, name, id`, channelID)
	if err != nil {
		return nil, kiosk.StorageError("query categories", err)
	}
	defer rows.Close()

	categories := []kiosk.Category{}
	for rows.Next() {
		var c kiosk.Category
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.Name, &c.Image, &c.ProductsCount); err != nil {
			return nil, kiosk.StorageError("scan category", err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, kiosk.StorageError("iterate categories", err)
	}
	return categories, nil
}

// Products returns a page of the products of a category ordered by name.
// A non-positive limit returns all of them.
func (o ops) Products(ctx context.Context, categoryID int64, limit, offset int) ([]kiosk.Product, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, category_id, name, description, price, image
		FROM products WHERE category_id = ?
		ORDER BY name, id LIMIT ? OFFSET ?`, categoryID, limit, offset)
	if err != nil {
		return nil, kiosk.StorageError("query products", err)
	}
	defer rows.Close()

	products := []kiosk.Product{}
	for rows.Next() {
		var p kiosk.Product
		if err := rows.Scan(&p.ID, &p.CategoryID, &p.Name, &p.Description, &p.Price, &p.Image); err != nil {
			return nil, kiosk.StorageError("scan product", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, kiosk.StorageError("iterate products", err)
	}
	return products, nil
}

// Product returns one product by id.
func (o ops) Product(ctx context.Context, id int64) (*kiosk.Product, error) {
	var p kiosk.Product
	err := o.q.QueryRowContext(ctx, `
		SELECT id, category_id, name, description, price, image FROM products WHERE id = ?`, id).
		Scan(&p.ID, &p.CategoryID, &p.Name, &p.Description, &p.Price, &p.Image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, kiosk.ErrNotFound)
	}
	if err != nil {
		return nil, kiosk.StorageError("query product", err)
	}
	return &p, nil
}

// SearchProducts matches name or description of products in active channels.
// A non-zero channelID narrows the search to that channel.
func (o ops) SearchProducts(ctx context.Context, query string, channelID int64, limit int) ([]kiosk.ProductMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []kiosk.ProductMatch{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := o.q.QueryContext(ctx, `
		SELECT p.id, p.category_id, p.name, p.description, p.price, p.image,
		       c.name, ch.id, ch.name
		FROM products p
		JOIN categories c ON c.id = p.category_id
		JOIN channels ch ON ch.id = c.channel_id
		WHERE ch.is_active = 1
		  AND (? = 0 OR ch.id = ?)
		  AND (p.name LIKE ? ESCAPE '\' OR p.description LIKE ? ESCAPE '\')
		ORDER BY p.name, p.id
		LIMIT ?`, channelID, channelID, pattern, pattern, limit)
	if err != nil {
		return nil, kiosk.StorageError("search products", err)
	}
	defer rows.Close()

	matches := []kiosk.ProductMatch{}
	for rows.Next() {
		var m kiosk.ProductMatch
		if err := rows.Scan(&m.ID, &m.CategoryID, &m.Name, &m.Description, &m.Price, &m.Image,
			&m.CategoryName, &m.ChannelID, &m.ChannelName); err != nil {
			return nil, kiosk.StorageError("scan product match", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, kiosk.StorageError("iterate product matches", err)
	}
	return matches, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
