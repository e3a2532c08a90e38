// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosk

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Channel is the top-level catalog partition
type Channel struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	LogoURL     string `json:"logo_url,omitempty"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// Category belongs to exactly one channel
type Category struct {
	ID            int64  `json:"id"`
	ChannelID     int64  `json:"channel_id"`
	Name          string `json:"name"`
	Image         string `json:"image,omitempty"`
	ProductsCount int    `json:"products_count"`
}

// Product belongs to exactly one category
type Product struct {
	ID          int64           `json:"id"`
	CategoryID  int64           `json:"category_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Image       string          `json:"image,omitempty"`
}

// ProductMatch is a search hit joined with its category and channel names
type ProductMatch struct {
	Product
	CategoryName string `json:"category_name"`
	ChannelID    int64  `json:"channel_id"`
	ChannelName  string `json:"channel_name"`
}

// Transaction is one completed or pending purchase
type Transaction struct {
	UUID           string          `json:"uuid"`
	SlotNumber     int             `json:"slot_number"`
	ProductID      int64           `json:"product_id"`
	Quantity       int             `json:"quantity"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Synced         bool            `json:"synced"`
	CreatedAt      time.Time       `json:"created_at"`
	SyncedAt       *time.Time      `json:"synced_at,omitempty"`
	RemainingStock *int            `json:"remaining_stock,omitempty"`
}

// Request rebuilds the wire payload of the transaction.
func (t *Transaction) Request() TransactionRequest {
	return TransactionRequest{
		SlotNumber:     t.SlotNumber,
		ProductID:      t.ProductID,
		Quantity:       t.Quantity,
		PaymentMethod:  t.PaymentMethod,
		TotalAmount:    t.TotalAmount,
		TransactionRef: t.UUID,
	}
}

// QueueItem is a durable record of a mutation that must reach the backend
type QueueItem struct {
	ID         int64           `json:"id"`
	Type       ItemType        `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	State      QueueState      `json:"state"`
	RefID      string          `json:"ref_id,omitempty"` // transaction UUID for transaction items
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Receipt is what a caller gets back from a transaction submission
type Receipt struct {
	TransactionUUID string          `json:"transaction_uuid"`
	Status          ReceiptStatus   `json:"status"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	RemainingStock  *int            `json:"remaining_stock,omitempty"`
	ServerUUID      string          `json:"server_uuid,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// KioskConfig is the kiosk profile returned by the authentication handshake
type KioskConfig struct {
	UUID              string `json:"uuid"`
	Name              string `json:"kiosk_name"`
	Status            string `json:"status"`
	HeartbeatInterval int    `json:"heartbeat_interval"` // seconds
	DefaultChannelID  int64  `json:"default_channel_id,omitempty"`
}

// HeartbeatEvery returns the heartbeat interval, or def when the backend did not set one.
func (c KioskConfig) HeartbeatEvery(def time.Duration) time.Duration {
	if c.HeartbeatInterval <= 0 {
		return def
	}
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// Maintenance is the persisted maintenance-mode marker
type Maintenance struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// CacheStats counts rows of every local table
type CacheStats struct {
	Channels            int        `json:"channels"`
	Categories          int        `json:"categories"`
	Products            int        `json:"products"`
	Transactions        int        `json:"transactions"`
	PendingTransactions int        `json:"pending_transactions"`
	QueueItems          int        `json:"queue_items"`
	LastSync            *time.Time `json:"last_sync,omitempty"`
}

// IntegrityReport lists catalog rows that break the parent-reference invariants
type IntegrityReport struct {
	OrphanCategories []int64 `json:"orphan_categories,omitempty"`
	OrphanProducts   []int64 `json:"orphan_products,omitempty"`
	UnnamedChannels  []int64 `json:"unnamed_channels,omitempty"`
	// unsynced transactions without a queue item
	UnqueuedTransactions []string `json:"unqueued_transactions,omitempty"`
}

// OK reports whether no issues were found.
func (r *IntegrityReport) OK() bool {
	return len(r.OrphanCategories) == 0 && len(r.OrphanProducts) == 0 &&
		len(r.UnnamedChannels) == 0 && len(r.UnqueuedTransactions) == 0
}

// Snapshot is a full export of the local catalog and transaction history
type Snapshot struct {
	Version      int           `json:"version"`
	ExportedAt   time.Time     `json:"exported_at"`
	Channels     []Channel     `json:"channels"`
	Categories   []Category    `json:"categories"`
	Products     []Product     `json:"products"`
	Transactions []Transaction `json:"transactions"`
}
