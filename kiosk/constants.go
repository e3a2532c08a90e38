// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosk

// ItemType identifies the kind of mutation carried by a sync queue item
type ItemType string

// Queue item types
const (
	ItemTransaction     ItemType = "transaction"
	ItemInventoryUpdate ItemType = "inventory_update"
	ItemErrorReport     ItemType = "error_report"
	ItemHeartbeat       ItemType = "heartbeat"
	ItemLowStockAlert   ItemType = "low_stock_alert"
)

// Durable reports whether items of this type must never be evicted or dropped.
func (t ItemType) Durable() bool {
	return t == ItemTransaction || t == ItemInventoryUpdate
}

// Valid reports whether t is a known queue item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTransaction, ItemInventoryUpdate, ItemErrorReport, ItemHeartbeat, ItemLowStockAlert:
		return true
	}
	return false
}

// QueueState is the delivery state of a sync queue item
type QueueState string

// Queue item states
const (
	QueuePending  QueueState = "pending"  // waiting for delivery
	QueueFlagged  QueueState = "flagged"  // exceeded max retries, still retried, needs an operator
	QueueRejected QueueState = "rejected" // permanently rejected by the backend, kept for audit
)

// Setting keys persisted in the app_settings table
const (
	SettingAPIBaseURL    = "api.baseUrl"
	SettingAPIToken      = "api.token"
	SettingSetupComplete = "setup.complete"
	SettingLastSync      = "last_sync_timestamp"
	SettingDeviceInfo    = "device.info"
	SettingKioskConfig   = "kiosk.config"
	SettingMaintenance   = "kiosk.maintenance"
)

// PaymentMethod accepted by the backend
type PaymentMethod string

// Payment methods
const (
	PaymentCash        PaymentMethod = "cash"
	PaymentCard        PaymentMethod = "card"
	PaymentMobile      PaymentMethod = "mobile"
	PaymentContactless PaymentMethod = "contactless"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentMobile, PaymentContactless:
		return true
	}
	return false
}

// ErrorLevel of a reported error
type ErrorLevel string

// Error levels
const (
	LevelInfo     ErrorLevel = "info"
	LevelWarning  ErrorLevel = "warning"
	LevelError    ErrorLevel = "error"
	LevelCritical ErrorLevel = "critical"
)

// Error codes used when funneling failures into error reports
const (
	CodeNetworkFailure     = "network_failure"
	CodeAuthFailure        = "authentication_failure"
	CodeTransactionFailure = "transaction_failure"
	CodeServerFailure      = "server_failure"
	CodeStorageFailure     = "storage_failure"
	CodeLowStock           = "low_stock"
	CodeCacheMiss          = "cache_miss"
)

// ReceiptStatus is the outcome of a transaction submission as seen by the caller
type ReceiptStatus string

// Receipt statuses
const (
	ReceiptCompleted ReceiptStatus = "completed"
	ReceiptPending   ReceiptStatus = "pending_sync"
	ReceiptRejected  ReceiptStatus = "rejected"
)

// SessionState of the auth/session controller
type SessionState int

// Session states
const (
	StateUnprovisioned SessionState = iota
	StateAuthenticating
	StateAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateUnprovisioned:
		return "unprovisioned"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}
