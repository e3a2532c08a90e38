// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kiosk

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// REST/JSON models exchanged with the kiosk backend

// Envelope wraps every backend response
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// DeviceInfo describes the kiosk hardware
type DeviceInfo struct {
	Platform  string `json:"platform"`
	UserAgent string `json:"userAgent"`
	UUID      string `json:"uuid"`
}

// AuthRequest is sent to POST /authenticate
type AuthRequest struct {
	SerialNumber string     `json:"serial_number"`
	MACAddress   string     `json:"mac_address"`
	DeviceInfo   DeviceInfo `json:"device_info"`
}

// Device is the persisted provisioning identity of this kiosk
type Device struct {
	SerialNumber string     `json:"serial_number"`
	MACAddress   string     `json:"mac_address"`
	Info         DeviceInfo `json:"device_info"`
}

// AuthRequest builds the handshake payload for this device.
func (d Device) AuthRequest() AuthRequest {
	return AuthRequest{SerialNumber: d.SerialNumber, MACAddress: d.MACAddress, DeviceInfo: d.Info}
}

// AuthResponse is the data of a successful authentication
type AuthResponse struct {
	UUID              string    `json:"uuid"`
	Token             string    `json:"token"`
	KioskName         string    `json:"kiosk_name"`
	Status            string    `json:"status"`
	HeartbeatInterval int       `json:"heartbeat_interval"`
	Channels          []Channel `json:"channels,omitempty"`
	DefaultChannelID  int64     `json:"default_channel_id,omitempty"`
}

// KioskConfig extracts the kiosk profile from the response.
func (r *AuthResponse) KioskConfig() KioskConfig {
	return KioskConfig{
		UUID:              r.UUID,
		Name:              r.KioskName,
		Status:            r.Status,
		HeartbeatInterval: r.HeartbeatInterval,
		DefaultChannelID:  r.DefaultChannelID,
	}
}

// TransactionRequest is the body of POST /transaction and the payload of transaction queue items
type TransactionRequest struct {
	SlotNumber     int             `json:"slot_number"`
	ProductID      int64           `json:"product_id"`
	Quantity       int             `json:"quantity"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaymentData    map[string]any  `json:"payment_data,omitempty"`
	CustomerData   map[string]any  `json:"customer_data,omitempty"`
	TransactionRef string          `json:"transaction_ref"` // idempotency key, becomes the local uuid
}

// Transaction builds the unsynced local record for this request.
func (r *TransactionRequest) Transaction(createdAt time.Time) *Transaction {
	return &Transaction{
		UUID:          r.TransactionRef,
		SlotNumber:    r.SlotNumber,
		ProductID:     r.ProductID,
		Quantity:      r.Quantity,
		PaymentMethod: r.PaymentMethod,
		TotalAmount:   r.TotalAmount,
		CreatedAt:     createdAt,
	}
}

// TransactionAck is the data of an accepted transaction
type TransactionAck struct {
	TransactionUUID string          `json:"transaction_uuid"`
	RemainingStock  int             `json:"remaining_stock"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Timestamp       string          `json:"timestamp,omitempty"`
}

// ErrorReport is the body of POST /errors/report
type ErrorReport struct {
	ErrorCode      string         `json:"error_code"`
	ErrorMessage   string         `json:"error_message"`
	ErrorLevel     ErrorLevel     `json:"error_level"`
	Component      string         `json:"component,omitempty"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

// NetworkStatus is part of a heartbeat
type NetworkStatus struct {
	Connected bool `json:"connected"`
	Strength  int  `json:"strength"`
}

// HeartbeatRequest is the body of POST /heartbeat
type HeartbeatRequest struct {
	FirmwareVersion     string         `json:"firmware_version,omitempty"`
	HardwareStatus      map[string]any `json:"hardware_status,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	NetworkStatus       *NetworkStatus `json:"network_status,omitempty"`
	ErrorCount          int            `json:"error_count,omitempty"`
	Uptime              int64          `json:"uptime,omitempty"` // seconds
	PendingTransactions int            `json:"pending_transactions"`
	Timestamp           time.Time      `json:"timestamp"`
}

// LowStockAlert is the body of POST /alerts/low-stock
type LowStockAlert struct {
	SlotNumber   int    `json:"slot_number"`
	CurrentStock int    `json:"current_stock"`
	Threshold    int    `json:"threshold"`
	ProductName  string `json:"product_name,omitempty"`
}

// SlotStatus is one slot of an inventory update
type SlotStatus struct {
	SlotNumber   int      `json:"slot_number"`
	CurrentStock int      `json:"current_stock"`
	Temperature  *float64 `json:"temperature,omitempty"`
	DoorStatus   string   `json:"door_status,omitempty"` // open|closed
}

// InventoryUpdate is the body of POST /inventory/update
type InventoryUpdate struct {
	Slots     []SlotStatus `json:"slots"`
	Timestamp time.Time    `json:"timestamp"`
}

// InventorySlot is one slot as the backend sees it
type InventorySlot struct {
	SlotNumber   int        `json:"slot_number"`
	ProductID    *int64     `json:"product_id"`
	ProductName  string     `json:"product_name,omitempty"`
	CurrentStock int        `json:"current_stock"`
	MaxCapacity  int        `json:"max_capacity"`
	Status       string     `json:"status"` // active|inactive|maintenance|empty
	LastRefill   *time.Time `json:"last_refill,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty"`
	DoorStatus   string     `json:"door_status,omitempty"`
}

// InventoryStatus is the data of GET /inventory/status
type InventoryStatus struct {
	Slots            []InventorySlot `json:"slots"`
	TotalSlots       int             `json:"total_slots"`
	OperationalSlots int             `json:"operational_slots"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// MaintenanceRequest is the body of POST /maintenance/start
type MaintenanceRequest struct {
	Reason            string `json:"reason,omitempty"`
	EstimatedDuration int    `json:"estimated_duration,omitempty"` // minutes
}

// Pagination accompanies paginated list responses
type Pagination struct {
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
	LastPage    int `json:"last_page"`
}
