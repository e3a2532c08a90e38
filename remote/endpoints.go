// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

// Backend paths, relative to the base URL
const (
	PathAuthenticate     = "/authenticate"
	PathChannels         = "/channels"
	PathCategories       = "/categories"
	PathProducts         = "/products"
	PathTransaction      = "/transaction"
	PathErrorReport      = "/errors/report"
	PathHeartbeat        = "/heartbeat"
	PathLowStockAlert    = "/alerts/low-stock"
	PathInventoryUpdate  = "/inventory/update"
	PathMaintenanceStart = "/maintenance/start"
	PathMaintenanceEnd   = "/maintenance/end"
	PathConfiguration    = "/configuration"
	PathInventoryStatus  = "/inventory/status"
)

// productsPerPage is requested so one call returns a whole category
const productsPerPage = 1000

// Authenticate performs the token handshake. It is the only unauthenticated call.
func (c *Client) Authenticate(ctx context.Context, req kiosk.AuthRequest) (*kiosk.AuthResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal auth request: %w", err)
	}
	var resp kiosk.AuthResponse
	r := request{method: http.MethodPost, path: PathAuthenticate, body: body}
	if err := c.do(ctx, r, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, malformed(r.op(), fmt.Errorf("empty token"))
	}
	return &resp, nil
}

// Channels fetches every channel visible to this kiosk.
func (c *Client) Channels(ctx context.Context) ([]kiosk.Channel, error) {
	var channels []kiosk.Channel
	r := request{method: http.MethodGet, path: PathChannels, auth: true}
	if err := c.do(ctx, r, &channels); err != nil {
		return nil, err
	}
	if err := validateChannels(channels); err != nil {
		return nil, malformed(r.op(), err)
	}
	return channels, nil
}

// Categories fetches the categories of one channel.
func (c *Client) Categories(ctx context.Context, channelID int64) ([]kiosk.Category, error) {
	var categories []kiosk.Category
	r := request{
		method: http.MethodGet,
		path:   PathCategories,
		query:  url.Values{"channel_id": {strconv.FormatInt(channelID, 10)}},
		auth:   true,
	}
	if err := c.do(ctx, r, &categories); err != nil {
		return nil, err
	}
	if err := validateCategories(channelID, categories); err != nil {
		return nil, malformed(r.op(), err)
	}
	return categories, nil
}

// Products fetches the products of one category. channelID is optional (0 omits it).
func (c *Client) Products(ctx context.Context, categoryID, channelID int64) ([]kiosk.Product, error) {
	q := url.Values{
		"category_id": {strconv.FormatInt(categoryID, 10)},
		"per_page":    {strconv.Itoa(productsPerPage)},
	}
	if channelID != 0 {
		q.Set("channel_id", strconv.FormatInt(channelID, 10))
	}
	var data json.RawMessage
	r := request{method: http.MethodGet, path: PathProducts, query: q, auth: true}
	if err := c.do(ctx, r, &data); err != nil {
		return nil, err
	}
	products, err := decodeProducts(data)
	if err != nil {
		return nil, malformed(r.op(), err)
	}
	if err := validateProducts(categoryID, products); err != nil {
		return nil, malformed(r.op(), err)
	}
	return products, nil
}

// decodeProducts accepts both a bare array and a paginated {data: [...]} object.
func decodeProducts(data json.RawMessage) ([]kiosk.Product, error) {
	data = bytes.TrimSpace(data)
	var products []kiosk.Product
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &products); err != nil {
			return nil, fmt.Errorf("failed to decode products: %w", err)
		}
		return products, nil
	}
	var page struct {
		Data       []kiosk.Product   `json:"data"`
		Pagination *kiosk.Pagination `json:"pagination,omitempty"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("failed to decode products page: %w", err)
	}
	if page.Data == nil {
		return nil, fmt.Errorf("products page without data")
	}
	return page.Data, nil
}

// SubmitTransaction sends a recorded transaction. payload is sent verbatim and ref
// travels as the Idempotency-Key header.
func (c *Client) SubmitTransaction(ctx context.Context, ref string, payload json.RawMessage) (*kiosk.TransactionAck, error) {
	var ack kiosk.TransactionAck
	r := request{
		method:  http.MethodPost,
		path:    PathTransaction,
		body:    payload,
		auth:    true,
		headers: map[string]string{"Idempotency-Key": ref},
	}
	if err := c.do(ctx, r, &ack); err != nil {
		return nil, err
	}
	if ack.RemainingStock < 0 {
		return nil, malformed(r.op(), fmt.Errorf("negative remaining stock %d", ack.RemainingStock))
	}
	return &ack, nil
}

// Deliver sends a queued non-transaction item to the endpoint of its type.
func (c *Client) Deliver(ctx context.Context, itemType kiosk.ItemType, payload json.RawMessage) error {
	path, ok := deliveryPaths[itemType]
	if !ok {
		return kiosk.Invalid("deliver", "no endpoint for item type %q", itemType)
	}
	return c.do(ctx, request{method: http.MethodPost, path: path, body: payload, auth: true}, nil)
}

var deliveryPaths = map[kiosk.ItemType]string{
	kiosk.ItemErrorReport:     PathErrorReport,
	kiosk.ItemHeartbeat:       PathHeartbeat,
	kiosk.ItemLowStockAlert:   PathLowStockAlert,
	kiosk.ItemInventoryUpdate: PathInventoryUpdate,
}

// StartMaintenance puts the kiosk into maintenance mode on the backend.
func (c *Client) StartMaintenance(ctx context.Context, req kiosk.MaintenanceRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal maintenance request: %w", err)
	}
	return c.do(ctx, request{method: http.MethodPost, path: PathMaintenanceStart, body: body, auth: true}, nil)
}

// EndMaintenance takes the kiosk out of maintenance mode.
func (c *Client) EndMaintenance(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodPost, path: PathMaintenanceEnd, body: []byte(`{}`), auth: true}, nil)
}

// Configuration fetches the kiosk profile outside of a handshake.
func (c *Client) Configuration(ctx context.Context) (*kiosk.KioskConfig, error) {
	var cfg kiosk.KioskConfig
	r := request{method: http.MethodGet, path: PathConfiguration, auth: true}
	if err := c.do(ctx, r, &cfg); err != nil {
		return nil, err
	}
	if cfg.UUID == "" {
		return nil, malformed(r.op(), fmt.Errorf("missing kiosk uuid"))
	}
	return &cfg, nil
}

// InventoryStatus fetches the slot inventory the backend holds for this kiosk.
func (c *Client) InventoryStatus(ctx context.Context) (*kiosk.InventoryStatus, error) {
	var status kiosk.InventoryStatus
	r := request{method: http.MethodGet, path: PathInventoryStatus, auth: true}
	if err := c.do(ctx, r, &status); err != nil {
		return nil, err
	}
	if err := validateInventory(&status); err != nil {
		return nil, malformed(r.op(), err)
	}
	return &status, nil
}
