// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cart holds the shopper's in-progress selection and hands it to the sync
// engine at checkout.
package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

var (
	ErrEmpty = errors.New("cart is empty")
	ErrBusy  = errors.New("checkout already in progress")
)

// DefaultTaxRate is the VAT rate applied when none is configured
var DefaultTaxRate = decimal.RequireFromString("0.19")

// Submitter records transactions. *kiosksync.Engine implements it.
type Submitter interface {
	SubmitTransaction(ctx context.Context, req kiosk.TransactionRequest) (*kiosk.Receipt, error)
}

// Item is one cart line
type Item struct {
	ID          string          `json:"id"`
	ProductID   int64           `json:"product_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Image       string          `json:"image,omitempty"`
	Quantity    int             `json:"quantity"`
	AddedAt     time.Time       `json:"added_at"`
}

// Subtotal is price times quantity
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CheckoutRequest carries what the payment step produced
type CheckoutRequest struct {
	SlotNumber    int
	PaymentMethod kiosk.PaymentMethod
	PaymentData   map[string]any
	CustomerData  map[string]any
}

// Cart is safe for concurrent use
type Cart struct {
	submitter Submitter
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	items      []Item
	channelID  int64
	categoryID int64
	processing bool
	lastError  error
}

// Option customizes a Cart
type Option func(*Cart)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cart) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cart) { c.now = now }
}

// New creates an empty cart that checks out through submitter.
func New(submitter Submitter, opts ...Option) *Cart {
	c := &Cart{submitter: submitter, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SelectChannel switches the browsed channel and clears the category selection.
func (c *Cart) SelectChannel(channelID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelID = channelID
	c.categoryID = 0
}

func (c *Cart) SelectCategory(categoryID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.categoryID = categoryID
}

// Selection returns the browsed channel and category (0 when none).
func (c *Cart) Selection() (channelID, categoryID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID, c.categoryID
}

// AddItem adds quantity of product, merging with an existing line for the same product.
func (c *Cart) AddItem(product kiosk.Product, quantity int) (Item, error) {
	if quantity <= 0 {
		return Item{}, kiosk.Invalid("add item", "quantity must be positive")
	}
	if product.ID <= 0 {
		return Item{}, kiosk.Invalid("add item", "product id must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].ProductID == product.ID {
			c.items[i].Quantity += quantity
			return c.items[i], nil
		}
	}
	item := Item{
		ID:          uuid.NewString(),
		ProductID:   product.ID,
		Name:        product.Name,
		Description: product.Description,
		Price:       product.Price,
		Image:       product.Image,
		Quantity:    quantity,
		AddedAt:     c.now(),
	}
	c.items = append(c.items, item)
	return item, nil
}

// RemoveItem drops a line. It reports whether the line existed.
func (c *Cart) RemoveItem(itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(itemID)
}

// UpdateQuantity sets a line's quantity; zero or less removes the line.
func (c *Cart) UpdateQuantity(itemID string, quantity int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if quantity <= 0 {
		return c.removeLocked(itemID)
	}
	i := c.indexLocked(itemID)
	if i < 0 {
		return false
	}
	c.items[i].Quantity = quantity
	return true
}

func (c *Cart) Increment(itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(itemID)
	if i < 0 {
		return false
	}
	c.items[i].Quantity++
	return true
}

// Decrement lowers a line's quantity by one, removing the line at one.
func (c *Cart) Decrement(itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(itemID)
	if i < 0 {
		return false
	}
	if c.items[i].Quantity <= 1 {
		return c.removeLocked(itemID)
	}
	c.items[i].Quantity--
	return true
}

// Clear empties the cart and forgets the last checkout error.
func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.lastError = nil
}

// Items returns a copy of the cart lines in the order they were added.
func (c *Cart) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Item(nil), c.items...)
}

// ItemCount is the total quantity over all lines.
func (c *Cart) ItemCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.items {
		n += item.Quantity
	}
	return n
}

func (c *Cart) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) == 0
}

// Total is the sum of all line subtotals.
func (c *Cart) Total() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLocked()
}

// Tax returns the tax on Total at rate, rounded to cents.
func (c *Cart) Tax(rate decimal.Decimal) decimal.Decimal {
	return c.Total().Mul(rate).Round(2)
}

// CanCheckout reports whether the cart has lines and no checkout is running.
func (c *Cart) CanCheckout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) > 0 && !c.processing
}

// LastError returns the error of the last failed checkout, if any.
func (c *Cart) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Checkout submits one transaction per cart line, in cart order. Every line the
// submitter recorded (completed or pending) leaves the cart. The first error stops
// checkout and is returned together with the receipts collected so far.
func (c *Cart) Checkout(ctx context.Context, req CheckoutRequest) ([]*kiosk.Receipt, error) {
	c.mu.Lock()
	if len(c.items) == 0 {
		c.mu.Unlock()
		return nil, ErrEmpty
	}
	if c.processing {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.processing = true
	c.lastError = nil
	lines := append([]Item(nil), c.items...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.processing = false
		c.mu.Unlock()
	}()

	receipts := make([]*kiosk.Receipt, 0, len(lines))
	for _, line := range lines {
		receipt, err := c.submitter.SubmitTransaction(ctx, kiosk.TransactionRequest{
			SlotNumber:     req.SlotNumber,
			ProductID:      line.ProductID,
			Quantity:       line.Quantity,
			PaymentMethod:  req.PaymentMethod,
			TotalAmount:    line.Subtotal(),
			PaymentData:    req.PaymentData,
			CustomerData:   req.CustomerData,
			TransactionRef: uuid.NewString(),
		})
		if err != nil {
			c.mu.Lock()
			c.lastError = err
			c.mu.Unlock()
			c.logger.Warn("Checkout stopped", "product_id", line.ProductID, "error", err)
			return receipts, fmt.Errorf("failed to check out %s: %w", line.Name, err)
		}
		receipts = append(receipts, receipt)

		c.mu.Lock()
		c.removeLocked(line.ID)
		c.mu.Unlock()
		c.logger.Info("Cart line checked out", "product_id", line.ProductID, "transaction", receipt.TransactionUUID, "status", receipt.Status)
	}
	return receipts, nil
}

func (c *Cart) totalLocked() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.items {
		total = total.Add(item.Subtotal())
	}
	return total
}

func (c *Cart) indexLocked(itemID string) int {
	for i := range c.items {
		if c.items[i].ID == itemID {
			return i
		}
	}
	return -1
}

func (c *Cart) removeLocked(itemID string) bool {
	i := c.indexLocked(itemID)
	if i < 0 {
		return false
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return true
}
