package cart

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-kiosksync/kiosk"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []kiosk.TransactionRequest
	failOn   int64 // product id that fails
	err      error
}

func (s *fakeSubmitter) SubmitTransaction(_ context.Context, req kiosk.TransactionRequest) (*kiosk.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if req.ProductID == s.failOn {
		return nil, s.err
	}
	return &kiosk.Receipt{TransactionUUID: req.TransactionRef, Status: kiosk.ReceiptPending, TotalAmount: req.TotalAmount}, nil
}

var (
	coffee = kiosk.Product{ID: 1, Name: "Coffee", Price: decimal.RequireFromString("2.50")}
	water  = kiosk.Product{ID: 2, Name: "Water", Price: decimal.RequireFromString("1.20")}
	snack  = kiosk.Product{ID: 3, Name: "Snack", Price: decimal.RequireFromString("0.99")}
)

func newTestCart(s Submitter) *Cart {
	return New(s, WithLogger(slog.New(slog.DiscardHandler)))
}

func TestAddItemMergesByProduct(t *testing.T) {
	c := newTestCart(&fakeSubmitter{})
	first, err := c.AddItem(coffee, 1)
	require.NoError(t, err)
	merged, err := c.AddItem(coffee, 2)
	require.NoError(t, err)
	require.Equal(t, first.ID, merged.ID)
	require.Equal(t, 3, merged.Quantity)

	_, err = c.AddItem(water, 1)
	require.NoError(t, err)
	require.Len(t, c.Items(), 2)
	require.Equal(t, 4, c.ItemCount())

	_, err = c.AddItem(water, 0)
	require.ErrorIs(t, err, kiosk.ErrInvalid)
}

func TestTotalsAndTax(t *testing.T) {
	c := newTestCart(&fakeSubmitter{})
	_, _ = c.AddItem(coffee, 2)
	_, _ = c.AddItem(water, 1)
	_, _ = c.AddItem(snack, 3)

	require.True(t, c.Total().Equal(decimal.RequireFromString("9.17")), c.Total().String())
	require.True(t, c.Tax(DefaultTaxRate).Equal(decimal.RequireFromString("1.74")), c.Tax(DefaultTaxRate).String())
	require.True(t, c.Tax(decimal.Zero).IsZero())
}

func TestQuantityUpdates(t *testing.T) {
	c := newTestCart(&fakeSubmitter{})
	item, _ := c.AddItem(coffee, 1)

	require.True(t, c.Increment(item.ID))
	require.Equal(t, 2, c.ItemCount())
	require.True(t, c.Decrement(item.ID))
	require.Equal(t, 1, c.ItemCount())
	require.True(t, c.Decrement(item.ID))
	require.True(t, c.IsEmpty())
	require.False(t, c.Increment(item.ID))

	item, _ = c.AddItem(water, 1)
	require.True(t, c.UpdateQuantity(item.ID, 5))
	require.Equal(t, 5, c.ItemCount())
	require.True(t, c.UpdateQuantity(item.ID, 0))
	require.True(t, c.IsEmpty())
	require.False(t, c.RemoveItem(item.ID))
}

func TestSelection(t *testing.T) {
	c := newTestCart(&fakeSubmitter{})
	c.SelectChannel(4)
	c.SelectCategory(9)
	ch, cat := c.Selection()
	require.Equal(t, int64(4), ch)
	require.Equal(t, int64(9), cat)

	c.SelectChannel(5)
	ch, cat = c.Selection()
	require.Equal(t, int64(5), ch)
	require.Zero(t, cat)
}

func TestCheckoutSubmitsOneTransactionPerLine(t *testing.T) {
	s := &fakeSubmitter{}
	c := newTestCart(s)
	_, _ = c.AddItem(coffee, 2)
	_, _ = c.AddItem(water, 1)
	require.True(t, c.CanCheckout())

	receipts, err := c.Checkout(context.Background(), CheckoutRequest{SlotNumber: 7, PaymentMethod: kiosk.PaymentCard})
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	require.True(t, c.IsEmpty())
	require.False(t, c.CanCheckout())

	require.Len(t, s.requests, 2)
	require.Equal(t, int64(1), s.requests[0].ProductID)
	require.Equal(t, 2, s.requests[0].Quantity)
	require.True(t, s.requests[0].TotalAmount.Equal(decimal.RequireFromString("5")))
	require.Equal(t, 7, s.requests[1].SlotNumber)
	require.NotEqual(t, s.requests[0].TransactionRef, s.requests[1].TransactionRef)
}

func TestCheckoutStopsAtFirstError(t *testing.T) {
	rejected := &kiosk.Error{Kind: kiosk.KindClient, Op: "POST /transaction", Message: "slot empty"}
	s := &fakeSubmitter{failOn: water.ID, err: rejected}
	c := newTestCart(s)
	_, _ = c.AddItem(coffee, 1)
	_, _ = c.AddItem(water, 1)
	_, _ = c.AddItem(snack, 1)

	receipts, err := c.Checkout(context.Background(), CheckoutRequest{PaymentMethod: kiosk.PaymentCash})
	require.Error(t, err)
	require.True(t, errors.Is(err, rejected))
	require.Len(t, receipts, 1)
	require.Len(t, s.requests, 2)
	require.ErrorIs(t, c.LastError(), rejected)

	left := c.Items()
	require.Len(t, left, 2)
	require.Equal(t, water.ID, left[0].ProductID)
	require.Equal(t, snack.ID, left[1].ProductID)
}

func TestCheckoutEmptyCart(t *testing.T) {
	c := newTestCart(&fakeSubmitter{})
	_, err := c.Checkout(context.Background(), CheckoutRequest{PaymentMethod: kiosk.PaymentCard})
	require.ErrorIs(t, err, ErrEmpty)
}
