package kiosksync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-kiosksync/kiosk"
	"github.com/mobiletoly/go-kiosksync/session"
)

type attentionLog struct {
	mu    sync.Mutex
	items []kiosk.QueueItem
}

func (l *attentionLog) record(item kiosk.QueueItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, item)
}

func (l *attentionLog) all() []kiosk.QueueItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]kiosk.QueueItem(nil), l.items...)
}

func TestSubmitTransactionOnline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	receipt, err := env.engine.SubmitTransaction(ctx, purchase("ref-1"))
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptCompleted, receipt.Status)
	require.Equal(t, "srv-ref-1", receipt.ServerUUID)
	require.NotNil(t, receipt.RemainingStock)
	require.Equal(t, 99, *receipt.RemainingStock)

	txn, err := env.store.Transaction(ctx, "ref-1")
	require.NoError(t, err)
	require.True(t, txn.Synced)
	require.NotNil(t, txn.SyncedAt)
	require.Equal(t, 99, *txn.RemainingStock)

	_, err = env.store.QueueItemByRef(ctx, "ref-1")
	require.ErrorIs(t, err, kiosk.ErrNotFound)
	pending, err := env.engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestSubmitTransactionOfflineIsRecordedBeforeSending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.remote.failAll(kindErr(kiosk.KindNetwork))

	receipt, err := env.engine.SubmitTransaction(ctx, purchase("ref-1"))
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptPending, receipt.Status)
	require.True(t, receipt.TotalAmount.Equal(decimal.RequireFromString("2.5")))

	txn, err := env.store.Transaction(ctx, "ref-1")
	require.NoError(t, err)
	require.False(t, txn.Synced)

	item, err := env.store.QueueItemByRef(ctx, "ref-1")
	require.NoError(t, err)
	require.Equal(t, kiosk.ItemTransaction, item.Type)
	require.Equal(t, kiosk.QueuePending, item.State)
	require.Equal(t, 1, item.RetryCount)

	var payload kiosk.TransactionRequest
	require.NoError(t, json.Unmarshal(item.Payload, &payload))
	require.Equal(t, "ref-1", payload.TransactionRef)
	require.Equal(t, int64(42), payload.ProductID)
}

func TestSubmitTransactionPendingForRetryableFailures(t *testing.T) {
	for _, kind := range []kiosk.Kind{kiosk.KindNetwork, kiosk.KindServer, kiosk.KindMalformed, kiosk.KindAuth} {
		t.Run(kind.String(), func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.remote.failAll(kindErr(kind))

			receipt, err := env.engine.SubmitTransaction(context.Background(), purchase("ref-1"))
			require.NoError(t, err)
			require.Equal(t, kiosk.ReceiptPending, receipt.Status)
		})
	}
}

func TestSubmitTransactionPendingWhenSessionUnavailable(t *testing.T) {
	for _, cause := range []kiosk.Kind{kiosk.KindNetwork, kiosk.KindClient, kiosk.KindMalformed} {
		t.Run(cause.String(), func(t *testing.T) {
			ctx := context.Background()
			attention := &attentionLog{}
			env := newTestEnv(t, func(cfg *Config) { cfg.OnAttention = attention.record })
			env.auth.ensureErr = fmt.Errorf("%w: %w", kiosk.ErrAuthUnavailable, kindErr(cause))

			receipt, err := env.engine.SubmitTransaction(ctx, purchase("ref-1"))
			require.NoError(t, err)
			require.Equal(t, kiosk.ReceiptPending, receipt.Status)

			item, err := env.store.QueueItemByRef(ctx, "ref-1")
			require.NoError(t, err)
			require.Equal(t, kiosk.QueuePending, item.State)
			require.Empty(t, attention.all())
			require.Zero(t, env.remote.callCount("transaction"))
		})
	}
}

// refusingBackend answers every handshake with 404, as for a kiosk the backend does not know.
type refusingBackend struct {
	mu    sync.Mutex
	calls int
}

func (b *refusingBackend) Authenticate(context.Context, kiosk.AuthRequest) (*kiosk.AuthResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return nil, &kiosk.Error{Kind: kiosk.KindClient, Op: "POST /authenticate", Status: 404, Message: "kiosk not found"}
}

func (b *refusingBackend) SetBaseURL(string) {}

func (b *refusingBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestRefusedHandshakeKeepsSalePending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	logger := slog.New(slog.DiscardHandler)

	backend := &refusingBackend{}
	ctrl := session.New(backend, env.store, nil, session.WithClock(env.clock.Now), session.WithLogger(logger))
	require.NoError(t, ctrl.Provision(ctx, "http://backend.test", kiosk.Device{SerialNumber: "SN-001", MACAddress: "00:11:22:33:44:55"}))
	engine := New(env.store, env.remote, ctrl, DefaultConfig(), WithClock(env.clock.Now), WithLogger(logger))

	receipt, err := engine.SubmitTransaction(ctx, purchase("ref-1"))
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptPending, receipt.Status)
	require.Equal(t, 1, backend.Calls())
	require.Empty(t, env.remote.submittedRefs())

	item, err := env.store.QueueItemByRef(ctx, "ref-1")
	require.NoError(t, err)
	require.Equal(t, kiosk.QueuePending, item.State)

	// Past the handshake cool-down the sweep tries again and still keeps the sale.
	env.clock.Advance(10 * time.Minute)
	res, err := engine.DrainQueue(ctx)
	require.NoError(t, err)
	require.True(t, res.Aborted)
	require.Zero(t, res.Rejected)
	require.Equal(t, 2, backend.Calls())

	item, err = env.store.QueueItemByRef(ctx, "ref-1")
	require.NoError(t, err)
	require.Equal(t, kiosk.QueuePending, item.State)
	require.Equal(t, 2, item.RetryCount)

	txn, err := env.store.Transaction(ctx, "ref-1")
	require.NoError(t, err)
	require.False(t, txn.Synced)
}

func TestSubmitTransactionGeneratesReference(t *testing.T) {
	env := newTestEnv(t, nil)
	receipt, err := env.engine.SubmitTransaction(context.Background(), purchase(""))
	require.NoError(t, err)
	_, err = uuid.Parse(receipt.TransactionUUID)
	require.NoError(t, err)
}

func TestSubmitTransactionValidation(t *testing.T) {
	cases := map[string]func(*kiosk.TransactionRequest){
		"zero quantity":   func(r *kiosk.TransactionRequest) { r.Quantity = 0 },
		"missing product": func(r *kiosk.TransactionRequest) { r.ProductID = 0 },
		"unknown payment": func(r *kiosk.TransactionRequest) { r.PaymentMethod = "barter" },
		"negative total":  func(r *kiosk.TransactionRequest) { r.TotalAmount = decimal.NewFromInt(-1) },
		"negative slot":   func(r *kiosk.TransactionRequest) { r.SlotNumber = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, nil)
			req := purchase("ref-1")
			mutate(&req)

			_, err := env.engine.SubmitTransaction(ctx, req)
			require.ErrorIs(t, err, kiosk.ErrInvalid)
			require.True(t, kiosk.IsKind(err, kiosk.KindClient))

			_, err = env.store.Transaction(ctx, "ref-1")
			require.ErrorIs(t, err, kiosk.ErrNotFound)
			require.Zero(t, env.remote.callCount("transaction"))
		})
	}
}

func TestSubmitTransactionRejectedByBackend(t *testing.T) {
	ctx := context.Background()
	attention := &attentionLog{}
	env := newTestEnv(t, func(cfg *Config) { cfg.OnAttention = attention.record })
	env.remote.failAll(kindErr(kiosk.KindClient))

	receipt, err := env.engine.SubmitTransaction(ctx, purchase("ref-1"))
	require.Nil(t, receipt)
	require.True(t, kiosk.IsKind(err, kiosk.KindClient))

	flagged := attention.all()
	require.Len(t, flagged, 1)
	require.Equal(t, kiosk.QueueRejected, flagged[0].State)
	require.Equal(t, "ref-1", flagged[0].RefID)

	// Kept for audit, never retried by the sweep.
	status, err := env.engine.Receipt(ctx, "ref-1")
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptRejected, status.Status)
	_, err = env.engine.DrainQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, env.remote.callCount("transaction"))

	items, err := env.engine.AttentionItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestSubmitTransactionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.remote.failAll(kindErr(kiosk.KindNetwork))

	_, err := env.engine.SubmitTransaction(ctx, purchase("ref-1"))
	require.NoError(t, err)

	env.remote.setFail(nil)
	again, err := env.engine.SubmitTransaction(ctx, purchase("ref-1"))
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptPending, again.Status)
	require.Equal(t, 1, env.remote.callCount("transaction"))

	history, err := env.engine.TransactionHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	_, err = env.engine.DrainQueue(ctx)
	require.NoError(t, err)
	done, err := env.engine.SubmitTransaction(ctx, purchase("ref-1"))
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptCompleted, done.Status)
	require.Equal(t, []string{"ref-1"}, env.remote.submittedRefs())
}

func TestLowStockAlertAfterSale(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	_, err := env.store.ReplaceProducts(ctx, 1, []kiosk.Product{{ID: 42, Name: "Cola", Price: decimal.RequireFromString("2.50")}})
	require.NoError(t, err)
	env.remote.stock = 4

	receipt, err := env.engine.SubmitTransaction(ctx, purchase("ref-1"))
	require.NoError(t, err)
	require.Equal(t, 3, *receipt.RemainingStock)

	require.Equal(t, []kiosk.ItemType{kiosk.ItemLowStockAlert}, env.remote.deliveredTypes())
	var alert kiosk.LowStockAlert
	require.NoError(t, json.Unmarshal(env.remote.delivered[0].Payload, &alert))
	require.Equal(t, kiosk.LowStockAlert{SlotNumber: 3, CurrentStock: 3, Threshold: 5, ProductName: "Cola"}, alert)
}

func TestTransactionSurvivesRepeatedNetworkFailures(t *testing.T) {
	ctx := context.Background()
	attention := &attentionLog{}
	env := newTestEnv(t, func(cfg *Config) { cfg.OnAttention = attention.record })
	env.remote.failAll(kindErr(kiosk.KindNetwork))

	_, err := env.engine.SubmitTransaction(ctx, purchase("ref-1"))
	require.NoError(t, err)
	for range 1000 {
		res, err := env.engine.DrainQueue(ctx)
		require.NoError(t, err)
		require.True(t, res.Aborted)
	}

	item, err := env.store.QueueItemByRef(ctx, "ref-1")
	require.NoError(t, err)
	require.Equal(t, 1001, item.RetryCount)
	require.Equal(t, kiosk.QueueFlagged, item.State)
	require.Len(t, attention.all(), 1)

	txn, err := env.store.Transaction(ctx, "ref-1")
	require.NoError(t, err)
	require.False(t, txn.Synced)

	env.remote.setFail(nil)
	res, err := env.engine.DrainQueue(ctx)
	require.NoError(t, err)
	require.False(t, res.Aborted)
	txn, err = env.store.Transaction(ctx, "ref-1")
	require.NoError(t, err)
	require.True(t, txn.Synced)
}

func TestPurgeHistoryKeepsRecentAndUnsynced(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	_, err := env.engine.SubmitTransaction(ctx, purchase("old-synced"))
	require.NoError(t, err)
	env.remote.failAll(kindErr(kiosk.KindNetwork))
	_, err = env.engine.SubmitTransaction(ctx, purchase("old-pending"))
	require.NoError(t, err)

	env.clock.Advance(31 * 24 * time.Hour)
	purged, err := env.engine.PurgeHistory(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	history, err := env.engine.TransactionHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "old-pending", history[0].UUID)
}
