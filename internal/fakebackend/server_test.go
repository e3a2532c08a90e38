package fakebackend_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-kiosksync/cart"
	"github.com/mobiletoly/go-kiosksync/internal/fakebackend"
	"github.com/mobiletoly/go-kiosksync/kiosk"
	"github.com/mobiletoly/go-kiosksync/kiosksync"
	"github.com/mobiletoly/go-kiosksync/localstore"
	"github.com/mobiletoly/go-kiosksync/remote"
	"github.com/mobiletoly/go-kiosksync/session"
)

// terminal is a kiosk wired against a fake backend over real HTTP.
type terminal struct {
	backend *fakebackend.Server
	store   *localstore.Store
	client  *remote.Client
	session *session.Controller
	engine  *kiosksync.Engine
}

func newTerminal(t *testing.T) *terminal {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	cfg := fakebackend.DefaultConfig()
	cfg.Logger = logger
	backend := fakebackend.New(cfg)
	backend.SetCatalog(
		[]kiosk.Channel{{ID: 1, Name: "Drinks", IsActive: true}},
		[]kiosk.Category{{ID: 10, ChannelID: 1, Name: "Cold", ProductsCount: 2}},
		[]kiosk.Product{
			{ID: 100, CategoryID: 10, Name: "Cola", Price: decimal.RequireFromString("2.50")},
			{ID: 101, CategoryID: 10, Name: "Water", Price: decimal.RequireFromString("1.20")},
		},
	)
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)

	store, err := localstore.Open(":memory:", localstore.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := remote.NewClient("", nil, 2*time.Second)
	client.SetLogger(logger)
	ctrl := session.New(client, store, session.DefaultConfig(), session.WithLogger(logger))
	client.Token = ctrl.Token

	require.NoError(t, ctrl.Load(ctx))
	require.NoError(t, ctrl.Provision(ctx, srv.URL, kiosk.Device{SerialNumber: "SN-0042", MACAddress: "00:1a:2b:3c:4d:5e"}))
	_, err = ctrl.EnsureAuthenticated(ctx)
	require.NoError(t, err)

	engine := kiosksync.New(store, client, ctrl, kiosksync.DefaultConfig(), kiosksync.WithLogger(logger))
	return &terminal{backend: backend, store: store, client: client, session: ctrl, engine: engine}
}

func sale(productID int64, qty int) kiosk.TransactionRequest {
	return kiosk.TransactionRequest{
		SlotNumber:    1,
		ProductID:     productID,
		Quantity:      qty,
		PaymentMethod: kiosk.PaymentCard,
		TotalAmount:   decimal.RequireFromString("2.50").Mul(decimal.NewFromInt(int64(qty))),
	}
}

func TestHandshakeProvidesKioskProfile(t *testing.T) {
	term := newTerminal(t)
	require.Equal(t, kiosk.StateAuthenticated, term.session.State())
	require.Equal(t, 1, term.backend.Handshakes())

	profile := term.session.KioskConfig()
	require.NotEmpty(t, profile.UUID)
	require.Equal(t, "Kiosk SN-0042", profile.Name)
	require.Equal(t, 60, profile.HeartbeatInterval)
	require.Equal(t, int64(1), profile.DefaultChannelID)
}

func TestOfflineSaleSyncsWhenBackendReturns(t *testing.T) {
	ctx := context.Background()
	term := newTerminal(t)

	res, err := term.engine.Fetch(ctx, kiosksync.Scope{Entity: kiosksync.EntityProducts, CategoryID: 10, ChannelID: 1})
	require.NoError(t, err)
	require.Equal(t, kiosksync.SourceRemote, res.Source)
	require.Len(t, res.Products, 2)

	term.backend.SetDown(true)
	res, err = term.engine.Fetch(ctx, kiosksync.Scope{Entity: kiosksync.EntityProducts, CategoryID: 10, ChannelID: 1})
	require.NoError(t, err)
	require.Equal(t, kiosksync.SourceCache, res.Source)
	require.Len(t, res.Products, 2)
	require.True(t, kiosk.IsKind(res.RemoteErr, kiosk.KindNetwork))
	require.False(t, term.engine.Online())

	receipt, err := term.engine.SubmitTransaction(ctx, sale(100, 2))
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptPending, receipt.Status)
	require.Empty(t, term.backend.Transactions())

	term.backend.SetDown(false)
	sweep, err := term.engine.DrainQueue(ctx)
	require.NoError(t, err)
	require.False(t, sweep.Aborted)
	require.Equal(t, []string{receipt.TransactionUUID}, term.backend.Transactions())
	require.Equal(t, 98, term.backend.Stock(1))
	require.True(t, term.engine.Online())

	receipt, err = term.engine.Receipt(ctx, receipt.TransactionUUID)
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptCompleted, receipt.Status)

	// The offline failures were funneled as error reports and delivered by the sweep.
	require.NotEmpty(t, term.backend.Deliveries(remote.PathErrorReport))
	pending, err := term.engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestRevokedTokenIsReplacedOnce(t *testing.T) {
	ctx := context.Background()
	term := newTerminal(t)

	term.backend.RevokeTokens()
	res, err := term.engine.Fetch(ctx, kiosksync.Scope{Entity: kiosksync.EntityChannels})
	require.NoError(t, err)
	require.Equal(t, kiosksync.SourceRemote, res.Source)
	require.Len(t, res.Channels, 1)
	require.Equal(t, 2, term.backend.Handshakes())
	require.Equal(t, kiosk.StateAuthenticated, term.session.State())
}

func TestUnknownKioskKeepsSalePending(t *testing.T) {
	ctx := context.Background()
	term := newTerminal(t)

	// The backend stops recognizing the kiosk: tokens are revoked and handshakes answer 404.
	term.backend.RevokeTokens()
	term.backend.FailWith(remote.PathAuthenticate, http.StatusNotFound)

	receipt, err := term.engine.SubmitTransaction(ctx, sale(100, 1))
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptPending, receipt.Status)
	require.Empty(t, term.backend.Transactions())

	attention, err := term.engine.AttentionItems(ctx)
	require.NoError(t, err)
	require.Empty(t, attention)

	// Once the handshake cool-down passes the sale goes through.
	term.backend.FailWith(remote.PathAuthenticate, 0)
	require.Eventually(t, func() bool {
		if _, err := term.engine.DrainQueue(ctx); err != nil {
			return false
		}
		pending, err := term.engine.PendingCount(ctx)
		return err == nil && pending == 0
	}, 15*time.Second, time.Second)
	require.Len(t, term.backend.Transactions(), 1)
}

func TestServerErrorKeepsSalePending(t *testing.T) {
	ctx := context.Background()
	term := newTerminal(t)

	term.backend.FailWith(remote.PathTransaction, http.StatusServiceUnavailable)
	receipt, err := term.engine.SubmitTransaction(ctx, sale(101, 1))
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptPending, receipt.Status)
	require.True(t, term.engine.Online())

	term.backend.FailWith(remote.PathTransaction, 0)
	_, err = term.engine.DrainQueue(ctx)
	require.NoError(t, err)
	receipt, err = term.engine.Receipt(ctx, receipt.TransactionUUID)
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptCompleted, receipt.Status)
}

func TestOutOfStockSaleIsRejected(t *testing.T) {
	ctx := context.Background()
	term := newTerminal(t)
	term.backend.SetStock(1, 0)

	req := sale(100, 1)
	req.TransactionRef = "sold-out"
	_, err := term.engine.SubmitTransaction(ctx, req)
	require.Error(t, err)
	require.True(t, kiosk.IsKind(err, kiosk.KindClient))
	require.Equal(t, http.StatusConflict, kiosk.StatusOf(err))

	receipt, err := term.engine.Receipt(ctx, "sold-out")
	require.NoError(t, err)
	require.Equal(t, kiosk.ReceiptRejected, receipt.Status)
}

func TestCartCheckoutThroughEngine(t *testing.T) {
	ctx := context.Background()
	term := newTerminal(t)

	products, err := term.engine.Products(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, products, 2)

	c := cart.New(term.engine, cart.WithLogger(slog.New(slog.DiscardHandler)))
	for _, p := range products {
		_, err := c.AddItem(p, 1)
		require.NoError(t, err)
	}
	receipts, err := c.Checkout(ctx, cart.CheckoutRequest{SlotNumber: 1, PaymentMethod: kiosk.PaymentContactless})
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	for _, r := range receipts {
		require.Equal(t, kiosk.ReceiptCompleted, r.Status)
	}
	require.True(t, c.IsEmpty())
	require.Len(t, term.backend.Transactions(), 2)
	require.Equal(t, 98, term.backend.Stock(1))
}

func TestTelemetryAndMaintenance(t *testing.T) {
	ctx := context.Background()
	term := newTerminal(t)

	require.NoError(t, term.engine.Heartbeat(ctx))
	heartbeats := term.backend.Deliveries(remote.PathHeartbeat)
	require.Len(t, heartbeats, 1)
	var hb kiosk.HeartbeatRequest
	require.NoError(t, json.Unmarshal(heartbeats[0], &hb))
	require.Zero(t, hb.PendingTransactions)
	require.True(t, hb.NetworkStatus.Connected)

	require.NoError(t, term.engine.ReportInventory(ctx, kiosk.InventoryUpdate{Slots: []kiosk.SlotStatus{{SlotNumber: 4, CurrentStock: 12}}}))
	require.Equal(t, 12, term.backend.Stock(4))

	kioskUUID := term.session.KioskConfig().UUID
	require.NoError(t, term.engine.StartMaintenance(ctx, "restock", 15*time.Minute))
	require.True(t, term.backend.InMaintenance(kioskUUID))
	active, err := term.engine.InMaintenance(ctx)
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, term.engine.EndMaintenance(ctx))
	require.False(t, term.backend.InMaintenance(kioskUUID))

	cfg, err := term.engine.RemoteConfiguration(ctx)
	require.NoError(t, err)
	require.Equal(t, kioskUUID, cfg.UUID)
	require.Equal(t, "active", cfg.Status)

	status, err := term.engine.InventoryStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status.Slots, 1)
	require.Equal(t, 4, status.Slots[0].SlotNumber)
	require.Equal(t, 12, status.Slots[0].CurrentStock)
	require.Equal(t, 1, status.OperationalSlots)
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	srv := httptest.NewServer(fakebackend.New(nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + remote.PathChannels)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var env kiosk.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.False(t, env.Success)
	require.Equal(t, "authorization header required", env.Error)
}
