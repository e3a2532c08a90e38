package kiosksync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-kiosksync/kiosk"
	"github.com/mobiletoly/go-kiosksync/localstore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRemote is an in-memory backend. fail, when set, is consulted before every call
// with the operation name and its detail (transaction ref or item type).
type fakeRemote struct {
	mu         sync.Mutex
	channels   []kiosk.Channel
	categories map[int64][]kiosk.Category
	products   map[int64][]kiosk.Product
	stock      int
	fail       func(op, detail string) error
	gate       chan struct{}
	calls      map[string]int
	submitted  []string
	delivered  []kiosk.QueueItem
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		categories: map[int64][]kiosk.Category{},
		products:   map[int64][]kiosk.Product{},
		stock:      100,
		calls:      map[string]int{},
	}
}

func (r *fakeRemote) begin(op, detail string) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[op]++
	if r.fail != nil {
		return r.fail(op, detail)
	}
	return nil
}

func (r *fakeRemote) setFail(fail func(op, detail string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *fakeRemote) failAll(err error) {
	r.setFail(func(string, string) error { return err })
}

func (r *fakeRemote) callCount(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *fakeRemote) submittedRefs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.submitted...)
}

func (r *fakeRemote) deliveredTypes() []kiosk.ItemType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []kiosk.ItemType
	for _, item := range r.delivered {
		types = append(types, item.Type)
	}
	return types
}

func (r *fakeRemote) Channels(context.Context) ([]kiosk.Channel, error) {
	if err := r.begin("channels", ""); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kiosk.Channel(nil), r.channels...), nil
}

func (r *fakeRemote) Categories(_ context.Context, channelID int64) ([]kiosk.Category, error) {
	if err := r.begin("categories", fmt.Sprint(channelID)); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kiosk.Category(nil), r.categories[channelID]...), nil
}

func (r *fakeRemote) Products(_ context.Context, categoryID, _ int64) ([]kiosk.Product, error) {
	if err := r.begin("products", fmt.Sprint(categoryID)); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kiosk.Product(nil), r.products[categoryID]...), nil
}

func (r *fakeRemote) SubmitTransaction(_ context.Context, ref string, _ json.RawMessage) (*kiosk.TransactionAck, error) {
	if err := r.begin("transaction", ref); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, ref)
	r.stock--
	return &kiosk.TransactionAck{TransactionUUID: "srv-" + ref, RemainingStock: r.stock}, nil
}

func (r *fakeRemote) Deliver(_ context.Context, itemType kiosk.ItemType, payload json.RawMessage) error {
	if err := r.begin("deliver", string(itemType)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, kiosk.QueueItem{Type: itemType, Payload: payload})
	return nil
}

func (r *fakeRemote) StartMaintenance(context.Context, kiosk.MaintenanceRequest) error {
	return r.begin("maintenance_start", "")
}

func (r *fakeRemote) EndMaintenance(context.Context) error {
	return r.begin("maintenance_end", "")
}

func (r *fakeRemote) Configuration(context.Context) (*kiosk.KioskConfig, error) {
	if err := r.begin("configuration", ""); err != nil {
		return nil, err
	}
	return &kiosk.KioskConfig{UUID: "k-1", Name: "Lobby", HeartbeatInterval: 30}, nil
}

func (r *fakeRemote) InventoryStatus(context.Context) (*kiosk.InventoryStatus, error) {
	if err := r.begin("inventory_status", ""); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	slots := []kiosk.InventorySlot{{SlotNumber: 3, CurrentStock: r.stock, MaxCapacity: 100, Status: "active"}}
	return &kiosk.InventoryStatus{Slots: slots, TotalSlots: 1, OperationalSlots: 1}, nil
}

type fakeAuth struct {
	mu        sync.Mutex
	token     string
	ensureErr error
	reauths   int
	config    kiosk.KioskConfig
}

func (a *fakeAuth) EnsureAuthenticated(context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ensureErr != nil {
		return "", a.ensureErr
	}
	return a.token, nil
}

func (a *fakeAuth) Reauthenticate(context.Context, string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reauths++
	a.token = fmt.Sprintf("tok-%d", a.reauths+1)
	return a.token, nil
}

func (a *fakeAuth) KioskConfig() kiosk.KioskConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

func (a *fakeAuth) reauthCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reauths
}

type testEnv struct {
	engine *Engine
	remote *fakeRemote
	auth   *fakeAuth
	store  *localstore.Store
	clock  *testClock
}

func newTestEnv(t *testing.T, configure func(*Config)) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := localstore.Open(":memory:", localstore.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := DefaultConfig()
	if configure != nil {
		configure(cfg)
	}
	remote := newFakeRemote()
	auth := &fakeAuth{token: "tok-1"}
	logger := slog.New(slog.DiscardHandler)
	e := New(store, remote, auth, cfg, WithClock(clock.Now), WithLogger(logger))
	return &testEnv{engine: e, remote: remote, auth: auth, store: store, clock: clock}
}

func kindErr(kind kiosk.Kind) error {
	return &kiosk.Error{Kind: kind, Op: "fake", Message: kind.String() + " failure"}
}

func purchase(ref string) kiosk.TransactionRequest {
	return kiosk.TransactionRequest{
		SlotNumber:     3,
		ProductID:      42,
		Quantity:       1,
		PaymentMethod:  kiosk.PaymentCard,
		TotalAmount:    decimal.RequireFromString("2.50"),
		TransactionRef: ref,
	}
}

func queuedOfType(t *testing.T, env *testEnv, itemType kiosk.ItemType) []kiosk.QueueItem {
	t.Helper()
	items, err := env.store.QueueItems(context.Background())
	require.NoError(t, err)
	var out []kiosk.QueueItem
	for _, item := range items {
		if item.Type == itemType {
			out = append(out, item)
		}
	}
	return out
}

func TestFetchReconcilesAndFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.remote.categories[7] = []kiosk.Category{
		{ID: 1, ChannelID: 7, Name: "Hot drinks", ProductsCount: 4},
		{ID: 2, ChannelID: 7, Name: "Cold drinks", ProductsCount: 2},
	}
	scope := Scope{Entity: EntityCategories, ChannelID: 7}

	res, err := env.engine.Fetch(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, SourceRemote, res.Source)
	require.Len(t, res.Categories, 2)

	env.remote.categories[7] = []kiosk.Category{{ID: 2, ChannelID: 7, Name: "Cold drinks", ProductsCount: 2}}
	res, err = env.engine.Fetch(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, SourceRemote, res.Source)
	cached, err := env.store.Categories(ctx, 7)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	require.Equal(t, int64(2), cached[0].ID)

	env.remote.failAll(kindErr(kiosk.KindNetwork))
	res, err = env.engine.Fetch(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, SourceCache, res.Source)
	require.Equal(t, cached, res.Categories)
	require.True(t, kiosk.IsKind(res.RemoteErr, kiosk.KindNetwork))
	require.False(t, env.engine.Online())
}

func TestFetchFallsBackOnEveryFailureKind(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []kiosk.Kind{kiosk.KindNetwork, kiosk.KindServer, kiosk.KindClient, kiosk.KindMalformed} {
		t.Run(kind.String(), func(t *testing.T) {
			env := newTestEnv(t, nil)
			seeded := []kiosk.Channel{{ID: 1, Name: "Coffee", IsActive: true}}
			_, err := env.store.ReplaceChannels(ctx, seeded)
			require.NoError(t, err)

			env.remote.failAll(kindErr(kind))
			channels, err := env.engine.Channels(ctx)
			require.NoError(t, err)
			require.Equal(t, seeded, channels)
		})
	}
}

func TestChannelsServesActiveOnlineAndOffline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.remote.channels = []kiosk.Channel{
		{ID: 1, Name: "Coffee", IsActive: true},
		{ID: 2, Name: "Seasonal", IsActive: false},
	}

	online, err := env.engine.Channels(ctx)
	require.NoError(t, err)
	require.Equal(t, []kiosk.Channel{{ID: 1, Name: "Coffee", IsActive: true}}, online)

	stats, err := env.engine.CacheStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Channels)

	env.remote.failAll(kindErr(kiosk.KindNetwork))
	offline, err := env.engine.Channels(ctx)
	require.NoError(t, err)
	require.Equal(t, online, offline)
}

func TestFetchEmptyCacheIsNotAnError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.failAll(kindErr(kiosk.KindNetwork))

	products, err := env.engine.Products(context.Background(), 9, 0)
	require.NoError(t, err)
	require.Empty(t, products)
}

func TestFetchWithoutSessionServesCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.auth.ensureErr = fmt.Errorf("kiosk is not provisioned: %w", kiosk.ErrAuthUnavailable)

	res, err := env.engine.Fetch(context.Background(), Scope{Entity: EntityChannels})
	require.NoError(t, err)
	require.Equal(t, SourceCache, res.Source)
	require.ErrorIs(t, res.RemoteErr, kiosk.ErrAuthUnavailable)
	require.Zero(t, env.remote.callCount("channels"))
}

func TestAuthErrorRetriesExactlyOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.failAll(kindErr(kiosk.KindAuth))

	res, err := env.engine.Fetch(context.Background(), Scope{Entity: EntityChannels})
	require.NoError(t, err)
	require.Equal(t, SourceCache, res.Source)
	require.Equal(t, 1, env.auth.reauthCount())
	require.Equal(t, 2, env.remote.callCount("channels"))
}

func TestAuthErrorThenSuccessUsesFreshData(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.channels = []kiosk.Channel{{ID: 1, Name: "Coffee", IsActive: true}}
	first := true
	env.remote.setFail(func(string, string) error {
		if first {
			first = false
			return kindErr(kiosk.KindAuth)
		}
		return nil
	})

	res, err := env.engine.Fetch(context.Background(), Scope{Entity: EntityChannels})
	require.NoError(t, err)
	require.Equal(t, SourceRemote, res.Source)
	require.Len(t, res.Channels, 1)
	require.Equal(t, 1, env.auth.reauthCount())
}

func TestConcurrentFetchesShareOneCall(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.remote.products[3] = []kiosk.Product{{ID: 10, CategoryID: 3, Name: "Water", Price: decimal.RequireFromString("1.20")}}
	env.remote.gate = make(chan struct{})

	const callers = 5
	results := make([][]kiosk.Product, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			products, err := env.engine.Products(ctx, 3, 0)
			if err == nil {
				results[i] = products
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(env.remote.gate)
	wg.Wait()

	require.Equal(t, 1, env.remote.callCount("products"))
	for _, products := range results {
		require.Len(t, products, 1)
	}
}

func TestFetchFailureIsFunneledToErrorReports(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.failAll(kindErr(kiosk.KindServer))

	_, err := env.engine.Channels(context.Background())
	require.NoError(t, err)

	reports := queuedOfType(t, env, kiosk.ItemErrorReport)
	require.Len(t, reports, 1)
	var report kiosk.ErrorReport
	require.NoError(t, json.Unmarshal(reports[0].Payload, &report))
	require.Equal(t, kiosk.CodeServerFailure, report.ErrorCode)
	require.Equal(t, "fetch channels", report.Component)
	// Funneled reports are only queued, never sent inline.
	require.Zero(t, env.remote.callCount("deliver"))
}

func TestFetchSurfacesOnlyLocalReadFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.remote.failAll(kindErr(kiosk.KindNetwork))
	require.NoError(t, env.store.Close())

	_, err := env.engine.Channels(context.Background())
	require.Error(t, err)
	require.True(t, kiosk.IsKind(err, kiosk.KindStorage))
}

func TestFetchRejectsInvalidScope(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.Categories(context.Background(), 0)
	require.ErrorIs(t, err, kiosk.ErrInvalid)
	_, err = env.engine.Fetch(context.Background(), Scope{Entity: "widgets"})
	require.ErrorIs(t, err, kiosk.ErrInvalid)
	require.Zero(t, env.remote.callCount("categories"))
}

func TestLiveKioskReads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	cfg, err := env.engine.RemoteConfiguration(ctx)
	require.NoError(t, err)
	require.Equal(t, "k-1", cfg.UUID)

	status, err := env.engine.InventoryStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status.Slots, 1)
	require.Equal(t, 100, status.Slots[0].CurrentStock)

	env.remote.failAll(kindErr(kiosk.KindNetwork))
	_, err = env.engine.InventoryStatus(ctx)
	require.True(t, kiosk.IsKind(err, kiosk.KindNetwork))
	_, err = env.engine.RemoteConfiguration(ctx)
	require.True(t, kiosk.IsKind(err, kiosk.KindNetwork))
}

func TestMaintenance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	require.NoError(t, env.engine.StartMaintenance(ctx, "restocking", 30*time.Minute))
	m, err := env.engine.Maintenance(ctx)
	require.NoError(t, err)
	require.True(t, m.Active)
	require.Equal(t, "restocking", m.Reason)

	env.remote.failAll(kindErr(kiosk.KindNetwork))
	err = env.engine.EndMaintenance(ctx)
	require.True(t, kiosk.IsKind(err, kiosk.KindNetwork))
	active, err := env.engine.InMaintenance(ctx)
	require.NoError(t, err)
	require.True(t, active)

	env.remote.setFail(nil)
	require.NoError(t, env.engine.EndMaintenance(ctx))
	active, err = env.engine.InMaintenance(ctx)
	require.NoError(t, err)
	require.False(t, active)
}

func TestRecorderObservesFetches(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Recorder = RecorderFunc(func(_ context.Context, ev Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		})
	})
	_, err := env.engine.Channels(context.Background())
	require.NoError(t, err)
	env.remote.failAll(kindErr(kiosk.KindNetwork))
	_, err = env.engine.Channels(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var outcomes []string
	for _, ev := range events {
		if ev.Op == MetricsOpFetch {
			outcomes = append(outcomes, ev.Outcome)
		}
	}
	require.Equal(t, []string{OutcomeRemote, OutcomeCache}, outcomes)
}
