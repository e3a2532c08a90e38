// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fakebackend is an in-memory kiosk backend speaking the same HTTP API as the
// real one. Tests and the demo terminal run against it; it can be taken down, made to
// fail individual endpoints and made to reject every token issued so far.
package fakebackend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mobiletoly/go-kiosksync/internal/auth"
	"github.com/mobiletoly/go-kiosksync/kiosk"
	"github.com/mobiletoly/go-kiosksync/remote"
)

// Config tunes the fake backend
type Config struct {
	Secret            string
	TokenTTL          time.Duration // zero issues tokens without expiry
	HeartbeatInterval int           // seconds, returned in the kiosk profile
	DefaultStock      int           // stock of slots never set explicitly
	Logger            *slog.Logger
	Now               func() time.Time
}

// DefaultConfig returns a configuration suitable for tests
func DefaultConfig() *Config {
	return &Config{
		Secret:            "fake-backend-secret",
		TokenTTL:          time.Hour,
		HeartbeatInterval: 60,
		DefaultStock:      100,
		Logger:            slog.Default(),
		Now:               time.Now,
	}
}

// Server is the fake backend
type Server struct {
	config *Config
	tokens *tokenAuth
	logger *slog.Logger
	router chi.Router

	mu           sync.Mutex
	down         bool
	failures     map[string]int // path -> forced status
	handshakes   int
	kiosks       map[string]string // serial number -> kiosk uuid
	channels     []kiosk.Channel
	categories   map[int64][]kiosk.Category // by channel
	products     map[int64][]kiosk.Product  // by category
	stock        map[int]int                // by slot
	transactions map[string]kiosk.TransactionAck
	order        []string // transaction refs in arrival order
	deliveries   map[string][]json.RawMessage
	maintenance  map[string]bool // by kiosk uuid
	rotations    int
}

// New creates a fake backend. A nil config uses DefaultConfig.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	s := &Server{
		config:       config,
		tokens:       newTokenAuth(config.Secret, config.TokenTTL, config.Now),
		logger:       config.Logger,
		failures:     map[string]int{},
		kiosks:       map[string]string{},
		categories:   map[int64][]kiosk.Category{},
		products:     map[int64][]kiosk.Product{},
		stock:        map[int]int{},
		transactions: map[string]kiosk.TransactionAck{},
		deliveries:   map[string][]json.RawMessage{},
		maintenance:  map[string]bool{},
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler of the backend
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	// outage must see the raw connection, so it runs first.
	r.Use(s.outage)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.injectFailures)

	r.Post(remote.PathAuthenticate, s.handleAuthenticate)

	r.Group(func(r chi.Router) {
		r.Use(s.tokens.middleware)

		r.Get(remote.PathChannels, s.handleChannels)
		r.Get(remote.PathCategories, s.handleCategories)
		r.Get(remote.PathProducts, s.handleProducts)
		r.Post(remote.PathTransaction, s.handleTransaction)
		r.Post(remote.PathErrorReport, s.handleDelivery)
		r.Post(remote.PathHeartbeat, s.handleDelivery)
		r.Post(remote.PathLowStockAlert, s.handleDelivery)
		r.Post(remote.PathInventoryUpdate, s.handleInventoryUpdate)
		r.Post(remote.PathMaintenanceStart, s.handleMaintenance(true))
		r.Post(remote.PathMaintenanceEnd, s.handleMaintenance(false))
		r.Get(remote.PathConfiguration, s.handleConfiguration)
		r.Get(remote.PathInventoryStatus, s.handleInventoryStatus)
	})
	return r
}

// SetCatalog replaces the whole catalog.
func (s *Server) SetCatalog(channels []kiosk.Channel, categories []kiosk.Category, products []kiosk.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append([]kiosk.Channel(nil), channels...)
	s.categories = map[int64][]kiosk.Category{}
	for _, c := range categories {
		s.categories[c.ChannelID] = append(s.categories[c.ChannelID], c)
	}
	s.products = map[int64][]kiosk.Product{}
	for _, p := range products {
		s.products[p.CategoryID] = append(s.products[p.CategoryID], p)
	}
}

// SetStock sets the stock of a slot
func (s *Server) SetStock(slot, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[slot] = stock
}

// Stock returns the current stock of a slot
func (s *Server) Stock(slot int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stockLocked(slot)
}

// SetDown makes every request fail at the connection level while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailWith forces every request to path to answer with status. Zero clears it.
func (s *Server) FailWith(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = status
}

// RevokeTokens rotates the signing secret so every token issued so far is rejected.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	s.rotations++
	secret := fmt.Sprintf("%s-%d", s.config.Secret, s.rotations)
	s.mu.Unlock()
	s.tokens.rotate(secret)
}

// Handshakes counts successful authentications
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Transactions returns the accepted transaction refs in arrival order.
func (s *Server) Transactions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Deliveries returns the bodies received on a telemetry path.
func (s *Server) Deliveries(path string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.deliveries[path]...)
}

// InMaintenance reports whether the kiosk put itself into maintenance mode.
func (s *Server) InMaintenance(kioskUUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maintenance[kioskUUID]
}

func (s *Server) outage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.down
		s.mu.Unlock()
		if !down {
			next.ServeHTTP(w, r)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			writeError(w, http.StatusBadGateway, "backend down")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		_ = conn.Close()
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Fake backend request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(started))
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := s.failures[r.URL.Path]
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, fmt.Sprintf("forced failure %d", status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req kiosk.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SerialNumber == "" {
		writeError(w, http.StatusUnprocessableEntity, "serial_number is required")
		return
	}

	s.mu.Lock()
	kioskUUID, ok := s.kiosks[req.SerialNumber]
	if !ok {
		kioskUUID = uuid.NewString()
		s.kiosks[req.SerialNumber] = kioskUUID
	}
	s.handshakes++
	channels := append([]kiosk.Channel(nil), s.channels...)
	s.mu.Unlock()

	token, err := s.tokens.generate(kioskUUID, req.SerialNumber)
	if err != nil {
		s.logger.Error("Failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	resp := kiosk.AuthResponse{
		UUID:              kioskUUID,
		Token:             token,
		KioskName:         "Kiosk " + req.SerialNumber,
		Status:            "active",
		HeartbeatInterval: s.config.HeartbeatInterval,
		Channels:          channels,
	}
	if len(channels) > 0 {
		resp.DefaultChannelID = channels[0].ID
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	channels := append([]kiosk.Channel{}, s.channels...)
	s.mu.Unlock()
	writeData(w, http.StatusOK, channels)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(r.URL.Query().Get("channel_id"), 10, 64)
	if err != nil || channelID <= 0 {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	s.mu.Lock()
	categories := append([]kiosk.Category{}, s.categories[channelID]...)
	s.mu.Unlock()
	writeData(w, http.StatusOK, categories)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	categoryID, err := strconv.ParseInt(r.URL.Query().Get("category_id"), 10, 64)
	if err != nil || categoryID <= 0 {
		writeError(w, http.StatusBadRequest, "category_id is required")
		return
	}
	perPage, err := strconv.Atoi(r.URL.Query().Get("per_page"))
	if err != nil || perPage <= 0 {
		perPage = 20
	}
	s.mu.Lock()
	products := append([]kiosk.Product{}, s.products[categoryID]...)
	s.mu.Unlock()

	total := len(products)
	if len(products) > perPage {
		products = products[:perPage]
	}
	lastPage := 1
	if total > 0 {
		lastPage = (total + perPage - 1) / perPage
	}
	writeData(w, http.StatusOK, map[string]any{
		"data":       products,
		"pagination": kiosk.Pagination{CurrentPage: 1, PerPage: perPage, Total: total, LastPage: lastPage},
	})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var req kiosk.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ref := r.Header.Get("Idempotency-Key")
	if ref == "" {
		ref = req.TransactionRef
	}
	if ref == "" {
		writeError(w, http.StatusUnprocessableEntity, "transaction_ref is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ack, seen := s.transactions[ref]; seen {
		writeData(w, http.StatusOK, ack)
		return
	}
	price, ok := s.priceLocked(req.ProductID)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("product %d not found", req.ProductID))
		return
	}
	stock := s.stockLocked(req.SlotNumber)
	if req.Quantity <= 0 || req.Quantity > stock {
		writeError(w, http.StatusConflict, fmt.Sprintf("insufficient stock in slot %d", req.SlotNumber))
		return
	}
	s.stock[req.SlotNumber] = stock - req.Quantity

	ack := kiosk.TransactionAck{
		TransactionUUID: uuid.NewString(),
		RemainingStock:  stock - req.Quantity,
		TotalAmount:     price.Mul(decimal.NewFromInt(int64(req.Quantity))),
		Timestamp:       s.config.Now().UTC().Format(time.RFC3339),
	}
	s.transactions[ref] = ack
	s.order = append(s.order, ref)
	kioskUUID, _ := auth.GetKioskUUID(r.Context())
	s.logger.Debug("Fake backend accepted transaction", "kiosk", kioskUUID, "ref", ref, "remaining_stock", ack.RemainingStock)
	writeData(w, http.StatusCreated, ack)
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	s.deliveries[r.URL.Path] = append(s.deliveries[r.URL.Path], body)
	s.mu.Unlock()
	writeMessage(w, "received")
}

func (s *Server) handleInventoryUpdate(w http.ResponseWriter, r *http.Request) {
	var update kiosk.InventoryUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	raw, _ := json.Marshal(update)
	s.mu.Lock()
	for _, slot := range update.Slots {
		s.stock[slot.SlotNumber] = slot.CurrentStock
	}
	s.deliveries[r.URL.Path] = append(s.deliveries[r.URL.Path], raw)
	s.mu.Unlock()
	writeMessage(w, "inventory updated")
}

func (s *Server) handleMaintenance(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kioskUUID, _ := auth.GetKioskUUID(r.Context())
		s.mu.Lock()
		s.maintenance[kioskUUID] = active
		s.mu.Unlock()
		writeMessage(w, "maintenance updated")
	}
}

func (s *Server) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	kioskUUID, _ := auth.GetKioskUUID(r.Context())
	serial, _ := auth.GetSerialNumber(r.Context())
	cfg := kiosk.KioskConfig{
		UUID:              kioskUUID,
		Name:              "Kiosk " + serial,
		Status:            "active",
		HeartbeatInterval: s.config.HeartbeatInterval,
	}
	s.mu.Lock()
	if s.maintenance[kioskUUID] {
		cfg.Status = "maintenance"
	}
	if len(s.channels) > 0 {
		cfg.DefaultChannelID = s.channels[0].ID
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, cfg)
}

// handleInventoryStatus reports the slots whose stock was set or changed by a sale.
func (s *Server) handleInventoryStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	status := kiosk.InventoryStatus{Slots: []kiosk.InventorySlot{}, LastUpdated: s.config.Now().UTC()}
	for _, n := range slices.Sorted(maps.Keys(s.stock)) {
		slot := kiosk.InventorySlot{SlotNumber: n, CurrentStock: s.stock[n], MaxCapacity: s.config.DefaultStock, Status: "active"}
		if slot.CurrentStock == 0 {
			slot.Status = "empty"
		} else {
			status.OperationalSlots++
		}
		status.Slots = append(status.Slots, slot)
	}
	status.TotalSlots = len(status.Slots)
	s.mu.Unlock()
	writeData(w, http.StatusOK, status)
}

func (s *Server) stockLocked(slot int) int {
	if n, ok := s.stock[slot]; ok {
		return n
	}
	return s.config.DefaultStock
}

func (s *Server) priceLocked(productID int64) (decimal.Decimal, bool) {
	for _, products := range s.products {
		for _, p := range products {
			if p.ID == productID {
				return p.Price, true
			}
		}
	}
	return decimal.Zero, false
}

func writeData(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	writeEnvelope(w, status, kiosk.Envelope{Success: true, Data: raw})
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeEnvelope(w, http.StatusOK, kiosk.Envelope{Success: true, Message: msg})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, kiosk.Envelope{Success: false, Error: msg})
}

func writeEnvelope(w http.ResponseWriter, status int, env kiosk.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
