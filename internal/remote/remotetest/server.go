// Package remotetest runs an in-process stand-in for the kasirinaja backend. It
// honours idempotency keys, pages the catalog, keeps held receipts per outlet and
// pushes events over a websocket, with hooks to inject failures.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kasirinaja/terminal/internal/domain"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 500 * time.Millisecond
)

type AppliedTransaction struct {
	OfflineID string
	Request   domain.SaleRequest
	Record    domain.TransactionRecord
}

type subscriber struct {
	outletID string
	send     chan []byte
	conn     *websocket.Conn
	done     chan struct{}
	once     sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

type Server struct {
	URL   string
	Token string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu                  sync.Mutex
	applied             map[string]AppliedTransaction
	appliedOrder        []string
	products            map[string]map[string]domain.CachedProduct
	held                map[string][]domain.HeldSale
	heldKeys            map[string]string
	nextID              int
	clock               time.Time
	requests            map[string]int
	fault               func(r *http.Request) int
	loseTransactions    int
	conflictOnDuplicate bool
	enforceStock        bool
	heldGate            chan struct{}
	heldReplyGate       chan struct{}
	loseHeld            int
	subscribers         map[*subscriber]struct{}
}

// New starts a fake backend and closes it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		applied:     make(map[string]AppliedTransaction),
		products:    make(map[string]map[string]domain.CachedProduct),
		held:        make(map[string][]domain.HeldSale),
		heldKeys:    make(map[string]string),
		requests:    make(map[string]int),
		subscribers: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /transactions", s.handleCreateTransaction)
	mux.HandleFunc("GET /products", s.handleListProducts)
	mux.HandleFunc("POST /held-receipts", s.handleCreateHeld)
	mux.HandleFunc("GET /held-receipts", s.handleListHeld)
	mux.HandleFunc("DELETE /held-receipts/{id}", s.handleDeleteHeld)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.srv = httptest.NewServer(s.intercept(mux))
	s.URL = s.srv.URL
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Close() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[*subscriber]struct{})
	if s.heldGate != nil {
		close(s.heldGate)
		s.heldGate = nil
	}
	if s.heldReplyGate != nil {
		close(s.heldReplyGate)
		s.heldReplyGate = nil
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	s.srv.Close()
}

// EventsURL is the websocket endpoint for push subscriptions.
func (s *Server) EventsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/events"
}

// SetFault installs fn in front of every route. A positive return value short
// circuits the request with that status.
func (s *Server) SetFault(fn func(r *http.Request) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// LoseTransactionResponses makes the next n accepted transactions answer 502
// after they were recorded, like a response lost on the way back.
func (s *Server) LoseTransactionResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseTransactions = n
}

func (s *Server) SetConflictOnDuplicate(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictOnDuplicate = enabled
}

// EnforceStock makes checkout answer 409 "insufficient stock" when a line
// asks for more than the seeded quantity on hand.
func (s *Server) EnforceStock(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enforceStock = enabled
}

// GateHeldReplies records every held-receipt create at once but holds the
// response until the returned release func is called.
func (s *Server) GateHeldReplies() func() {
	gate := make(chan struct{})
	s.mu.Lock()
	s.heldReplyGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.heldReplyGate == gate {
				close(gate)
				s.heldReplyGate = nil
			}
			s.mu.Unlock()
		})
	}
}

// LoseHeldResponses makes the next n held-receipt creates answer 502 after
// they were recorded.
func (s *Server) LoseHeldResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseHeld = n
}

// GateHeldCreates holds every held-receipt create until the returned release
// func is called.
func (s *Server) GateHeldCreates() func() {
	gate := make(chan struct{})
	s.mu.Lock()
	s.heldGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.heldGate == gate {
				close(gate)
				s.heldGate = nil
			}
			s.mu.Unlock()
		})
	}
}

func (s *Server) Requests(method string, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+path]
}

func (s *Server) SeedProducts(outletID string, items ...domain.CachedProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range items {
		p.OutletID = outletID
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = s.tick()
		}
		s.productsFor(outletID)[p.ID] = p
	}
}

// UpsertProduct records a change the next incremental pull will report.
func (s *Server) UpsertProduct(outletID string, p domain.CachedProduct) domain.CachedProduct {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.OutletID = outletID
	p.Deleted = false
	p.UpdatedAt = s.tick()
	s.productsFor(outletID)[p.ID] = p
	return p
}

func (s *Server) DeleteProduct(outletID string, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.productsFor(outletID)[id]
	if !ok {
		return
	}
	p.Deleted = true
	p.UpdatedAt = s.tick()
	s.productsFor(outletID)[id] = p
}

// DeleteHeld removes a held receipt as another terminal would.
func (s *Server) DeleteHeld(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for outletID, list := range s.held {
		s.held[outletID] = slices.DeleteFunc(list, func(h domain.HeldSale) bool { return h.ID == id })
	}
}

func (s *Server) Stock(outletID string, productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.productsFor(outletID)[productID].QuantityOnHand
}

func (s *Server) Transactions() []AppliedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AppliedTransaction, 0, len(s.appliedOrder))
	for _, id := range s.appliedOrder {
		out = append(out, s.applied[id])
	}
	return out
}

func (s *Server) SeedHeld(outletID string, held domain.HeldSale) domain.HeldSale {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held.ID == "" {
		s.nextID++
		held.ID = fmt.Sprintf("held-%d", s.nextID)
	}
	held.OutletID = outletID
	held.Synced = false
	if held.SavedAt.IsZero() {
		held.SavedAt = time.Now().UTC()
	}
	s.held[outletID] = append(s.held[outletID], held)
	return held
}

func (s *Server) HeldReceipts(outletID string) []domain.HeldSale {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.held[outletID])
}

// Publish pushes ev to every subscriber of its outlet and reports how many
// received it.
func (s *Server) Publish(ev domain.Event) int {
	raw, _ := json.Marshal(ev)
	s.mu.Lock()
	defer s.mu.Unlock()
	delivered := 0
	for sub := range s.subscribers {
		if sub.outletID != ev.OutletID {
			continue
		}
		select {
		case sub.send <- raw:
			delivered++
		default:
		}
	}
	return delivered
}

func (s *Server) Subscribers(outletID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sub := range s.subscribers {
		if sub.outletID == outletID {
			n++
		}
	}
	return n
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		fault := s.fault
		s.mu.Unlock()

		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "invalid backend token")
			return
		}
		if fault != nil {
			if status := fault(r); status > 0 {
				writeError(w, status, http.StatusText(status))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type transactionBody struct {
	domain.SaleRequest
	OfflineID string `json:"offline_id"`
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var body transactionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = body.OfflineID
	}
	if key == "" {
		writeError(w, http.StatusBadRequest, "idempotency key is required")
		return
	}
	if err := checkSale(body.SaleRequest); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	if existing, ok := s.applied[key]; ok {
		conflict := s.conflictOnDuplicate
		s.mu.Unlock()
		if conflict {
			writeError(w, http.StatusConflict, "transaction already applied")
			return
		}
		record := existing.Record
		record.Duplicate = true
		writeJSON(w, http.StatusOK, record)
		return
	}

	catalog := s.productsFor(body.OutletID)
	if s.enforceStock {
		for _, line := range body.Items {
			if p, ok := catalog[line.ProductID]; ok && p.QuantityOnHand < line.Quantity {
				s.mu.Unlock()
				writeError(w, http.StatusConflict, "insufficient stock")
				return
			}
		}
	}

	s.nextID++
	record := domain.TransactionRecord{
		ID:            fmt.Sprintf("trx-%d", s.nextID),
		OfflineID:     key,
		OutletID:      body.OutletID,
		CashierID:     body.CashierID,
		PaymentMethod: body.PaymentMethod,
		SplitPayments: slices.Clone(body.SplitPayments),
		Total:         body.Total,
		CreatedAt:     time.Now().UTC(),
	}
	for _, line := range body.Items {
		if p, ok := catalog[line.ProductID]; ok {
			p.QuantityOnHand -= line.Quantity
			p.UpdatedAt = s.tick()
			catalog[line.ProductID] = p
		}
	}
	s.applied[key] = AppliedTransaction{OfflineID: key, Request: body.SaleRequest, Record: record}
	s.appliedOrder = append(s.appliedOrder, key)
	lose := s.loseTransactions > 0
	if lose {
		s.loseTransactions--
	}
	s.mu.Unlock()

	if lose {
		writeError(w, http.StatusBadGateway, "upstream connection reset")
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func checkSale(req domain.SaleRequest) error {
	if strings.TrimSpace(req.OutletID) == "" {
		return fmt.Errorf("outlet_id is required")
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("items are required")
	}
	if req.Total <= 0 {
		return fmt.Errorf("total must be positive")
	}
	if len(req.SplitPayments) > 0 {
		var sum int64
		for _, split := range req.SplitPayments {
			sum += split.Amount
		}
		if sum != req.Total {
			return fmt.Errorf("split payments total %d does not match %d", sum, req.Total)
		}
	}
	return nil
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	outletID := q.Get("outlet_id")
	if outletID == "" {
		writeError(w, http.StatusBadRequest, "outlet_id is required")
		return
	}
	page := atoiOr(q.Get("page"), 1)
	size := atoiOr(q.Get("size"), 100)
	var since time.Time
	if raw := q.Get("changed_since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid changed_since")
			return
		}
		since = parsed
	}

	s.mu.Lock()
	serverTime := s.tick()
	items := make([]domain.CachedProduct, 0, len(s.products[outletID]))
	for _, p := range s.products[outletID] {
		if since.IsZero() {
			if !p.Deleted {
				items = append(items, p)
			}
			continue
		}
		if p.UpdatedAt.After(since) {
			items = append(items, p)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(items, func(a, b domain.CachedProduct) int { return strings.Compare(a.ID, b.ID) })
	start := (page - 1) * size
	if start > len(items) {
		start = len(items)
	}
	end := min(start+size, len(items))

	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items[start:end],
		"page":        page,
		"size":        size,
		"has_more":    end < len(items),
		"server_time": serverTime,
	})
}

func (s *Server) handleCreateHeld(w http.ResponseWriter, r *http.Request) {
	var held domain.HeldSale
	if err := json.NewDecoder(r.Body).Decode(&held); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if held.OutletID == "" || len(held.Items) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "outlet_id and items are required")
		return
	}

	s.mu.Lock()
	gate := s.heldGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	key := r.Header.Get("Idempotency-Key")
	s.mu.Lock()
	if key != "" {
		if id, ok := s.heldKeys[key]; ok {
			for _, existing := range s.held[held.OutletID] {
				if existing.ID == id {
					s.mu.Unlock()
					writeJSON(w, http.StatusOK, existing)
					return
				}
			}
		}
	}

	s.nextID++
	held.ID = fmt.Sprintf("held-%d", s.nextID)
	held.Synced = false
	if held.SavedAt.IsZero() {
		held.SavedAt = time.Now().UTC()
	}
	s.held[held.OutletID] = append(s.held[held.OutletID], held)
	if key != "" {
		s.heldKeys[key] = held.ID
	}
	replyGate := s.heldReplyGate
	lose := s.loseHeld > 0
	if lose {
		s.loseHeld--
	}
	s.mu.Unlock()

	if replyGate != nil {
		select {
		case <-replyGate:
		case <-r.Context().Done():
			return
		}
	}
	if lose {
		writeError(w, http.StatusBadGateway, "upstream connection reset")
		return
	}
	writeJSON(w, http.StatusCreated, held)
}

func (s *Server) handleListHeld(w http.ResponseWriter, r *http.Request) {
	outletID := r.URL.Query().Get("outlet_id")
	s.mu.Lock()
	items := slices.Clone(s.held[outletID])
	s.mu.Unlock()
	if items == nil {
		items = []domain.HeldSale{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDeleteHeld(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for outletID, list := range s.held {
		idx := slices.IndexFunc(list, func(h domain.HeldSale) bool { return h.ID == id })
		if idx < 0 {
			continue
		}
		s.held[outletID] = slices.Delete(list, idx, idx+1)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, http.StatusNotFound, "held receipt not found")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	outletID := r.URL.Query().Get("outlet_id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := &subscriber{outletID: outletID, send: make(chan []byte, 64), conn: conn, done: make(chan struct{})}
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go s.writePump(sub)

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		sub.close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				sub.close()
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.close()
				return
			}
		case <-sub.done:
			return
		}
	}
}

func (s *Server) productsFor(outletID string) map[string]domain.CachedProduct {
	catalog, ok := s.products[outletID]
	if !ok {
		catalog = make(map[string]domain.CachedProduct)
		s.products[outletID] = catalog
	}
	return catalog
}

// tick returns a strictly increasing server clock so changed_since never
// misses an update made in the same instant as a pull.
func (s *Server) tick() time.Time {
	now := time.Now().UTC()
	if !now.After(s.clock) {
		now = s.clock.Add(time.Microsecond)
	}
	s.clock = now
	return now
}

func atoiOr(raw string, fallback int) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
