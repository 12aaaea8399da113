package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// CachedProduct mirrors one remote catalog entry for an outlet. The local copy is
// never authoritative for stock during checkout.
type CachedProduct struct {
	ID             string    `json:"id"`
	OutletID       string    `json:"outlet_id"`
	Name           string    `json:"name"`
	SKU            string    `json:"sku"`
	Barcode        string    `json:"barcode,omitempty"`
	Category       string    `json:"category"`
	UnitPrice      int64     `json:"unit_price"`
	CostPrice      int64     `json:"cost_price"`
	TaxRate        float64   `json:"tax_rate"`
	QuantityOnHand int       `json:"quantity_on_hand"`
	ReorderLevel   int       `json:"reorder_level"`
	IsActive       bool      `json:"is_active"`
	UpdatedAt      time.Time `json:"updated_at"`
	Deleted        bool      `json:"deleted,omitempty"`
}

type SaleLine struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Discount  int64  `json:"discount"`
}

type PaymentSplit struct {
	Method    string `json:"method"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

// SaleRequest is a sale finalized at the register. It carries its own outlet so a
// queued copy can be replayed regardless of the active session.
type SaleRequest struct {
	OutletID       string         `json:"outlet_id"`
	CashierID      string         `json:"cashier_id"`
	TerminalID     string         `json:"terminal_id,omitempty"`
	Items          []SaleLine     `json:"items"`
	PaymentMethod  string         `json:"payment_method"`
	SplitPayments  []PaymentSplit `json:"split_payments,omitempty"`
	Subtotal       int64          `json:"subtotal"`
	Discount       int64          `json:"discount"`
	Tax            int64          `json:"tax"`
	Total          int64          `json:"total"`
	AmountTendered int64          `json:"amount_tendered"`
	ChangeDue      int64          `json:"change_due"`
	CustomerID     string         `json:"customer_id,omitempty"`
	Note           string         `json:"note,omitempty"`
}

type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSynced  QueueStatus = "synced"
	QueueStatusFailed  QueueStatus = "failed"
)

type QueuedTransaction struct {
	OfflineID           string      `json:"offline_id"`
	Request             SaleRequest `json:"request"`
	Status              QueueStatus `json:"status"`
	Attempts            int         `json:"attempts"`
	LastError           string      `json:"last_error,omitempty"`
	ServerTransactionID string      `json:"server_transaction_id,omitempty"`
	Seq                 int64       `json:"seq"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

func (q QueuedTransaction) OutletID() string {
	return q.Request.OutletID
}

type QueueStats struct {
	OutletID string `json:"outlet_id"`
	Pending  int    `json:"pending"`
	Failed   int    `json:"failed"`
}

// TransactionRecord is the backend's view of a submitted sale.
type TransactionRecord struct {
	ID            string         `json:"id"`
	OfflineID     string         `json:"offline_id"`
	OutletID      string         `json:"outlet_id"`
	CashierID     string         `json:"cashier_id"`
	PaymentMethod string         `json:"payment_method"`
	SplitPayments []PaymentSplit `json:"split_payments,omitempty"`
	Total         int64          `json:"total"`
	Duplicate     bool           `json:"duplicate"`
	CreatedAt     time.Time      `json:"created_at"`
}

const LocalHeldPrefix = "local-"

type HeldItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Discount  int64  `json:"discount"`
}

// HeldSale is a parked cart. Until Synced is true the backend has no copy of it.
type HeldSale struct {
	ID         string     `json:"id"`
	OutletID   string     `json:"outlet_id"`
	CashierID  string     `json:"cashier_id"`
	TerminalID string     `json:"terminal_id,omitempty"`
	Note       string     `json:"note,omitempty"`
	Items      []HeldItem `json:"items"`
	Total      int64      `json:"total"`
	SavedAt    time.Time  `json:"saved_at"`
	Synced     bool       `json:"synced"`
}

func (h HeldSale) IsLocal() bool {
	return strings.HasPrefix(h.ID, LocalHeldPrefix)
}

type HoldRequest struct {
	Note  string     `json:"note"`
	Items []HeldItem `json:"items"`
	Total int64      `json:"total"`
}

type EventAction string

const (
	EventInsert EventAction = "INSERT"
	EventUpdate EventAction = "UPDATE"
	EventDelete EventAction = "DELETE"
)

type EventEntity string

const (
	EntityProduct     EventEntity = "product"
	EntityHeldReceipt EventEntity = "held_receipt"
	EntityTransaction EventEntity = "transaction"
)

// Event is one real-time change notification from the backend.
type Event struct {
	Action   EventAction     `json:"action"`
	Entity   EventEntity     `json:"entity"`
	OutletID string          `json:"outlet_id"`
	Data     json.RawMessage `json:"data"`
}

type Session struct {
	OutletID   string    `json:"outlet_id"`
	CashierID  string    `json:"cashier_id"`
	TerminalID string    `json:"terminal_id"`
	StartedAt  time.Time `json:"started_at"`
}

type CatalogStatus string

const (
	CatalogReady CatalogStatus = "ready"
	CatalogEmpty CatalogStatus = "no_products_synced"
	CatalogStale CatalogStatus = "stale"
)

type ProductListResponse struct {
	OutletID string          `json:"outlet_id"`
	Status   CatalogStatus   `json:"status"`
	Products []CachedProduct `json:"products"`
}

type CatalogSyncResponse struct {
	OutletID string        `json:"outlet_id"`
	Status   CatalogStatus `json:"status"`
	Full     bool          `json:"full"`
	Upserted int           `json:"upserted"`
	Removed  int           `json:"removed"`
	Error    string        `json:"error,omitempty"`
}

type OfflineStoreResponse struct {
	OfflineID string `json:"offline_id"`
	Pending   int    `json:"pending"`
}

type OfflineSyncResponse struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

type HeldListResponse struct {
	Items []HeldSale `json:"items"`
}

type StepReport struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type SyncRunReport struct {
	Trigger    string       `json:"trigger"`
	Skipped    bool         `json:"skipped"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Steps      []StepReport `json:"steps,omitempty"`
}

type SyncStatus struct {
	Session        *Session       `json:"session,omitempty"`
	Online         bool           `json:"online"`
	Running        bool           `json:"running"`
	Queue          QueueStats     `json:"queue"`
	CatalogStatus  CatalogStatus  `json:"catalog_status"`
	LastRun        *SyncRunReport `json:"last_run,omitempty"`
	PendingDeletes int            `json:"pending_held_deletes"`
}

type StaffAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username   string `json:"username"`
	Role       string `json:"role"`
	OutletID   string `json:"outlet_id"`
	TerminalID string `json:"terminal_id"`
}

type LoginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	OutletID   string `json:"outlet_id"`
	TerminalID string `json:"terminal_id"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	OutletID    string `json:"outlet_id"`
	ExpiresAt   string `json:"expires_at"`
}

type ConnectivityReport struct {
	Online bool `json:"online"`
}

type HeldViewRequest struct {
	Active bool `json:"active"`
}

type ProductSyncRequest struct {
	ForceFull bool `json:"force_full"`
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type SwitchOutletRequest struct {
	OutletID string `json:"outlet_id"`
}

// DiscardRequest drops a rejected sale for good, so it needs a manager PIN.
type DiscardRequest struct {
	ManagerPIN string `json:"manager_pin"`
}
