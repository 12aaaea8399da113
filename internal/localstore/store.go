package localstore

import (
	"context"
	"errors"
	"log"

	"kasirinaja/terminal/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrInvalid   = errors.New("invalid record")
)

// Meta keys shared by the components that keep per-outlet bookkeeping.
const (
	MetaCatalogCursor      = "catalog.cursor"
	MetaHeldPendingDeletes = "held.pending_deletes"
	// MetaHeldAbandoned lists ids whose remote delete was given up; they stay
	// hidden until the backend stops listing them.
	MetaHeldAbandoned = "held.abandoned_deletes"
	// MetaHeldOrphans lists receipts removed here whose create outcome is unknown.
	MetaHeldOrphans = "held.orphans"
)

// Store is the durable terminal-side persistence. Every outlet-scoped read and
// write takes the outlet id explicitly; queued transactions carry theirs inside
// the request.
type Store interface {
	GetCachedProducts(ctx context.Context, outletID string, filter ProductFilter) ([]domain.CachedProduct, error)
	StoreProducts(ctx context.Context, outletID string, items []domain.CachedProduct) error
	RemoveProduct(ctx context.Context, outletID string, id string) error

	EnqueueTransaction(ctx context.Context, tx domain.QueuedTransaction) error
	ListQueuedTransactions(ctx context.Context) ([]domain.QueuedTransaction, error)
	UpdateQueuedTransaction(ctx context.Context, tx domain.QueuedTransaction) error
	RemoveQueuedTransaction(ctx context.Context, offlineID string) error

	GetHeldSales(ctx context.Context, outletID string) ([]domain.HeldSale, error)
	SetHeldSales(ctx context.Context, outletID string, list []domain.HeldSale) error

	GetMeta(ctx context.Context, outletID string, key string) (string, error)
	SetMeta(ctx context.Context, outletID string, key string, value string) error

	CreateUser(ctx context.Context, user domain.StaffAccount) error
	ListUsers(ctx context.Context) ([]domain.StaffAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error

	Close() error
}

// UnreadableQueued keeps a queued row whose payload cannot be decoded visible
// as failed instead of failing the whole listing. Only the outlet survives.
func UnreadableQueued(tx domain.QueuedTransaction, outletID string, decodeErr error) domain.QueuedTransaction {
	log.Printf("[localstore] WARN: queued transaction %s has an unreadable payload: %v", tx.OfflineID, decodeErr)
	tx.Request = domain.SaleRequest{OutletID: outletID}
	tx.Status = domain.QueueStatusFailed
	tx.LastError = "unreadable payload: " + decodeErr.Error()
	return tx
}
