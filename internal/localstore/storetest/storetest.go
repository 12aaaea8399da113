// Package storetest holds behaviour checks every localstore.Store implementation
// must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/localstore"
)

func Run(t *testing.T, newStore func(t *testing.T) localstore.Store) {
	t.Helper()

	t.Run("ProductsUpsertByID", func(t *testing.T) { testProductsUpsert(t, newStore(t)) })
	t.Run("ProductsOutletIsolation", func(t *testing.T) { testProductsOutletIsolation(t, newStore(t)) })
	t.Run("RemoveProduct", func(t *testing.T) { testRemoveProduct(t, newStore(t)) })
	t.Run("QueueOrderAndDuplicate", func(t *testing.T) { testQueueOrder(t, newStore(t)) })
	t.Run("QueueUpdateAndRemove", func(t *testing.T) { testQueueUpdate(t, newStore(t)) })
	t.Run("HeldSalesPerOutlet", func(t *testing.T) { testHeldSales(t, newStore(t)) })
	t.Run("Meta", func(t *testing.T) { testMeta(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
}

func sampleSale(outletID string, total int64) domain.SaleRequest {
	return domain.SaleRequest{
		OutletID:      outletID,
		CashierID:     "cashier-1",
		TerminalID:    "terminal-1",
		Items:         []domain.SaleLine{{ProductID: "p-1", Quantity: 1, UnitPrice: total}},
		PaymentMethod: "split",
		SplitPayments: []domain.PaymentSplit{
			{Method: "cash", Amount: total - 1000},
			{Method: "transfer", Amount: 1000, Reference: "TRF-1"},
		},
		Subtotal: total,
		Total:    total,
	}
}

func testProductsUpsert(t *testing.T, s localstore.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	err := s.StoreProducts(ctx, "outlet-a", []domain.CachedProduct{
		{ID: "p-1", Name: "Indomie Goreng", SKU: "MIE-01", Category: "grocery", UnitPrice: 3500, IsActive: true, UpdatedAt: now},
		{ID: "p-2", Name: "Teh Botol", SKU: "TEH-01", Barcode: "8991001", Category: "beverage", UnitPrice: 5000, IsActive: true, UpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("store products: %v", err)
	}
	err = s.StoreProducts(ctx, "outlet-a", []domain.CachedProduct{
		{ID: "p-1", Name: "Indomie Goreng Jumbo", SKU: "MIE-01", Category: "grocery", UnitPrice: 4200, QuantityOnHand: 12, IsActive: true, UpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("upsert product: %v", err)
	}

	items, err := s.GetCachedProducts(ctx, "outlet-a", localstore.ProductFilter{})
	if err != nil {
		t.Fatalf("get products: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 products after upsert, got %d", len(items))
	}
	var updated domain.CachedProduct
	for _, item := range items {
		if item.ID == "p-1" {
			updated = item
		}
	}
	if updated.Name != "Indomie Goreng Jumbo" || updated.UnitPrice != 4200 || updated.QuantityOnHand != 12 {
		t.Fatalf("expected p-1 replaced by newer row, got %+v", updated)
	}
	if updated.OutletID != "outlet-a" {
		t.Fatalf("expected outlet id stamped on product, got %q", updated.OutletID)
	}

	found, err := s.GetCachedProducts(ctx, "outlet-a", localstore.ProductFilter{Query: "8991001"})
	if err != nil {
		t.Fatalf("search products: %v", err)
	}
	if len(found) != 1 || found[0].ID != "p-2" {
		t.Fatalf("expected barcode search to find p-2, got %+v", found)
	}
}

func testProductsOutletIsolation(t *testing.T, s localstore.Store) {
	ctx := context.Background()
	if err := s.StoreProducts(ctx, "outlet-x", []domain.CachedProduct{{ID: "p-1", Name: "Kopi", IsActive: true}}); err != nil {
		t.Fatalf("store x: %v", err)
	}
	if err := s.StoreProducts(ctx, "outlet-y", []domain.CachedProduct{{ID: "p-1", Name: "Kopi Susu", IsActive: true}}); err != nil {
		t.Fatalf("store y: %v", err)
	}

	x, _ := s.GetCachedProducts(ctx, "outlet-x", localstore.ProductFilter{})
	y, _ := s.GetCachedProducts(ctx, "outlet-y", localstore.ProductFilter{})
	if len(x) != 1 || x[0].Name != "Kopi" {
		t.Fatalf("outlet-x leaked or lost data: %+v", x)
	}
	if len(y) != 1 || y[0].Name != "Kopi Susu" {
		t.Fatalf("outlet-y leaked or lost data: %+v", y)
	}
	empty, _ := s.GetCachedProducts(ctx, "outlet-z", localstore.ProductFilter{})
	if len(empty) != 0 {
		t.Fatalf("expected empty outlet-z, got %d", len(empty))
	}
}

func testRemoveProduct(t *testing.T, s localstore.Store) {
	ctx := context.Background()
	if err := s.StoreProducts(ctx, "outlet-a", []domain.CachedProduct{{ID: "p-1", Name: "Roti"}, {ID: "p-2", Name: "Susu"}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.RemoveProduct(ctx, "outlet-a", "p-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveProduct(ctx, "outlet-a", "p-1"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
	items, _ := s.GetCachedProducts(ctx, "outlet-a", localstore.ProductFilter{})
	if len(items) != 1 || items[0].ID != "p-2" {
		t.Fatalf("expected only p-2 left, got %+v", items)
	}
}

func testQueueOrder(t *testing.T, s localstore.Store) {
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	for i, id := range []string{"tx-a", "tx-b", "tx-c"} {
		err := s.EnqueueTransaction(ctx, domain.QueuedTransaction{
			OfflineID: id,
			Request:   sampleSale("outlet-a", 5000),
			Status:    domain.QueueStatusPending,
			CreatedAt: t0.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	err := s.EnqueueTransaction(ctx, domain.QueuedTransaction{OfflineID: "tx-a", Request: sampleSale("outlet-a", 1), Status: domain.QueueStatusPending})
	if !errors.Is(err, localstore.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for repeated offline id, got %v", err)
	}

	list, err := s.ListQueuedTransactions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 queued, got %d", len(list))
	}
	for i, want := range []string{"tx-a", "tx-b", "tx-c"} {
		if list[i].OfflineID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, list[i].OfflineID)
		}
	}
	if len(list[0].Request.SplitPayments) != 2 || list[0].Request.SplitPayments[1].Method != "transfer" {
		t.Fatalf("expected split payments to round-trip, got %+v", list[0].Request.SplitPayments)
	}
	if list[0].Request.Total != 5000 {
		t.Fatalf("duplicate enqueue must not overwrite original request, got total %d", list[0].Request.Total)
	}
}

func testQueueUpdate(t *testing.T, s localstore.Store) {
	ctx := context.Background()
	tx := domain.QueuedTransaction{OfflineID: "tx-1", Request: sampleSale("outlet-a", 5000), Status: domain.QueueStatusPending}
	if err := s.EnqueueTransaction(ctx, tx); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	tx.Status = domain.QueueStatusFailed
	tx.Attempts = 2
	tx.LastError = "total mismatch"
	if err := s.UpdateQueuedTransaction(ctx, tx); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, _ := s.ListQueuedTransactions(ctx)
	if len(list) != 1 || list[0].Status != domain.QueueStatusFailed || list[0].Attempts != 2 || list[0].LastError != "total mismatch" {
		t.Fatalf("expected updated status, got %+v", list)
	}

	if err := s.UpdateQueuedTransaction(ctx, domain.QueuedTransaction{OfflineID: "missing"}); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating missing entry, got %v", err)
	}
	if err := s.RemoveQueuedTransaction(ctx, "tx-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveQueuedTransaction(ctx, "tx-1"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
	list, _ = s.ListQueuedTransactions(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty queue, got %d", len(list))
	}
}

func testHeldSales(t *testing.T, s localstore.Store) {
	ctx := context.Background()
	savedAt := time.Now().UTC().Truncate(time.Second)
	list := []domain.HeldSale{
		{ID: "local-hold-1", CashierID: "c-1", Items: []domain.HeldItem{{ProductID: "p-1", Quantity: 2, UnitPrice: 3500}}, Total: 7000, SavedAt: savedAt},
		{ID: "srv-9", CashierID: "c-2", Items: []domain.HeldItem{{ProductID: "p-2", Quantity: 1, UnitPrice: 5000}}, Total: 5000, SavedAt: savedAt, Synced: true},
	}
	if err := s.SetHeldSales(ctx, "outlet-a", list); err != nil {
		t.Fatalf("set held: %v", err)
	}

	got, err := s.GetHeldSales(ctx, "outlet-a")
	if err != nil {
		t.Fatalf("get held: %v", err)
	}
	if len(got) != 2 || got[0].ID != "local-hold-1" || got[1].ID != "srv-9" {
		t.Fatalf("expected stored order preserved, got %+v", got)
	}
	if got[1].Synced != true || got[0].Synced != false {
		t.Fatalf("expected synced flags preserved, got %+v", got)
	}
	if len(got[0].Items) != 1 || got[0].Items[0].Quantity != 2 {
		t.Fatalf("expected items preserved, got %+v", got[0].Items)
	}

	other, _ := s.GetHeldSales(ctx, "outlet-b")
	if len(other) != 0 {
		t.Fatalf("expected outlet-b to see no held sales, got %d", len(other))
	}

	if err := s.SetHeldSales(ctx, "outlet-a", nil); err != nil {
		t.Fatalf("clear held: %v", err)
	}
	got, _ = s.GetHeldSales(ctx, "outlet-a")
	if len(got) != 0 {
		t.Fatalf("expected cleared list, got %d", len(got))
	}
}

func testMeta(t *testing.T, s localstore.Store) {
	ctx := context.Background()
	if _, err := s.GetMeta(ctx, "outlet-a", localstore.MetaCatalogCursor); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing meta, got %v", err)
	}
	if err := s.SetMeta(ctx, "outlet-a", localstore.MetaCatalogCursor, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	if err := s.SetMeta(ctx, "outlet-a", localstore.MetaCatalogCursor, "2026-01-02T00:00:00Z"); err != nil {
		t.Fatalf("overwrite meta: %v", err)
	}
	val, err := s.GetMeta(ctx, "outlet-a", localstore.MetaCatalogCursor)
	if err != nil || val != "2026-01-02T00:00:00Z" {
		t.Fatalf("expected overwritten cursor, got %q (%v)", val, err)
	}
	if _, err := s.GetMeta(ctx, "outlet-b", localstore.MetaCatalogCursor); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected meta to be outlet scoped, got %v", err)
	}
}

func testUsers(t *testing.T, s localstore.Store) {
	ctx := context.Background()
	if err := s.CreateUser(ctx, domain.StaffAccount{Username: "Kasir01", Password: "$2a$10$hash", Role: "cashier", Active: true}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, domain.StaffAccount{Username: "kasir01", Password: "$2a$10$other", Role: "cashier", Active: true}); !errors.Is(err, localstore.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for same username, got %v", err)
	}
	if err := s.UpdateUserPassword(ctx, "KASIR01", "$2a$10$new"); err != nil {
		t.Fatalf("update password: %v", err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	var found *domain.StaffAccount
	for i := range users {
		if users[i].Username == "kasir01" {
			found = &users[i]
		}
	}
	if found == nil || found.Password != "$2a$10$new" || found.Role != "cashier" {
		t.Fatalf("expected normalized user with new password, got %+v", users)
	}
	if err := s.UpdateUserPassword(ctx, "ghost", "x"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}
