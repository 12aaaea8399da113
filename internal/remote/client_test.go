package remote_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/remote/remotetest"
	"kasirinaja/terminal/internal/syncerr"
)

func splitSale() domain.SaleRequest {
	return domain.SaleRequest{
		OutletID:      "outlet-a",
		CashierID:     "cashier",
		Items:         []domain.SaleLine{{ProductID: "p-1", Quantity: 2, UnitPrice: 2500}},
		PaymentMethod: "split",
		SplitPayments: []domain.PaymentSplit{{Method: "cash", Amount: 3000}, {Method: "transfer", Amount: 2000}},
		Subtotal:      5000,
		Total:         5000,
	}
}

func TestCreateTransactionIsIdempotent(t *testing.T) {
	backend := remotetest.New(t)
	backend.SeedProducts("outlet-a", domain.CachedProduct{ID: "p-1", Name: "Kopi", QuantityOnHand: 10, IsActive: true})
	client := remote.New(backend.URL, "", time.Second)
	ctx := context.Background()

	first, err := client.CreateTransaction(ctx, "off-1", splitSale())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first submit flagged duplicate")
	}

	second, err := client.CreateTransaction(ctx, "off-1", splitSale())
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Duplicate || second.ID != first.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.ID, second)
	}
	if got := len(backend.Transactions()); got != 1 {
		t.Fatalf("expected one recorded transaction, got %d", got)
	}
	if got := backend.Stock("outlet-a", "p-1"); got != 8 {
		t.Fatalf("expected one stock decrement to 8, got %d", got)
	}
}

func TestCreateTransactionConflictKind(t *testing.T) {
	backend := remotetest.New(t)
	backend.SetConflictOnDuplicate(true)
	client := remote.New(backend.URL, "", time.Second)
	ctx := context.Background()

	if _, err := client.CreateTransaction(ctx, "off-1", splitSale()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := client.CreateTransaction(ctx, "off-1", splitSale())
	if !syncerr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   syncerr.Kind
	}{
		{http.StatusInternalServerError, syncerr.KindTransient},
		{http.StatusBadGateway, syncerr.KindTransient},
		{http.StatusTooManyRequests, syncerr.KindTransient},
		{http.StatusRequestTimeout, syncerr.KindTransient},
		{http.StatusUnauthorized, syncerr.KindTransient},
		{http.StatusForbidden, syncerr.KindTransient},
		{http.StatusConflict, syncerr.KindValidation},
		{http.StatusBadRequest, syncerr.KindValidation},
		{http.StatusUnprocessableEntity, syncerr.KindValidation},
	}

	backend := remotetest.New(t)
	client := remote.New(backend.URL, "", time.Second)
	for _, tc := range cases {
		status := tc.status
		backend.SetFault(func(*http.Request) int { return status })
		_, err := client.CreateTransaction(context.Background(), "off-x", splitSale())
		if got := syncerr.KindOf(err); got != tc.want {
			t.Fatalf("status %d: expected %s, got %s (%v)", tc.status, tc.want, got, err)
		}
	}
}

func TestConflictOnlyWhenAlreadyApplied(t *testing.T) {
	backend := remotetest.New(t)
	backend.SeedProducts("outlet-a", domain.CachedProduct{ID: "p-1", Name: "Kopi", QuantityOnHand: 1, IsActive: true})
	backend.EnforceStock(true)
	client := remote.New(backend.URL, "", time.Second)

	req := splitSale()
	req.Items[0].Quantity = 5
	_, err := client.CreateTransaction(context.Background(), "off-stock", req)
	if !syncerr.IsValidation(err) {
		t.Fatalf("insufficient stock must be a rejection, got %v", err)
	}
	var se *syncerr.Error
	if !errors.As(err, &se) || se.Status != http.StatusConflict {
		t.Fatalf("expected status 409, got %v", err)
	}
}

func TestValidationFromBackendRules(t *testing.T) {
	backend := remotetest.New(t)
	client := remote.New(backend.URL, "", time.Second)

	req := splitSale()
	req.SplitPayments[1].Amount = 1500
	_, err := client.CreateTransaction(context.Background(), "off-2", req)
	if !syncerr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var se *syncerr.Error
	if !errors.As(err, &se) || se.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %v", err)
	}
}

func TestUnreachableBackendIsTransient(t *testing.T) {
	client := remote.New("http://127.0.0.1:1", "", 200*time.Millisecond)
	err := client.Health(context.Background())
	if !syncerr.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestBearerTokenSent(t *testing.T) {
	backend := remotetest.New(t)
	backend.Token = "terminal-secret"

	if err := remote.New(backend.URL, "wrong", time.Second).Health(context.Background()); !syncerr.IsTransient(err) {
		t.Fatalf("expected transient auth failure, got %v", err)
	}
	if err := remote.New(backend.URL, "terminal-secret", time.Second).Health(context.Background()); err != nil {
		t.Fatalf("health with token: %v", err)
	}
}

func TestListProductsPagingAndChangedSince(t *testing.T) {
	backend := remotetest.New(t)
	backend.SeedProducts("outlet-a",
		domain.CachedProduct{ID: "p-1", Name: "A", IsActive: true},
		domain.CachedProduct{ID: "p-2", Name: "B", IsActive: true},
		domain.CachedProduct{ID: "p-3", Name: "C", IsActive: true},
	)
	client := remote.New(backend.URL, "", time.Second)
	ctx := context.Background()

	page1, err := client.ListProducts(ctx, remote.ProductQuery{OutletID: "outlet-a", Page: 1, Size: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1.Items) != 2 || !page1.HasMore {
		t.Fatalf("unexpected page 1: %+v", page1)
	}
	page2, err := client.ListProducts(ctx, remote.ProductQuery{OutletID: "outlet-a", Page: 2, Size: 2})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2.Items) != 1 || page2.HasMore {
		t.Fatalf("unexpected page 2: %+v", page2)
	}

	backend.UpsertProduct("outlet-a", domain.CachedProduct{ID: "p-2", Name: "B2", IsActive: true})
	backend.DeleteProduct("outlet-a", "p-3")
	delta, err := client.ListProducts(ctx, remote.ProductQuery{OutletID: "outlet-a", ChangedSince: page2.ServerTime})
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if len(delta.Items) != 2 {
		t.Fatalf("expected 2 changed rows, got %+v", delta.Items)
	}
	if delta.Items[0].Name != "B2" || !delta.Items[1].Deleted {
		t.Fatalf("unexpected delta rows: %+v", delta.Items)
	}
}

func TestHeldReceiptRoundTrip(t *testing.T) {
	backend := remotetest.New(t)
	client := remote.New(backend.URL, "", time.Second)
	ctx := context.Background()

	created, err := client.CreateHeldReceipt(ctx, domain.HeldSale{
		ID:       "local-hold-1",
		OutletID: "outlet-a",
		Items:    []domain.HeldItem{{ProductID: "p-1", Quantity: 1, UnitPrice: 1000}},
		Total:    1000,
	})
	if err != nil {
		t.Fatalf("create held: %v", err)
	}
	if created.ID == "" || created.IsLocal() || !created.Synced {
		t.Fatalf("unexpected created receipt: %+v", created)
	}

	list, err := client.ListHeldReceipts(ctx, "outlet-a")
	if err != nil || len(list) != 1 || !list[0].Synced {
		t.Fatalf("unexpected list: %+v err=%v", list, err)
	}

	if err := client.DeleteHeldReceipt(ctx, created.ID); err != nil {
		t.Fatalf("delete held: %v", err)
	}
	if err := client.DeleteHeldReceipt(ctx, created.ID); err != nil {
		t.Fatalf("second delete should treat 404 as gone: %v", err)
	}
}
