package memory

import (
	"context"
	"testing"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/localstore"
	"kasirinaja/terminal/internal/localstore/storetest"
)

func TestStoreBehaviour(t *testing.T) {
	storetest.Run(t, func(t *testing.T) localstore.Store {
		return New()
	})
}

func TestHeldSalesAreCopiedOnRead(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.SetHeldSales(ctx, "outlet-a", []domain.HeldSale{
		{ID: "local-hold-1", Items: []domain.HeldItem{{ProductID: "p-1", Quantity: 1}}},
	})
	if err != nil {
		t.Fatalf("set held: %v", err)
	}

	first, _ := s.GetHeldSales(ctx, "outlet-a")
	first[0].Items[0].Quantity = 99

	second, _ := s.GetHeldSales(ctx, "outlet-a")
	if second[0].Items[0].Quantity != 1 {
		t.Fatalf("expected stored copy untouched by caller mutation, got %d", second[0].Items[0].Quantity)
	}
}

func TestSeededStoreHasStaffAccounts(t *testing.T) {
	t.Setenv("SEED_SUPERVISOR_PASSWORD", "spv-secret")
	t.Setenv("SEED_CASHIER_PASSWORD", "kasir-secret")

	users, err := NewSeeded().ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 || users[0].Username != "cashier" || users[1].Username != "supervisor" {
		t.Fatalf("unexpected seeded users: %+v", users)
	}
}
