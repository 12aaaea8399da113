package localstore

import (
	"testing"
	"time"

	"kasirinaja/terminal/internal/domain"
)

func TestFoldStripsCaseAndDiacritics(t *testing.T) {
	if got := Fold("  Café CRÈME "); got != "cafe creme" {
		t.Fatalf("expected folded text, got %q", got)
	}
}

func TestFilterRanksExactBarcodeFirst(t *testing.T) {
	items := []domain.CachedProduct{
		{ID: "p-2", Name: "Gula Pasir", SKU: "GULA-01", Barcode: "899100", IsActive: true},
		{ID: "p-1", Name: "Air Gula Aren", SKU: "AREN-01", Barcode: "899200", IsActive: true},
		{ID: "p-3", Name: "Kopi", SKU: "KOPI-01", Barcode: "gula", IsActive: true},
	}

	got := ProductFilter{Query: "gula"}.Apply(items)
	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(got))
	}
	if got[0].ID != "p-3" || got[1].ID != "p-2" || got[2].ID != "p-1" {
		t.Fatalf("unexpected order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestFilterActiveOnlyAndLimit(t *testing.T) {
	items := []domain.CachedProduct{
		{ID: "a", Name: "Teh", Category: "beverage", IsActive: true},
		{ID: "b", Name: "Teh Botol", Category: "beverage", IsActive: false},
		{ID: "c", Name: "Teh Celup", Category: "Beverage", IsActive: true},
	}

	got := ProductFilter{Category: "BEVERAGE", ActiveOnly: true, Limit: 1}.Apply(items)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only first active beverage, got %+v", got)
	}
}

func TestSortQueueUsesInsertionSequence(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	// The clock stepped back an hour between the first and second sale.
	items := []domain.QueuedTransaction{
		{OfflineID: "c", CreatedAt: t0.Add(time.Second), Seq: 3},
		{OfflineID: "b", CreatedAt: t0, Seq: 2},
		{OfflineID: "a", CreatedAt: t0.Add(time.Hour), Seq: 1},
	}
	SortQueue(items)
	if items[0].OfflineID != "a" || items[1].OfflineID != "b" || items[2].OfflineID != "c" {
		t.Fatalf("unexpected queue order: %s %s %s", items[0].OfflineID, items[1].OfflineID, items[2].OfflineID)
	}
}

func TestSortQueueFallsBackToCreatedAtWithoutSequence(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	items := []domain.QueuedTransaction{
		{OfflineID: "b", CreatedAt: t0.Add(time.Second)},
		{OfflineID: "a", CreatedAt: t0},
	}
	SortQueue(items)
	if items[0].OfflineID != "a" || items[1].OfflineID != "b" {
		t.Fatalf("unexpected queue order: %s %s", items[0].OfflineID, items[1].OfflineID)
	}
}
