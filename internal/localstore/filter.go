package localstore

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"kasirinaja/terminal/internal/domain"
)

type ProductFilter struct {
	Query      string
	Category   string
	ActiveOnly bool
	Limit      int
}

// Fold lowercases s and strips combining marks so "Café" matches "cafe".
func Fold(s string) string {
	chain := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(chain, strings.TrimSpace(s))
	if err != nil {
		out = strings.TrimSpace(s)
	}
	return cases.Fold().String(out)
}

func (f ProductFilter) Match(p domain.CachedProduct) bool {
	if f.ActiveOnly && !p.IsActive {
		return false
	}
	if f.Category != "" && Fold(p.Category) != Fold(f.Category) {
		return false
	}
	return f.rank(p) >= 0
}

// rank is -1 for no match; lower values sort first.
func (f ProductFilter) rank(p domain.CachedProduct) int {
	q := Fold(f.Query)
	if q == "" {
		return 3
	}
	if (p.Barcode != "" && Fold(p.Barcode) == q) || Fold(p.SKU) == q {
		return 0
	}
	name := Fold(p.Name)
	if strings.HasPrefix(name, q) {
		return 1
	}
	if strings.Contains(name, q) || strings.Contains(Fold(p.SKU), q) || strings.Contains(Fold(p.Category), q) {
		return 2
	}
	return -1
}

// Apply filters, orders and limits items. Both the in-memory and SQL-backed
// stores run their results through it so search behaves the same everywhere.
func (f ProductFilter) Apply(items []domain.CachedProduct) []domain.CachedProduct {
	result := make([]domain.CachedProduct, 0, len(items))
	for _, item := range items {
		if f.Match(item) {
			result = append(result, item)
		}
	}
	slices.SortStableFunc(result, func(a, b domain.CachedProduct) int {
		if ra, rb := f.rank(a), f.rank(b); ra != rb {
			return ra - rb
		}
		if f.Query == "" {
			if c := strings.Compare(Fold(a.Category), Fold(b.Category)); c != 0 {
				return c
			}
		}
		if c := strings.Compare(Fold(a.Name), Fold(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result
}

// SortQueue orders entries by insertion sequence. Wall-clock time is only used
// for entries without one, since the clock may step back across restarts.
func SortQueue(items []domain.QueuedTransaction) {
	slices.SortStableFunc(items, func(a, b domain.QueuedTransaction) int {
		if a.Seq > 0 && b.Seq > 0 && a.Seq != b.Seq {
			if a.Seq < b.Seq {
				return -1
			}
			return 1
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
		return strings.Compare(a.OfflineID, b.OfflineID)
	})
}
