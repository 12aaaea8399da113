// Package catalog keeps the terminal's product cache usable offline and
// eventually consistent with the backend.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/localstore"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/syncerr"
)

var (
	ErrSuperseded = errors.New("catalog response superseded by a newer load")
	ErrNotProduct = errors.New("event is not a product event")
)

const maxPages = 1000

type Source interface {
	ListProducts(ctx context.Context, q remote.ProductQuery) (remote.ProductPage, error)
}

type Options struct {
	PageSize int
}

type LoadResult struct {
	OutletID   string                 `json:"outlet_id"`
	Status     domain.CatalogStatus   `json:"status"`
	Products   []domain.CachedProduct `json:"products"`
	Generation uint64                 `json:"generation"`
}

type SyncOptions struct {
	ForceFull bool
}

type SyncResult struct {
	OutletID string               `json:"outlet_id"`
	Status   domain.CatalogStatus `json:"status"`
	Full     bool                 `json:"full"`
	Upserted int                  `json:"upserted"`
	Removed  int                  `json:"removed"`
	// Empty is set when neither the cache nor the backend has any product.
	Empty bool `json:"empty"`
}

type Synchronizer struct {
	store    localstore.Store
	source   Source
	pageSize int
	flight   singleflight.Group

	generation atomic.Uint64

	// mu serializes every cache write so pulls and push events apply in
	// arrival order. It also guards the fields below.
	mu         sync.Mutex
	viewOutlet string
	view       []domain.CachedProduct
	stale      map[string]bool
}

func New(store localstore.Store, source Source, opts Options) *Synchronizer {
	size := opts.PageSize
	if size < 1 {
		size = 200
	}
	return &Synchronizer{
		store:    store,
		source:   source,
		pageSize: size,
		stale:    make(map[string]bool),
	}
}

// Load returns the cached catalog for outletID without touching the network and
// makes it the current view. Any pull still in flight for another outlet is
// superseded.
func (s *Synchronizer) Load(ctx context.Context, outletID string) (LoadResult, error) {
	gen := s.generation.Add(1)
	s.mu.Lock()
	s.viewOutlet = outletID
	s.view = nil
	s.mu.Unlock()

	products, err := s.store.GetCachedProducts(ctx, outletID, localstore.ProductFilter{})
	if err != nil {
		return LoadResult{OutletID: outletID, Generation: gen}, syncerr.Storage("load catalog", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation.Load() == gen {
		s.view = products
	}
	return LoadResult{
		OutletID:   outletID,
		Status:     s.statusLocked(outletID, len(products)),
		Products:   slices.Clone(products),
		Generation: gen,
	}, nil
}

// Invalidate drops the current view and supersedes every in-flight pull.
func (s *Synchronizer) Invalidate() {
	s.generation.Add(1)
	s.mu.Lock()
	s.viewOutlet = ""
	s.view = nil
	s.mu.Unlock()
}

func (s *Synchronizer) View() (string, []domain.CachedProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewOutlet, slices.Clone(s.view)
}

func (s *Synchronizer) Status(ctx context.Context, outletID string) (domain.CatalogStatus, error) {
	products, err := s.store.GetCachedProducts(ctx, outletID, localstore.ProductFilter{Limit: 1})
	if err != nil {
		return domain.CatalogStale, syncerr.Storage("catalog status", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(outletID, len(products)), nil
}

func (s *Synchronizer) statusLocked(outletID string, count int) domain.CatalogStatus {
	switch {
	case count == 0:
		return domain.CatalogEmpty
	case s.stale[outletID]:
		return domain.CatalogStale
	default:
		return domain.CatalogReady
	}
}

// Search runs entirely against the local cache.
func (s *Synchronizer) Search(ctx context.Context, outletID string, query string, limit int) ([]domain.CachedProduct, error) {
	products, err := s.store.GetCachedProducts(ctx, outletID, localstore.ProductFilter{
		Query:      query,
		ActiveOnly: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, syncerr.Storage("search catalog", err)
	}
	return products, nil
}

// Sync pulls the outlet catalog and merges it into the cache. Every page is
// fetched before anything is written, so a failed pull leaves the cache as it
// was and the outlet is reported stale.
func (s *Synchronizer) Sync(ctx context.Context, outletID string, opts SyncOptions) (SyncResult, error) {
	cursor, err := s.cursor(ctx, outletID)
	if err != nil {
		return SyncResult{OutletID: outletID, Status: domain.CatalogStale}, err
	}
	cached, err := s.store.GetCachedProducts(ctx, outletID, localstore.ProductFilter{Limit: 1})
	if err != nil {
		return SyncResult{OutletID: outletID, Status: domain.CatalogStale}, syncerr.Storage("sync catalog", err)
	}
	full := opts.ForceFull || cursor.IsZero() || len(cached) == 0
	if full {
		cursor = time.Time{}
	}

	mode := "incremental"
	if full {
		mode = "full"
	}
	v, err, _ := s.flight.Do(outletID+":"+mode, func() (any, error) {
		return s.pull(ctx, outletID, cursor, full)
	})
	result, _ := v.(SyncResult)
	if result.OutletID == "" {
		result = SyncResult{OutletID: outletID, Full: full, Status: domain.CatalogStale}
	}
	return result, err
}

func (s *Synchronizer) pull(ctx context.Context, outletID string, since time.Time, full bool) (SyncResult, error) {
	mode := "incremental"
	if full {
		mode = "full"
	}
	started := time.Now()
	defer func() { metrics.CatalogSyncDuration.Observe(time.Since(started).Seconds()) }()

	gen := s.generation.Load()
	result := SyncResult{OutletID: outletID, Full: full, Status: domain.CatalogStale}

	var (
		items      []domain.CachedProduct
		serverTime time.Time
	)
	for page := 1; ; page++ {
		if page > maxPages {
			err := syncerr.Transient("sync catalog", fmt.Errorf("catalog exceeds %d pages", maxPages))
			return s.failed(outletID, mode, result, err)
		}
		resp, err := s.source.ListProducts(ctx, remote.ProductQuery{
			OutletID:     outletID,
			Page:         page,
			Size:         s.pageSize,
			ChangedSince: since,
		})
		if err != nil {
			return s.failed(outletID, mode, result, err)
		}
		if page == 1 {
			serverTime = resp.ServerTime
		}
		items = append(items, resp.Items...)
		if !resp.HasMore || len(resp.Items) == 0 {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation.Load() != gen && s.viewOutlet != outletID {
		metrics.CatalogSyncs.WithLabelValues(mode, "superseded").Inc()
		return result, ErrSuperseded
	}

	upserts, removals, err := s.mergeLocked(ctx, outletID, items)
	if err != nil {
		return s.failedLocked(outletID, mode, result, err)
	}
	result.Upserted = len(upserts)
	result.Removed = removals

	if !serverTime.IsZero() {
		if err := s.store.SetMeta(ctx, outletID, localstore.MetaCatalogCursor, serverTime.UTC().Format(time.RFC3339Nano)); err != nil {
			log.Printf("[catalog] WARN: persist cursor for outlet %s failed: %v", outletID, err)
		}
	}

	products, err := s.store.GetCachedProducts(ctx, outletID, localstore.ProductFilter{})
	if err != nil {
		return s.failedLocked(outletID, mode, result, syncerr.Storage("sync catalog", err))
	}
	if s.viewOutlet == outletID {
		s.view = products
	}
	delete(s.stale, outletID)
	result.Status = s.statusLocked(outletID, len(products))
	result.Empty = len(products) == 0
	metrics.CatalogSyncs.WithLabelValues(mode, "ok").Inc()
	return result, nil
}

// mergeLocked upserts changed rows and removes rows the backend reported
// deleted. A row older than what a push event already wrote is skipped.
func (s *Synchronizer) mergeLocked(ctx context.Context, outletID string, items []domain.CachedProduct) ([]domain.CachedProduct, int, error) {
	current, err := s.store.GetCachedProducts(ctx, outletID, localstore.ProductFilter{})
	if err != nil {
		return nil, 0, syncerr.Storage("sync catalog", err)
	}
	known := make(map[string]domain.CachedProduct, len(current))
	for _, p := range current {
		known[p.ID] = p
	}

	upserts := make([]domain.CachedProduct, 0, len(items))
	removals := 0
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		local, exists := known[item.ID]
		if exists && !item.UpdatedAt.IsZero() && local.UpdatedAt.After(item.UpdatedAt) {
			continue
		}
		if item.Deleted {
			if !exists {
				continue
			}
			if err := s.store.RemoveProduct(ctx, outletID, item.ID); err != nil && !errors.Is(err, localstore.ErrNotFound) {
				return nil, 0, syncerr.Storage("sync catalog", err)
			}
			removals++
			continue
		}
		item.OutletID = outletID
		upserts = append(upserts, item)
	}
	if err := s.store.StoreProducts(ctx, outletID, upserts); err != nil {
		return nil, 0, syncerr.Storage("sync catalog", err)
	}
	return upserts, removals, nil
}

func (s *Synchronizer) failed(outletID string, mode string, result SyncResult, err error) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedLocked(outletID, mode, result, err)
}

func (s *Synchronizer) failedLocked(outletID string, mode string, result SyncResult, err error) (SyncResult, error) {
	metrics.CatalogSyncs.WithLabelValues(mode, "error").Inc()
	s.stale[outletID] = true
	result.Status = domain.CatalogStale
	log.Printf("[catalog] WARN: %s sync for outlet %s failed, keeping cached catalog: %v", mode, outletID, err)
	return result, err
}

func (s *Synchronizer) cursor(ctx context.Context, outletID string) (time.Time, error) {
	raw, err := s.store.GetMeta(ctx, outletID, localstore.MetaCatalogCursor)
	if errors.Is(err, localstore.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, syncerr.Storage("read catalog cursor", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		log.Printf("[catalog] WARN: unreadable cursor %q for outlet %s, falling back to full pull", raw, outletID)
		return time.Time{}, nil
	}
	return parsed, nil
}

// ApplyEvent writes one pushed product change straight into the cache and the
// current view. Events apply in the order they arrive.
func (s *Synchronizer) ApplyEvent(ctx context.Context, ev domain.Event) error {
	if ev.Entity != domain.EntityProduct {
		return ErrNotProduct
	}
	var product domain.CachedProduct
	if err := json.Unmarshal(ev.Data, &product); err != nil {
		return syncerr.Validation("apply product event", err)
	}
	outletID := ev.OutletID
	if outletID == "" {
		outletID = product.OutletID
	}
	if outletID == "" || product.ID == "" {
		return syncerr.Validation("apply product event", errors.New("outlet_id and id are required"))
	}
	product.OutletID = outletID

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Action {
	case domain.EventInsert, domain.EventUpdate:
		if product.Deleted {
			return s.removeLocked(ctx, outletID, product.ID)
		}
		if err := s.store.StoreProducts(ctx, outletID, []domain.CachedProduct{product}); err != nil {
			return syncerr.Storage("apply product event", err)
		}
		if s.viewOutlet == outletID {
			idx := slices.IndexFunc(s.view, func(p domain.CachedProduct) bool { return p.ID == product.ID })
			if idx >= 0 {
				s.view[idx] = product
			} else {
				s.view = append(s.view, product)
			}
		}
		return nil
	case domain.EventDelete:
		return s.removeLocked(ctx, outletID, product.ID)
	default:
		return syncerr.Validation("apply product event", fmt.Errorf("unknown action %q", ev.Action))
	}
}

func (s *Synchronizer) removeLocked(ctx context.Context, outletID string, id string) error {
	if err := s.store.RemoveProduct(ctx, outletID, id); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return syncerr.Storage("apply product event", err)
	}
	if s.viewOutlet == outletID {
		s.view = slices.DeleteFunc(s.view, func(p domain.CachedProduct) bool { return p.ID == id })
	}
	return nil
}
