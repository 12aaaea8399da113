// Package held parks carts for one outlet session and reconciles them with the
// backend so every terminal of the outlet can resume them.
//
// Each record moves local-pending -> synced (background create landed) or
// local-pending -> removed (restored or deleted before the create landed). A
// deferred result is applied only after re-checking the record under the lock.
package held

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/localstore"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/syncerr"
	"kasirinaja/terminal/internal/xid"
)

var (
	ErrNotFound = errors.New("held receipt not found")
	ErrInvalid  = errors.New("invalid held receipt")
)

type Backend interface {
	CreateHeldReceipt(ctx context.Context, held domain.HeldSale) (domain.HeldSale, error)
	ListHeldReceipts(ctx context.Context, outletID string) ([]domain.HeldSale, error)
	DeleteHeldReceipt(ctx context.Context, id string) error
}

type Options struct {
	FastInterval time.Duration
	SlowInterval time.Duration
	Now          func() time.Time
}

type Reconciler struct {
	session domain.Session
	store   localstore.Store
	backend Backend
	fast    time.Duration
	slow    time.Duration
	now     func() time.Time

	bgCtx  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu             sync.Mutex
	list           []domain.HeldSale
	inflight       map[string]bool
	removed        map[string]bool
	tombstones     map[string]bool
	upgraded       map[string]uint64
	epoch          uint64
	pendingDeletes []string
	abandoned      []string
	orphans        []domain.HeldSale
	resolving      map[string]bool
	viewActive     bool
}

// New restores the outlet's held list and owed deletes from the store.
func New(ctx context.Context, session domain.Session, store localstore.Store, backend Backend, opts Options) (*Reconciler, error) {
	if strings.TrimSpace(session.OutletID) == "" {
		return nil, fmt.Errorf("%w: outlet is required", ErrInvalid)
	}
	r := &Reconciler{
		session:    session,
		store:      store,
		backend:    backend,
		fast:       opts.FastInterval,
		slow:       opts.SlowInterval,
		now:        opts.Now,
		wake:       make(chan struct{}, 1),
		inflight:   make(map[string]bool),
		removed:    make(map[string]bool),
		tombstones: make(map[string]bool),
		upgraded:   make(map[string]uint64),
		resolving:  make(map[string]bool),
	}
	if r.fast <= 0 {
		r.fast = 5 * time.Second
	}
	if r.slow <= 0 {
		r.slow = 30 * time.Second
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}

	list, err := store.GetHeldSales(ctx, session.OutletID)
	if err != nil {
		return nil, syncerr.Storage("load held receipts", err)
	}
	r.list = list

	if err := r.loadMeta(ctx, localstore.MetaHeldPendingDeletes, &r.pendingDeletes); err != nil {
		return nil, err
	}
	if err := r.loadMeta(ctx, localstore.MetaHeldAbandoned, &r.abandoned); err != nil {
		return nil, err
	}
	if err := r.loadMeta(ctx, localstore.MetaHeldOrphans, &r.orphans); err != nil {
		return nil, err
	}
	for _, id := range r.pendingDeletes {
		r.tombstones[id] = true
	}
	for _, id := range r.abandoned {
		r.tombstones[id] = true
	}
	metrics.HeldPendingDeletes.Set(float64(len(r.pendingDeletes)))

	r.bgCtx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

func (r *Reconciler) loadMeta(ctx context.Context, key string, dest any) error {
	raw, err := r.store.GetMeta(ctx, r.session.OutletID, key)
	switch {
	case errors.Is(err, localstore.ErrNotFound):
		return nil
	case err != nil:
		return syncerr.Storage("load "+key, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		log.Printf("[held] WARN: unreadable %s for outlet %s: %v", key, r.session.OutletID, err)
	}
	return nil
}

// Hold parks a cart locally and returns at once. The backend copy is created in
// the background.
func (r *Reconciler) Hold(ctx context.Context, req domain.HoldRequest) (domain.HeldSale, error) {
	if len(req.Items) == 0 || req.Total < 0 {
		return domain.HeldSale{}, syncerr.Validation("hold cart", fmt.Errorf("%w: items are required", ErrInvalid))
	}
	held := domain.HeldSale{
		ID:         xid.New(domain.LocalHeldPrefix + "hold"),
		OutletID:   r.session.OutletID,
		CashierID:  r.session.CashierID,
		TerminalID: r.session.TerminalID,
		Note:       strings.TrimSpace(req.Note),
		Items:      slices.Clone(req.Items),
		Total:      req.Total,
		SavedAt:    r.now(),
	}

	r.mu.Lock()
	previous := r.list
	r.list = append([]domain.HeldSale{held}, r.list...)
	if err := r.persistLocked(ctx); err != nil {
		r.list = previous
		r.mu.Unlock()
		return domain.HeldSale{}, err
	}
	r.inflight[held.ID] = true
	r.mu.Unlock()

	r.spawnCreate(held)
	return held, nil
}

func (r *Reconciler) spawnCreate(held domain.HeldSale) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.create(held)
	}()
}

func (r *Reconciler) create(local domain.HeldSale) {
	created, err := r.backend.CreateHeldReceipt(r.bgCtx, local)

	r.mu.Lock()
	delete(r.inflight, local.ID)
	if err != nil {
		// The request may have landed even though the answer did not. A receipt
		// already taken off the list is remembered until Refresh learns its
		// server id through the same idempotency key and deletes it.
		if r.removed[local.ID] {
			delete(r.removed, local.ID)
			r.orphans = append(r.orphans, local)
			r.persistMetaLocked(context.WithoutCancel(r.bgCtx), localstore.MetaHeldOrphans, r.orphans)
		}
		r.mu.Unlock()
		log.Printf("[held] WARN: background create for %s failed, will retry on refresh: %v", local.ID, err)
		return
	}

	idx := slices.IndexFunc(r.list, func(h domain.HeldSale) bool { return h.ID == local.ID })
	if r.removed[local.ID] || idx < 0 {
		delete(r.removed, local.ID)
		r.tombstones[created.ID] = true
		// A refresh may have pulled the server copy in while the create was in flight.
		if i := slices.IndexFunc(r.list, func(h domain.HeldSale) bool { return h.ID == created.ID }); i >= 0 {
			r.list = slices.Delete(slices.Clone(r.list), i, i+1)
			if err := r.persistLocked(r.bgCtx); err != nil {
				log.Printf("[held] WARN: persist after orphan cleanup of %s failed: %v", created.ID, err)
			}
		}
		r.mu.Unlock()
		r.deleteRemote(created.ID)
		return
	}
	delete(r.removed, local.ID)

	upgraded := r.list[idx]
	upgraded.ID = created.ID
	upgraded.Synced = true
	r.list[idx] = upgraded
	r.list = dedupeKeepFirst(r.list, created.ID, idx)
	r.upgraded[created.ID] = r.epoch
	if err := r.persistLocked(r.bgCtx); err != nil {
		log.Printf("[held] WARN: persist upgraded receipt %s failed: %v", created.ID, err)
	}
	r.mu.Unlock()
}

// dedupeKeepFirst drops every entry with id other than the one at keep.
func dedupeKeepFirst(list []domain.HeldSale, id string, keep int) []domain.HeldSale {
	out := list[:0:0]
	for i, h := range list {
		if h.ID == id && i != keep {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Restore takes a receipt off the list so the cashier can resume it.
func (r *Reconciler) Restore(ctx context.Context, id string) (domain.HeldSale, error) {
	return r.take(ctx, id)
}

func (r *Reconciler) Delete(ctx context.Context, id string) error {
	_, err := r.take(ctx, id)
	return err
}

func (r *Reconciler) take(ctx context.Context, id string) (domain.HeldSale, error) {
	r.mu.Lock()
	idx := slices.IndexFunc(r.list, func(h domain.HeldSale) bool { return h.ID == id })
	if idx < 0 {
		r.mu.Unlock()
		return domain.HeldSale{}, ErrNotFound
	}
	held := r.list[idx]
	previous := r.list
	r.list = slices.Delete(slices.Clone(r.list), idx, idx+1)
	if err := r.persistLocked(ctx); err != nil {
		r.list = previous
		r.mu.Unlock()
		return domain.HeldSale{}, err
	}

	remoteDelete := false
	switch {
	case held.Synced:
		r.tombstones[held.ID] = true
		remoteDelete = true
	case r.inflight[held.ID]:
		r.removed[held.ID] = true
	}
	r.mu.Unlock()

	if remoteDelete {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.deleteRemote(held.ID)
		}()
	}
	return held, nil
}

// deleteRemote makes one attempt. A failure is remembered for
// RetryPendingDeletes.
func (r *Reconciler) deleteRemote(id string) {
	if err := r.backend.DeleteHeldReceipt(r.bgCtx, id); err != nil {
		log.Printf("[held] WARN: remote delete of %s failed, retrying after next sale: %v", id, err)
		r.mu.Lock()
		if !slices.Contains(r.pendingDeletes, id) {
			r.pendingDeletes = append(r.pendingDeletes, id)
		}
		r.persistPendingLocked(r.bgCtx)
		r.mu.Unlock()
	}
}

// RetryPendingDeletes gives every remembered id exactly one more attempt. An id
// that still fails is no longer retried but stays hidden while the backend
// keeps listing it.
func (r *Reconciler) RetryPendingDeletes(ctx context.Context) {
	r.mu.Lock()
	ids := r.pendingDeletes
	r.pendingDeletes = nil
	if len(ids) > 0 {
		r.persistPendingLocked(ctx)
	}
	r.mu.Unlock()

	for _, id := range ids {
		err := r.backend.DeleteHeldReceipt(ctx, id)
		if err != nil {
			log.Printf("[held] WARN: giving up on remote delete of %s: %v", id, err)
			r.mu.Lock()
			r.tombstones[id] = true
			if !slices.Contains(r.abandoned, id) {
				r.abandoned = append(r.abandoned, id)
				r.persistMetaLocked(ctx, localstore.MetaHeldAbandoned, r.abandoned)
			}
			r.mu.Unlock()
		}
	}
}

func (r *Reconciler) PendingDeletes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.pendingDeletes)
}

// Refresh re-pushes local-only receipts whose create failed, cleans up orphans,
// then merges the backend list. When the backend is unreachable the local list
// is kept.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.resolveOrphans(ctx)

	r.mu.Lock()
	r.epoch++
	epoch := r.epoch
	var repush []domain.HeldSale
	for _, h := range r.list {
		if !h.Synced && !r.inflight[h.ID] {
			r.inflight[h.ID] = true
			repush = append(repush, h)
		}
	}
	r.mu.Unlock()
	for _, h := range repush {
		r.spawnCreate(h)
	}

	server, err := r.backend.ListHeldReceipts(ctx, r.session.OutletID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = r.mergeLocked(server, epoch)
	if kept := slices.DeleteFunc(slices.Clone(r.abandoned), func(id string) bool { return !r.tombstones[id] }); len(kept) != len(r.abandoned) {
		r.abandoned = kept
		r.persistMetaLocked(ctx, localstore.MetaHeldAbandoned, r.abandoned)
	}
	return r.persistLocked(ctx)
}

// resolveOrphans repeats the create of each orphan with its original
// idempotency key to learn the server id, then deletes that copy.
func (r *Reconciler) resolveOrphans(ctx context.Context) {
	r.mu.Lock()
	var todo []domain.HeldSale
	for _, o := range r.orphans {
		if !r.resolving[o.ID] {
			r.resolving[o.ID] = true
			todo = append(todo, o)
		}
	}
	r.mu.Unlock()

	for _, orphan := range todo {
		created, err := r.backend.CreateHeldReceipt(ctx, orphan)

		r.mu.Lock()
		delete(r.resolving, orphan.ID)
		if err != nil {
			r.mu.Unlock()
			log.Printf("[held] WARN: orphan %s still unresolved: %v", orphan.ID, err)
			continue
		}
		r.tombstones[created.ID] = true
		r.orphans = slices.DeleteFunc(r.orphans, func(h domain.HeldSale) bool { return h.ID == orphan.ID })
		r.persistMetaLocked(ctx, localstore.MetaHeldOrphans, r.orphans)
		r.mu.Unlock()

		r.deleteRemote(created.ID)
	}
}

// mergeLocked puts local-only receipts first, newest first, then the server
// list in server order. Ids that were deleted here are never reintroduced.
func (r *Reconciler) mergeLocked(server []domain.HeldSale, epoch uint64) []domain.HeldSale {
	onServer := make(map[string]bool, len(server))
	for _, h := range server {
		onServer[h.ID] = true
	}
	for id := range r.tombstones {
		if !onServer[id] && !slices.Contains(r.pendingDeletes, id) {
			delete(r.tombstones, id)
		}
	}

	local := make([]domain.HeldSale, 0, len(r.list))
	var recent []domain.HeldSale
	for _, h := range r.list {
		switch {
		case !h.Synced:
			local = append(local, h)
		case !onServer[h.ID] && r.upgraded[h.ID] >= epoch:
			// Upgraded after the list was fetched; the server copy is not in it yet.
			recent = append(recent, h)
		}
	}
	slices.SortStableFunc(local, func(a, b domain.HeldSale) int { return b.SavedAt.Compare(a.SavedAt) })

	merged := make([]domain.HeldSale, 0, len(local)+len(recent)+len(server))
	seen := make(map[string]bool, cap(merged))
	for _, h := range local {
		if !seen[h.ID] {
			seen[h.ID] = true
			merged = append(merged, h)
		}
	}
	for _, h := range append(recent, server...) {
		if seen[h.ID] || r.tombstones[h.ID] {
			continue
		}
		seen[h.ID] = true
		h.Synced = true
		if h.OutletID == "" {
			h.OutletID = r.session.OutletID
		}
		merged = append(merged, h)
	}
	for id := range r.upgraded {
		if onServer[id] || !seen[id] {
			delete(r.upgraded, id)
		}
	}
	return merged
}

func (r *Reconciler) List() []domain.HeldSale {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.list)
}

// SetViewActive switches polling to the fast interval while a held-receipt
// view is open. Opening the view refreshes at once.
func (r *Reconciler) SetViewActive(active bool) {
	r.mu.Lock()
	changed := r.viewActive != active
	r.viewActive = active
	r.mu.Unlock()
	if changed && active {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

func (r *Reconciler) interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.viewActive {
		return r.fast
	}
	return r.slow
}

// Run is the polling backstop. It returns when ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(r.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[held] WARN: poll refresh for outlet %s failed: %v", r.session.OutletID, err)
		}
	}
}

// Wait blocks until background creates and deletes have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Close cancels background work and waits for it.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) persistLocked(ctx context.Context) error {
	if err := r.store.SetHeldSales(ctx, r.session.OutletID, r.list); err != nil {
		return syncerr.Storage("persist held receipts", err)
	}
	return nil
}

func (r *Reconciler) persistPendingLocked(ctx context.Context) {
	metrics.HeldPendingDeletes.Set(float64(len(r.pendingDeletes)))
	r.persistMetaLocked(ctx, localstore.MetaHeldPendingDeletes, r.pendingDeletes)
}

func (r *Reconciler) persistMetaLocked(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := r.store.SetMeta(ctx, r.session.OutletID, key, string(raw)); err != nil {
		log.Printf("[held] WARN: persist %s for outlet %s failed: %v", key, r.session.OutletID, err)
	}
}
