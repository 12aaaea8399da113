// Package service is the session-scoped API the terminal UI drives. It owns the
// components of one outlet session and tears them down on logout or switch.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"kasirinaja/terminal/internal/catalog"
	"kasirinaja/terminal/internal/connectivity"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/held"
	"kasirinaja/terminal/internal/localstore"
	"kasirinaja/terminal/internal/orchestrator"
	"kasirinaja/terminal/internal/push"
	"kasirinaja/terminal/internal/queue"
)

var (
	ErrNoSession      = errors.New("no active outlet session")
	ErrInvalidSession = errors.New("invalid session")
	ErrOutletMismatch = errors.New("sale belongs to another outlet")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Backend is everything the terminal asks of the remote API.
type Backend interface {
	queue.Submitter
	catalog.Source
	held.Backend
	connectivity.Prober
}

type Options struct {
	TerminalID       string
	HeldFastInterval time.Duration
	HeldSlowInterval time.Duration
	SyncPollInterval time.Duration
	CatalogPageSize  int
	ReplayRate       float64
	ReplayBurst      int
	Now              func() time.Time
}

type Service struct {
	store   localstore.Store
	backend Backend
	monitor *connectivity.Monitor
	source  push.Source
	queue   *queue.Queue
	catalog *catalog.Synchronizer
	opts    Options

	// lifecycle serializes session start and teardown; mu guards current.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	current   *session
}

type session struct {
	info         domain.Session
	held         *held.Reconciler
	orchestrator *orchestrator.Orchestrator
	dispatcher   *push.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(store localstore.Store, backend Backend, monitor *connectivity.Monitor, source push.Source, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if source == nil {
		source = push.NoopSource{}
	}
	s := &Service{
		store:   store,
		backend: backend,
		monitor: monitor,
		source:  source,
		opts:    opts,
		queue: queue.New(store, backend, queue.Options{
			ReplayRate:  opts.ReplayRate,
			ReplayBurst: opts.ReplayBurst,
			Now:         opts.Now,
		}),
		catalog: catalog.New(store, backend, catalog.Options{PageSize: opts.CatalogPageSize}),
	}
	// A confirmed sale means the backend is reachable again: retry the held
	// deletes that failed earlier for the same outlet.
	s.queue.OnSynced(func(ctx context.Context, tx domain.QueuedTransaction, _ domain.TransactionRecord) {
		st := s.active()
		if st == nil || st.info.OutletID != tx.OutletID() {
			return
		}
		st.held.RetryPendingDeletes(ctx)
	})
	return s
}

func (s *Service) active() *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Service) requireSession() (*session, error) {
	st := s.active()
	if st == nil {
		return nil, ErrNoSession
	}
	return st, nil
}

func (s *Service) Session() (domain.Session, bool) {
	st := s.active()
	if st == nil {
		return domain.Session{}, false
	}
	return st.info, true
}

// StartSession opens an outlet session, ending any previous one first.
func (s *Service) StartSession(ctx context.Context, info domain.Session) (domain.Session, error) {
	info.OutletID = strings.TrimSpace(info.OutletID)
	info.CashierID = strings.TrimSpace(info.CashierID)
	info.TerminalID = strings.TrimSpace(info.TerminalID)
	if info.OutletID == "" || info.CashierID == "" {
		return domain.Session{}, fmt.Errorf("%w: outlet_id and cashier_id are required", ErrInvalidSession)
	}
	if info.TerminalID == "" {
		info.TerminalID = s.opts.TerminalID
	}
	info.StartedAt = s.opts.Now()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.teardownLocked()

	if _, err := s.catalog.Load(ctx, info.OutletID); err != nil {
		return domain.Session{}, err
	}
	reconciler, err := held.New(ctx, info, s.store, s.backend, held.Options{
		FastInterval: s.opts.HeldFastInterval,
		SlowInterval: s.opts.HeldSlowInterval,
		Now:          s.opts.Now,
	})
	if err != nil {
		s.catalog.Invalidate()
		return domain.Session{}, err
	}

	st := &session{
		info:       info,
		held:       reconciler,
		dispatcher: push.NewDispatcher(info.OutletID, s.catalog, reconciler),
	}
	st.orchestrator = orchestrator.New(info.OutletID, s.queue, s.catalog, reconciler, s.monitor, orchestrator.Options{
		PollInterval: s.opts.SyncPollInterval,
		Now:          s.opts.Now,
	})
	st.ctx, st.cancel = context.WithCancel(context.Background())

	st.goRun(reconciler.Run)
	st.goRun(st.orchestrator.Run)
	st.goRun(func(ctx context.Context) {
		if err := s.source.Subscribe(ctx, info.OutletID, st.dispatcher.Handle); err != nil {
			log.Printf("[service] WARN: push channel for outlet %s stopped: %v", info.OutletID, err)
		}
	})
	if s.monitor.Online() {
		st.goRun(func(ctx context.Context) {
			st.orchestrator.Trigger(ctx, orchestrator.TriggerSessionStart)
		})
	}

	s.mu.Lock()
	s.current = st
	s.mu.Unlock()
	log.Printf("[service] session started outlet=%s cashier=%s terminal=%s", info.OutletID, info.CashierID, info.TerminalID)
	return info, nil
}

func (st *session) goRun(fn func(ctx context.Context)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		fn(st.ctx)
	}()
}

// EndSession stops the session's background work. Queued sales stay queued.
func (s *Service) EndSession(_ context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.active() == nil {
		return ErrNoSession
	}
	s.teardownLocked()
	return nil
}

// SwitchOutlet ends the current session and starts one for outletID with the
// same cashier. Nothing of the previous outlet stays visible.
func (s *Service) SwitchOutlet(ctx context.Context, outletID string) (domain.Session, error) {
	st, err := s.requireSession()
	if err != nil {
		return domain.Session{}, err
	}
	next := st.info
	next.OutletID = outletID
	return s.StartSession(ctx, next)
}

// Close ends any session. Safe to call more than once.
func (s *Service) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.teardownLocked()
}

// teardownLocked runs with lifecycle held but mu released, so goroutines that
// still look up the session can finish.
func (s *Service) teardownLocked() {
	s.mu.Lock()
	st := s.current
	s.current = nil
	s.mu.Unlock()
	if st == nil {
		return
	}

	s.catalog.Invalidate()
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	st.cancel()
	st.wg.Wait()
	st.held.Close()
	log.Printf("[service] session ended outlet=%s", st.info.OutletID)
}

func (s *Service) LoadProducts(ctx context.Context) (domain.ProductListResponse, error) {
	st, err := s.requireSession()
	if err != nil {
		return domain.ProductListResponse{}, err
	}
	result, err := s.catalog.Load(ctx, st.info.OutletID)
	if err != nil {
		return domain.ProductListResponse{}, err
	}
	return domain.ProductListResponse{OutletID: result.OutletID, Status: result.Status, Products: result.Products}, nil
}

func (s *Service) SearchLocalProducts(ctx context.Context, query string, limit int) ([]domain.CachedProduct, error) {
	st, err := s.requireSession()
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.catalog.Search(ctx, st.info.OutletID, query, limit)
}

func (s *Service) SyncProducts(ctx context.Context, req domain.ProductSyncRequest) (domain.CatalogSyncResponse, error) {
	st, err := s.requireSession()
	if err != nil {
		return domain.CatalogSyncResponse{}, err
	}
	result, err := s.catalog.Sync(ctx, st.info.OutletID, catalog.SyncOptions{ForceFull: req.ForceFull})
	resp := domain.CatalogSyncResponse{
		OutletID: result.OutletID,
		Status:   result.Status,
		Full:     result.Full,
		Upserted: result.Upserted,
		Removed:  result.Removed,
	}
	if err != nil {
		resp.Error = err.Error()
		return resp, err
	}
	return resp, nil
}

// StoreOfflineTransaction records the sale locally and returns at once. A sync
// is kicked off in the background when the backend is reachable.
func (s *Service) StoreOfflineTransaction(ctx context.Context, req domain.SaleRequest) (domain.OfflineStoreResponse, error) {
	st, err := s.requireSession()
	if err != nil {
		return domain.OfflineStoreResponse{}, err
	}
	req.OutletID = strings.TrimSpace(req.OutletID)
	if req.OutletID == "" {
		req.OutletID = st.info.OutletID
	}
	if req.OutletID != st.info.OutletID {
		return domain.OfflineStoreResponse{}, fmt.Errorf("%w: %w", queue.ErrInvalidSale, ErrOutletMismatch)
	}
	if strings.TrimSpace(req.CashierID) == "" {
		req.CashierID = st.info.CashierID
		if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
			req.CashierID = actor.Username
		}
	}
	if req.TerminalID == "" {
		req.TerminalID = st.info.TerminalID
	}

	offlineID, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		return domain.OfflineStoreResponse{}, err
	}
	pending, err := s.queue.Count(ctx, st.info.OutletID)
	if err != nil {
		log.Printf("[service] WARN: count pending after enqueue failed: %v", err)
	}
	s.kick(st, orchestrator.TriggerEnqueue)
	return domain.OfflineStoreResponse{OfflineID: offlineID, Pending: pending}, nil
}

func (s *Service) kick(st *session, trigger string) {
	if !s.monitor.Online() {
		return
	}
	st.goRun(func(ctx context.Context) {
		st.orchestrator.Trigger(ctx, trigger)
	})
}

// SyncOfflineTransactions replays every outlet's queue, not only the session's.
func (s *Service) SyncOfflineTransactions(ctx context.Context) (domain.OfflineSyncResponse, error) {
	result, err := s.queue.ReplayAll(ctx)
	if err != nil {
		return domain.OfflineSyncResponse{}, err
	}
	return domain.OfflineSyncResponse{Synced: result.Synced, Failed: result.Failed, Pending: result.Pending}, nil
}

func (s *Service) GetOfflineTransactionCount(ctx context.Context) (int, error) {
	st, err := s.requireSession()
	if err != nil {
		return 0, err
	}
	return s.queue.Count(ctx, st.info.OutletID)
}

func (s *Service) OfflineTransactionStats(ctx context.Context) (domain.QueueStats, error) {
	st, err := s.requireSession()
	if err != nil {
		return domain.QueueStats{}, err
	}
	return s.queue.Stats(ctx, st.info.OutletID)
}

func (s *Service) ListOfflineTransactions(ctx context.Context) ([]domain.QueuedTransaction, error) {
	st, err := s.requireSession()
	if err != nil {
		return nil, err
	}
	return s.queue.List(ctx, st.info.OutletID)
}

func (s *Service) RetryOfflineTransaction(ctx context.Context, offlineID string) (domain.QueuedTransaction, error) {
	st, err := s.ownedTransaction(ctx, offlineID)
	if err != nil {
		return domain.QueuedTransaction{}, err
	}
	tx, err := s.queue.Retry(ctx, offlineID)
	if err != nil {
		return domain.QueuedTransaction{}, err
	}
	s.kick(st, orchestrator.TriggerManual)
	return tx, nil
}

func (s *Service) DiscardOfflineTransaction(ctx context.Context, offlineID string) error {
	if _, err := s.ownedTransaction(ctx, offlineID); err != nil {
		return err
	}
	if err := s.queue.Discard(ctx, offlineID); err != nil {
		return err
	}
	actor, _ := ActorFromContext(ctx)
	log.Printf("[service] offline transaction %s discarded by %q", offlineID, actor.Username)
	return nil
}

// ownedTransaction hides other outlets' entries behind ErrNotFound.
func (s *Service) ownedTransaction(ctx context.Context, offlineID string) (*session, error) {
	st, err := s.requireSession()
	if err != nil {
		return nil, err
	}
	items, err := s.queue.List(ctx, st.info.OutletID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.OfflineID == offlineID {
			return st, nil
		}
	}
	return nil, queue.ErrNotFound
}

func (s *Service) CreateHeldReceipt(ctx context.Context, req domain.HoldRequest) (domain.HeldSale, error) {
	st, err := s.requireSession()
	if err != nil {
		return domain.HeldSale{}, err
	}
	return st.held.Hold(ctx, req)
}

func (s *Service) GetHeldReceipts(ctx context.Context) (domain.HeldListResponse, error) {
	st, err := s.requireSession()
	if err != nil {
		return domain.HeldListResponse{}, err
	}
	return domain.HeldListResponse{Items: st.held.List()}, nil
}

func (s *Service) RestoreHeldReceipt(ctx context.Context, id string) (domain.HeldSale, error) {
	st, err := s.requireSession()
	if err != nil {
		return domain.HeldSale{}, err
	}
	return st.held.Restore(ctx, id)
}

func (s *Service) DeleteHeldReceipt(ctx context.Context, id string) error {
	st, err := s.requireSession()
	if err != nil {
		return err
	}
	return st.held.Delete(ctx, id)
}

func (s *Service) SetHeldViewActive(_ context.Context, active bool) error {
	st, err := s.requireSession()
	if err != nil {
		return err
	}
	st.held.SetViewActive(active)
	return nil
}

// Refresh runs the sync sequence now. An overlapping run is reported skipped.
func (s *Service) Refresh(ctx context.Context) (domain.SyncRunReport, error) {
	st, err := s.requireSession()
	if err != nil {
		return domain.SyncRunReport{}, err
	}
	return st.orchestrator.Trigger(ctx, orchestrator.TriggerManual), nil
}

func (s *Service) ReportConnectivity(online bool) {
	s.monitor.Report(online)
}

func (s *Service) Status(ctx context.Context) (domain.SyncStatus, error) {
	status := domain.SyncStatus{Online: s.monitor.Online()}
	st := s.active()
	if st == nil {
		return status, nil
	}

	info := st.info
	status.Session = &info
	status.Running = st.orchestrator.Running()
	status.LastRun = st.orchestrator.LastRun()
	status.PendingDeletes = len(st.held.PendingDeletes())

	stats, err := s.queue.Stats(ctx, info.OutletID)
	if err != nil {
		return status, err
	}
	status.Queue = stats
	catalogStatus, err := s.catalog.Status(ctx, info.OutletID)
	if err != nil {
		return status, err
	}
	status.CatalogStatus = catalogStatus
	return status, nil
}
