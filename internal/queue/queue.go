// Package queue records finalized sales durably before any network attempt and
// replays them to the backend exactly once, keyed by offline_id.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/localstore"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/syncerr"
	"kasirinaja/terminal/internal/xid"
)

var (
	ErrInvalidSale = errors.New("invalid sale request")
	ErrNotFound    = errors.New("queued transaction not found")
	ErrNotFailed   = errors.New("queued transaction is not in failed state")
)

// Submitter is the backend side of replay.
type Submitter interface {
	CreateTransaction(ctx context.Context, offlineID string, req domain.SaleRequest) (domain.TransactionRecord, error)
}

// SyncedHook runs after the backend confirmed a queued sale.
type SyncedHook func(ctx context.Context, tx domain.QueuedTransaction, record domain.TransactionRecord)

type Options struct {
	// ReplayRate caps submissions per second during replay. Zero disables pacing.
	ReplayRate  float64
	ReplayBurst int
	Now         func() time.Time
}

type ReplayResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

type Queue struct {
	store   localstore.Store
	remote  Submitter
	limiter *rate.Limiter
	now     func() time.Time
	flight  singleflight.Group

	mu          sync.Mutex
	lastCreated time.Time
	hooks       []SyncedHook
}

func New(store localstore.Store, remote Submitter, opts Options) *Queue {
	q := &Queue{store: store, remote: remote, now: opts.Now}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	if opts.ReplayRate > 0 {
		burst := opts.ReplayBurst
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(opts.ReplayRate), burst)
	}
	return q
}

func (q *Queue) OnSynced(hook SyncedHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, hook)
}

// Enqueue validates req and writes it with status pending. The returned id is
// only handed out once the write is durable.
func (q *Queue) Enqueue(ctx context.Context, req domain.SaleRequest) (string, error) {
	req, err := normalizeSale(req)
	if err != nil {
		return "", syncerr.Validation("enqueue transaction", err)
	}

	createdAt := q.nextCreatedAt()
	for attempt := 0; attempt < 2; attempt++ {
		tx := domain.QueuedTransaction{
			OfflineID: xid.NewOfflineID(),
			Request:   req,
			Status:    domain.QueueStatusPending,
			CreatedAt: createdAt,
			UpdatedAt: createdAt,
		}
		err = q.store.EnqueueTransaction(ctx, tx)
		if errors.Is(err, localstore.ErrDuplicate) {
			continue
		}
		if err != nil {
			return "", syncerr.Storage("enqueue transaction", err)
		}
		metrics.OfflineEnqueued.Inc()
		q.refreshBacklog(ctx)
		return tx.OfflineID, nil
	}
	return "", syncerr.Storage("enqueue transaction", err)
}

// nextCreatedAt keeps creation timestamps strictly increasing within the process
// even if the wall clock steps back.
func (q *Queue) nextCreatedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	if !now.After(q.lastCreated) {
		now = q.lastCreated.Add(time.Nanosecond)
	}
	q.lastCreated = now
	return now
}

// ReplayAll submits every pending entry oldest first. A failing entry never
// blocks the ones behind it. Concurrent callers share one pass.
func (q *Queue) ReplayAll(ctx context.Context) (ReplayResult, error) {
	v, err, _ := q.flight.Do("replay", func() (any, error) {
		return q.replay(ctx)
	})
	result, _ := v.(ReplayResult)
	return result, err
}

func (q *Queue) replay(ctx context.Context) (ReplayResult, error) {
	var result ReplayResult
	items, err := q.store.ListQueuedTransactions(ctx)
	if err != nil {
		return result, syncerr.Storage("list queued transactions", err)
	}
	localstore.SortQueue(items)
	defer q.refreshBacklog(ctx)

	for _, item := range items {
		switch item.Status {
		case domain.QueueStatusSynced:
			q.remove(ctx, item.OfflineID)
			continue
		case domain.QueueStatusFailed:
			result.Failed++
			continue
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				result.Pending += countPending(items, item.OfflineID)
				return result, syncerr.Transient("replay transactions", err)
			}
		}
		if err := ctx.Err(); err != nil {
			result.Pending += countPending(items, item.OfflineID)
			return result, syncerr.Transient("replay transactions", err)
		}

		result.Attempted++
		record, err := q.remote.CreateTransaction(ctx, item.OfflineID, item.Request)
		switch kind := syncerr.KindOf(err); {
		case err == nil, kind == syncerr.KindConflict:
			outcome := "synced"
			if err != nil || record.Duplicate {
				outcome = "conflict"
			}
			metrics.ReplayOutcomes.WithLabelValues(outcome).Inc()
			result.Synced++
			item.ServerTransactionID = record.ID
			q.confirm(ctx, item)
			q.fireHooks(ctx, item, record)
		case kind == syncerr.KindValidation:
			metrics.ReplayOutcomes.WithLabelValues("failed").Inc()
			result.Failed++
			item.Status = domain.QueueStatusFailed
			item.Attempts++
			item.LastError = err.Error()
			q.update(ctx, item)
			log.Printf("[queue] WARN: transaction %s rejected by backend, needs operator action: %v", item.OfflineID, err)
		default:
			metrics.ReplayOutcomes.WithLabelValues("transient").Inc()
			result.Pending++
			item.Attempts++
			item.LastError = err.Error()
			q.update(ctx, item)
		}
	}
	return result, nil
}

func countPending(items []domain.QueuedTransaction, fromID string) int {
	n := 0
	seen := false
	for _, item := range items {
		if item.OfflineID == fromID {
			seen = true
		}
		if seen && item.Status == domain.QueueStatusPending {
			n++
		}
	}
	return n
}

// confirm drops a backend-confirmed entry. If the delete fails the entry is
// flagged synced so the next pass removes it without resubmitting.
func (q *Queue) confirm(ctx context.Context, item domain.QueuedTransaction) {
	err := q.store.RemoveQueuedTransaction(ctx, item.OfflineID)
	if err == nil || errors.Is(err, localstore.ErrNotFound) {
		return
	}
	log.Printf("[queue] WARN: remove synced transaction %s failed: %v", item.OfflineID, err)
	item.Status = domain.QueueStatusSynced
	item.LastError = ""
	q.update(ctx, item)
}

func (q *Queue) remove(ctx context.Context, offlineID string) {
	if err := q.store.RemoveQueuedTransaction(ctx, offlineID); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		log.Printf("[queue] WARN: remove synced transaction %s failed: %v", offlineID, err)
	}
}

func (q *Queue) update(ctx context.Context, item domain.QueuedTransaction) {
	item.UpdatedAt = q.now()
	if err := q.store.UpdateQueuedTransaction(ctx, item); err != nil {
		log.Printf("[queue] WARN: update queued transaction %s failed: %v", item.OfflineID, err)
	}
}

func (q *Queue) fireHooks(ctx context.Context, item domain.QueuedTransaction, record domain.TransactionRecord) {
	q.mu.Lock()
	hooks := append([]SyncedHook(nil), q.hooks...)
	q.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, item, record)
	}
}

// Count is the background indicator for one outlet: pending plus failed.
func (q *Queue) Count(ctx context.Context, outletID string) (int, error) {
	stats, err := q.Stats(ctx, outletID)
	if err != nil {
		return 0, err
	}
	return stats.Pending + stats.Failed, nil
}

func (q *Queue) Stats(ctx context.Context, outletID string) (domain.QueueStats, error) {
	items, err := q.List(ctx, outletID)
	if err != nil {
		return domain.QueueStats{}, err
	}
	stats := domain.QueueStats{OutletID: outletID}
	for _, item := range items {
		switch item.Status {
		case domain.QueueStatusPending:
			stats.Pending++
		case domain.QueueStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// CountAll counts unconfirmed entries across every outlet.
func (q *Queue) CountAll(ctx context.Context) (int, error) {
	items, err := q.store.ListQueuedTransactions(ctx)
	if err != nil {
		return 0, syncerr.Storage("list queued transactions", err)
	}
	n := 0
	for _, item := range items {
		if item.Status != domain.QueueStatusSynced {
			n++
		}
	}
	return n, nil
}

func (q *Queue) List(ctx context.Context, outletID string) ([]domain.QueuedTransaction, error) {
	items, err := q.store.ListQueuedTransactions(ctx)
	if err != nil {
		return nil, syncerr.Storage("list queued transactions", err)
	}
	localstore.SortQueue(items)
	result := make([]domain.QueuedTransaction, 0, len(items))
	for _, item := range items {
		if item.OutletID() == outletID && item.Status != domain.QueueStatusSynced {
			result = append(result, item)
		}
	}
	return result, nil
}

// Retry puts a failed entry back in line for the next replay.
func (q *Queue) Retry(ctx context.Context, offlineID string) (domain.QueuedTransaction, error) {
	item, err := q.find(ctx, offlineID)
	if err != nil {
		return domain.QueuedTransaction{}, err
	}
	if item.Status != domain.QueueStatusFailed {
		return domain.QueuedTransaction{}, ErrNotFailed
	}
	item.Status = domain.QueueStatusPending
	item.LastError = ""
	item.UpdatedAt = q.now()
	if err := q.store.UpdateQueuedTransaction(ctx, item); err != nil {
		return domain.QueuedTransaction{}, syncerr.Storage("retry queued transaction", err)
	}
	q.refreshBacklog(ctx)
	return item, nil
}

// Discard drops a failed entry for good. Pending entries cannot be discarded.
func (q *Queue) Discard(ctx context.Context, offlineID string) error {
	item, err := q.find(ctx, offlineID)
	if err != nil {
		return err
	}
	if item.Status != domain.QueueStatusFailed {
		return ErrNotFailed
	}
	if err := q.store.RemoveQueuedTransaction(ctx, offlineID); err != nil {
		return syncerr.Storage("discard queued transaction", err)
	}
	log.Printf("[queue] WARN: operator discarded failed transaction %s (outlet %s, total %d)", offlineID, item.OutletID(), item.Request.Total)
	q.refreshBacklog(ctx)
	return nil
}

func (q *Queue) find(ctx context.Context, offlineID string) (domain.QueuedTransaction, error) {
	items, err := q.store.ListQueuedTransactions(ctx)
	if err != nil {
		return domain.QueuedTransaction{}, syncerr.Storage("list queued transactions", err)
	}
	for _, item := range items {
		if item.OfflineID == offlineID {
			return item, nil
		}
	}
	return domain.QueuedTransaction{}, ErrNotFound
}

func (q *Queue) refreshBacklog(ctx context.Context) {
	if n, err := q.CountAll(ctx); err == nil {
		metrics.QueueBacklog.Set(float64(n))
	}
}

func normalizeSale(req domain.SaleRequest) (domain.SaleRequest, error) {
	req.OutletID = strings.TrimSpace(req.OutletID)
	if req.OutletID == "" {
		return req, fmt.Errorf("%w: outlet_id is required", ErrInvalidSale)
	}

	items := make([]domain.SaleLine, 0, len(req.Items))
	for _, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" || item.Quantity < 1 || item.UnitPrice < 0 || item.Discount < 0 {
			return req, fmt.Errorf("%w: invalid line item %q", ErrInvalidSale, item.ProductID)
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return req, fmt.Errorf("%w: items are required", ErrInvalidSale)
	}
	req.Items = items

	if req.Total <= 0 || req.Discount < 0 || req.Tax < 0 {
		return req, fmt.Errorf("%w: totals must be positive", ErrInvalidSale)
	}

	req.SplitPayments = normalizePaymentSplits(req.SplitPayments)
	if len(req.SplitPayments) > 0 {
		req.PaymentMethod = "split"
	}
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = "cash"
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return req, fmt.Errorf("%w: unsupported payment method %q", ErrInvalidSale, req.PaymentMethod)
	}

	switch req.PaymentMethod {
	case "cash":
		if req.AmountTendered > 0 && req.AmountTendered < req.Total {
			return req, fmt.Errorf("%w: amount tendered is below total", ErrInvalidSale)
		}
	case "split":
		if len(req.SplitPayments) < 2 {
			return req, fmt.Errorf("%w: split payment needs at least two methods", ErrInvalidSale)
		}
		var splitTotal int64
		for _, split := range req.SplitPayments {
			if !isSplitMethodSupported(split.Method) {
				return req, fmt.Errorf("%w: unsupported split method %q", ErrInvalidSale, split.Method)
			}
			splitTotal += split.Amount
		}
		if splitTotal != req.Total {
			return req, fmt.Errorf("%w: split payments sum to %d, total is %d", ErrInvalidSale, splitTotal, req.Total)
		}
	}
	return req, nil
}

func normalizePaymentSplits(splits []domain.PaymentSplit) []domain.PaymentSplit {
	normalized := make([]domain.PaymentSplit, 0, len(splits))
	for _, split := range splits {
		method := strings.ToLower(strings.TrimSpace(split.Method))
		if method == "" || split.Amount < 1 {
			continue
		}
		normalized = append(normalized, domain.PaymentSplit{
			Method:    method,
			Amount:    split.Amount,
			Reference: strings.TrimSpace(split.Reference),
		})
	}
	if len(normalized) == 0 {
		return nil
	}
	return normalized
}

func isSplitMethodSupported(method string) bool {
	switch method {
	case "cash", "card", "transfer", "qris", "ewallet":
		return true
	default:
		return false
	}
}

func isSupportedPaymentMethod(method string) bool {
	return method == "split" || isSplitMethodSupported(method)
}
