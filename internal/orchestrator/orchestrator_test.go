package orchestrator_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"kasirinaja/terminal/internal/catalog"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/held"
	"kasirinaja/terminal/internal/localstore/memory"
	"kasirinaja/terminal/internal/orchestrator"
	"kasirinaja/terminal/internal/queue"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/remote/remotetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fakeQueue struct {
	mu      sync.Mutex
	calls   int
	backlog int
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (q *fakeQueue) ReplayAll(ctx context.Context) (queue.ReplayResult, error) {
	q.mu.Lock()
	q.calls++
	gate, entered, err := q.gate, q.entered, q.err
	q.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return queue.ReplayResult{}, ctx.Err()
		}
	}
	return queue.ReplayResult{}, err
}

func (q *fakeQueue) CountAll(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog, nil
}

func (q *fakeQueue) replays() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

type fakeCatalog struct {
	calls  atomic.Int32
	outlet atomic.Value
}

func (c *fakeCatalog) Sync(_ context.Context, outletID string, _ catalog.SyncOptions) (catalog.SyncResult, error) {
	c.calls.Add(1)
	c.outlet.Store(outletID)
	return catalog.SyncResult{OutletID: outletID, Status: domain.CatalogReady}, nil
}

type fakeHeld struct{ calls atomic.Int32 }

func (h *fakeHeld) Refresh(context.Context) error {
	h.calls.Add(1)
	return nil
}

type fakeConn struct {
	online       atomic.Bool
	states       chan bool
	unsubscribed atomic.Bool
}

func newFakeConn() *fakeConn { return &fakeConn{states: make(chan bool, 4)} }

func (c *fakeConn) Online() bool { return c.online.Load() }
func (c *fakeConn) Subscribe() <-chan bool { return c.states }
func (c *fakeConn) Unsubscribe(<-chan bool) { c.unsubscribed.Store(true) }
func (c *fakeConn) announce(online bool) { c.online.Store(online); c.states <- online }

func TestTriggerRunsEveryStepEvenAfterFailure(t *testing.T) {
	q := &fakeQueue{err: errors.New("store unavailable")}
	c := &fakeCatalog{}
	h := &fakeHeld{}
	o := orchestrator.New("outlet-a", q, c, h, newFakeConn(), orchestrator.Options{})

	report := o.Trigger(context.Background(), orchestrator.TriggerManual)
	if report.Skipped {
		t.Fatalf("first run must not be skipped")
	}
	if len(report.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %+v", report.Steps)
	}
	if report.Steps[0].Name != orchestrator.StepReplay || report.Steps[0].OK || report.Steps[0].Error == "" {
		t.Fatalf("replay step should report failure: %+v", report.Steps[0])
	}
	if !report.Steps[1].OK || !report.Steps[2].OK {
		t.Fatalf("later steps should still run and succeed: %+v", report.Steps)
	}
	if c.calls.Load() != 1 || h.calls.Load() != 1 {
		t.Fatalf("expected catalog and held to run once")
	}
	if got, _ := c.outlet.Load().(string); got != "outlet-a" {
		t.Fatalf("catalog synced for %q", got)
	}
	if last := o.LastRun(); last == nil || last.Trigger != orchestrator.TriggerManual {
		t.Fatalf("last run not recorded: %+v", last)
	}
}

func TestOverlappingTriggerIsSkipped(t *testing.T) {
	q := &fakeQueue{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	o := orchestrator.New("outlet-a", q, &fakeCatalog{}, &fakeHeld{}, newFakeConn(), orchestrator.Options{})

	done := make(chan domain.SyncRunReport, 1)
	go func() { done <- o.Trigger(context.Background(), orchestrator.TriggerReconnect) }()
	<-q.entered

	if !o.Running() {
		t.Fatalf("expected running state")
	}
	skipped := o.Trigger(context.Background(), orchestrator.TriggerManual)
	if !skipped.Skipped {
		t.Fatalf("overlapping trigger should be skipped")
	}

	close(q.gate)
	first := <-done
	if first.Skipped {
		t.Fatalf("first run should complete")
	}
	if q.replays() != 1 {
		t.Fatalf("skipped trigger must not be queued, got %d replays", q.replays())
	}
	if o.Running() {
		t.Fatalf("expected idle after run")
	}
	if last := o.LastRun(); last == nil || last.Trigger != orchestrator.TriggerReconnect {
		t.Fatalf("skipped run must not replace last report: %+v", last)
	}
}

func TestRunSyncsOnReconnectAndBacklog(t *testing.T) {
	q := &fakeQueue{}
	conn := newFakeConn()
	o := orchestrator.New("outlet-a", q, &fakeCatalog{}, &fakeHeld{}, conn, orchestrator.Options{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()

	// Offline with a backlog: the poll must not fire.
	q.mu.Lock()
	q.backlog = 2
	q.mu.Unlock()
	time.Sleep(80 * time.Millisecond)
	if q.replays() != 0 {
		t.Fatalf("poll ran while offline")
	}

	conn.announce(true)
	remotetest.Eventually(t, 2*time.Second, func() bool { return q.replays() >= 1 }, "reconnect did not trigger a sync")
	remotetest.Eventually(t, 2*time.Second, func() bool { return q.replays() >= 3 }, "backlog poll did not trigger syncs")

	q.mu.Lock()
	q.backlog = 0
	q.mu.Unlock()
	settled := q.replays()
	time.Sleep(80 * time.Millisecond)
	if extra := q.replays() - settled; extra > 1 {
		t.Fatalf("poll kept running with empty backlog: %d extra runs", extra)
	}

	cancel()
	<-done
	if !conn.unsubscribed.Load() {
		t.Fatalf("expected Run to unsubscribe on exit")
	}
}

func TestManualRunReplaysSyncsAndRefreshes(t *testing.T) {
	backend := remotetest.New(t)
	backend.SeedProducts("outlet-a", domain.CachedProduct{ID: "p-1", Name: "Kopi Susu", UnitPrice: 5000, QuantityOnHand: 10, IsActive: true})
	backend.SeedHeld("outlet-a", domain.HeldSale{
		ID:        "srv-1",
		OutletID:  "outlet-a",
		CashierID: "cashier",
		Items:     []domain.HeldItem{{ProductID: "p-1", Quantity: 1, UnitPrice: 5000}},
		Total:     5000,
	})
	client := remote.New(backend.URL, "", time.Second)
	t.Cleanup(client.CloseIdleConnections)

	store := memory.New()
	ctx := context.Background()
	q := queue.New(store, client, queue.Options{})
	cat := catalog.New(store, client, catalog.Options{})
	rec, err := held.New(ctx, domain.Session{OutletID: "outlet-a", CashierID: "cashier"}, store, client, held.Options{})
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	t.Cleanup(rec.Close)

	backend.SetFault(func(*http.Request) int { return http.StatusServiceUnavailable })
	if _, err := q.Enqueue(ctx, domain.SaleRequest{
		OutletID:      "outlet-a",
		CashierID:     "cashier",
		Items:         []domain.SaleLine{{ProductID: "p-1", Quantity: 1, UnitPrice: 5000}},
		PaymentMethod: "split",
		SplitPayments: []domain.PaymentSplit{{Method: "cash", Amount: 3000}, {Method: "transfer", Amount: 2000}},
		Subtotal:      5000,
		Total:         5000,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	o := orchestrator.New("outlet-a", q, cat, rec, newFakeConn(), orchestrator.Options{})
	offline := o.Trigger(ctx, orchestrator.TriggerManual)
	for _, step := range offline.Steps {
		if step.OK {
			t.Fatalf("step %s should fail while backend is down", step.Name)
		}
	}
	if n, _ := q.CountAll(ctx); n != 1 {
		t.Fatalf("sale must stay queued, got %d", n)
	}

	backend.SetFault(nil)
	report := o.Trigger(ctx, orchestrator.TriggerManual)
	for _, step := range report.Steps {
		if !step.OK {
			t.Fatalf("step %s failed: %s", step.Name, step.Error)
		}
	}
	if n, _ := q.CountAll(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	if got := len(backend.Transactions()); got != 1 {
		t.Fatalf("expected 1 backend transaction, got %d", got)
	}
	if got := backend.Stock("outlet-a", "p-1"); got != 9 {
		t.Fatalf("expected stock 9, got %d", got)
	}
	status, err := cat.Status(ctx, "outlet-a")
	if err != nil || status != domain.CatalogReady {
		t.Fatalf("expected ready catalog, got %s %v", status, err)
	}
	if list := rec.List(); len(list) != 1 || list[0].ID != "srv-1" {
		t.Fatalf("expected server held receipt, got %+v", list)
	}
}
