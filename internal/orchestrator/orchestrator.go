// Package orchestrator runs the sync sequence for one outlet session: replay
// queued sales, refresh the catalog, reconcile held receipts. Only one run is
// in flight at a time; an overlapping trigger is skipped, not queued.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"kasirinaja/terminal/internal/catalog"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/queue"
)

const (
	TriggerReconnect    = "reconnect"
	TriggerPoll         = "poll"
	TriggerManual       = "manual"
	TriggerEnqueue      = "enqueue"
	TriggerSessionStart = "session_start"
)

const (
	StepReplay  = "replay_transactions"
	StepCatalog = "sync_catalog"
	StepHeld    = "refresh_held"
)

type Replayer interface {
	ReplayAll(ctx context.Context) (queue.ReplayResult, error)
	CountAll(ctx context.Context) (int, error)
}

type CatalogSyncer interface {
	Sync(ctx context.Context, outletID string, opts catalog.SyncOptions) (catalog.SyncResult, error)
}

type HeldRefresher interface {
	Refresh(ctx context.Context) error
}

type Connectivity interface {
	Online() bool
	Subscribe() <-chan bool
	Unsubscribe(ch <-chan bool)
}

type Options struct {
	// PollInterval spaces backlog checks while online.
	PollInterval time.Duration
	Now          func() time.Time
}

type Orchestrator struct {
	outletID string
	queue    Replayer
	catalog  CatalogSyncer
	held     HeldRefresher
	conn     Connectivity
	poll     time.Duration
	now      func() time.Time

	running atomic.Bool

	mu   sync.Mutex
	last *domain.SyncRunReport
}

func New(outletID string, q Replayer, c CatalogSyncer, h HeldRefresher, conn Connectivity, opts Options) *Orchestrator {
	o := &Orchestrator{
		outletID: outletID,
		queue:    q,
		catalog:  c,
		held:     h,
		conn:     conn,
		poll:     opts.PollInterval,
		now:      opts.Now,
	}
	if o.poll <= 0 {
		o.poll = 30 * time.Second
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (o *Orchestrator) LastRun() *domain.SyncRunReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return nil
	}
	report := *o.last
	report.Steps = append([]domain.StepReport(nil), o.last.Steps...)
	return &report
}

// Trigger runs the full sequence unless a run is already in flight. Every step
// runs even when an earlier one failed.
func (o *Orchestrator) Trigger(ctx context.Context, trigger string) domain.SyncRunReport {
	if !o.running.CompareAndSwap(false, true) {
		metrics.SyncRuns.WithLabelValues(trigger, "skipped").Inc()
		now := o.now()
		return domain.SyncRunReport{Trigger: trigger, Skipped: true, StartedAt: now, FinishedAt: now}
	}
	defer o.running.Store(false)

	report := domain.SyncRunReport{Trigger: trigger, StartedAt: o.now()}
	report.Steps = append(report.Steps, o.step(StepReplay, func() error {
		result, err := o.queue.ReplayAll(ctx)
		if err != nil {
			return err
		}
		if result.Pending > 0 {
			return fmt.Errorf("%d transactions still pending", result.Pending)
		}
		return nil
	}))
	report.Steps = append(report.Steps, o.step(StepCatalog, func() error {
		_, err := o.catalog.Sync(ctx, o.outletID, catalog.SyncOptions{})
		return err
	}))
	if o.held != nil {
		report.Steps = append(report.Steps, o.step(StepHeld, func() error {
			return o.held.Refresh(ctx)
		}))
	}
	report.FinishedAt = o.now()

	result := "ok"
	for _, step := range report.Steps {
		if !step.OK {
			result = "partial"
			break
		}
	}
	metrics.SyncRuns.WithLabelValues(trigger, result).Inc()

	o.mu.Lock()
	saved := report
	o.last = &saved
	o.mu.Unlock()
	return report
}

func (o *Orchestrator) step(name string, fn func() error) domain.StepReport {
	if err := fn(); err != nil {
		log.Printf("[sync] WARN: step %s for outlet %s failed: %v", name, o.outletID, err)
		return domain.StepReport{Name: name, Error: err.Error()}
	}
	return domain.StepReport{Name: name, OK: true}
}

// Run triggers a sync when the backend comes back and, while online, whenever
// the poll finds queued sales. It returns when ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	states := o.conn.Subscribe()
	defer o.conn.Unsubscribe(states)

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-states:
			if online {
				o.Trigger(ctx, TriggerReconnect)
			}
		case <-ticker.C:
			if !o.conn.Online() {
				continue
			}
			backlog, err := o.queue.CountAll(ctx)
			if err != nil {
				log.Printf("[sync] WARN: backlog check failed: %v", err)
				continue
			}
			if backlog > 0 {
				o.Trigger(ctx, TriggerPoll)
			}
		}
	}
}
