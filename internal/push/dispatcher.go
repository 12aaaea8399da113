package push

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/metrics"
)

type ProductApplier interface {
	ApplyEvent(ctx context.Context, ev domain.Event) error
}

type HeldRefresher interface {
	Refresh(ctx context.Context) error
}

// Dispatcher routes one session's events: products into the catalog cache,
// held receipts into a reconciler refresh. Events for other outlets are dropped.
type Dispatcher struct {
	outletID     string
	catalog      ProductApplier
	held         HeldRefresher
	transactions atomic.Int64
}

func NewDispatcher(outletID string, catalog ProductApplier, held HeldRefresher) *Dispatcher {
	return &Dispatcher{outletID: outletID, catalog: catalog, held: held}
}

func (d *Dispatcher) Handle(ctx context.Context, ev domain.Event) {
	entity := string(ev.Entity)
	if ev.OutletID == "" {
		ev.OutletID = payloadOutlet(ev.Data)
	}
	if ev.OutletID != d.outletID {
		metrics.PushEvents.WithLabelValues(entity, "foreign_outlet").Inc()
		return
	}

	switch ev.Entity {
	case domain.EntityProduct:
		if err := d.catalog.ApplyEvent(ctx, ev); err != nil {
			metrics.PushEvents.WithLabelValues(entity, "error").Inc()
			log.Printf("[push] WARN: apply product event failed: %v", err)
			return
		}
	case domain.EntityHeldReceipt:
		if err := d.held.Refresh(ctx); err != nil {
			metrics.PushEvents.WithLabelValues(entity, "error").Inc()
			log.Printf("[push] WARN: held refresh after push failed: %v", err)
			return
		}
	case domain.EntityTransaction:
		d.transactions.Add(1)
	default:
		metrics.PushEvents.WithLabelValues(entity, "unknown").Inc()
		return
	}
	metrics.PushEvents.WithLabelValues(entity, "applied").Inc()
}

// TransactionEvents counts transaction notifications seen for this outlet.
func (d *Dispatcher) TransactionEvents() int64 {
	return d.transactions.Load()
}

// payloadOutlet reads outlet_id from the event data for envelopes that omit it.
func payloadOutlet(data json.RawMessage) string {
	var body struct {
		OutletID string `json:"outlet_id"`
	}
	if len(data) == 0 || json.Unmarshal(data, &body) != nil {
		return ""
	}
	return body.OutletID
}
