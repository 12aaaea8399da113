// Package metrics exposes the agent's Prometheus series. They are registered on
// the default registry and served by promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OfflineEnqueued counts sales written to the local queue.
	OfflineEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terminal_offline_enqueued_total",
		Help: "Total number of sales recorded in the offline queue",
	})

	// ReplayOutcomes counts replay attempts by result (synced, conflict, transient, failed).
	ReplayOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_replay_outcomes_total",
		Help: "Offline transaction replay attempts by outcome",
	}, []string{"outcome"})

	// QueueBacklog is the number of queued sales not yet confirmed by the backend.
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terminal_offline_backlog",
		Help: "Current number of pending or failed offline transactions",
	})

	CatalogSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_catalog_syncs_total",
		Help: "Catalog pulls by mode (full, incremental) and status (ok, error, superseded)",
	}, []string{"mode", "status"})

	CatalogSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "terminal_catalog_sync_duration_seconds",
		Help:    "Duration of catalog pulls in seconds",
		Buckets: prometheus.DefBuckets,
	})

	HeldPendingDeletes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terminal_held_pending_deletes",
		Help: "Held receipt ids whose remote delete is still owed",
	})

	// SyncRuns counts orchestrator runs by trigger, including skipped overlaps.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_sync_runs_total",
		Help: "Sync orchestrator runs by trigger and result",
	}, []string{"trigger", "result"})

	// Online is 1 while the backend answers health probes.
	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terminal_backend_online",
		Help: "Backend reachability (1 online, 0 offline)",
	})

	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_push_events_total",
		Help: "Push events received by entity and disposition",
	}, []string{"entity", "disposition"})

	PushReconnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_push_reconnections_total",
		Help: "Push channel reconnection attempts by driver",
	}, []string{"driver"})
)
