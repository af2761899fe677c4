package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Target metrics
	TargetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphwatch_targets_total",
			Help: "Total number of tracked targets by kind",
		},
		[]string{"kind"},
	)

	TargetsSynced = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphwatch_targets_synced_total",
			Help: "Number of targets whose initial backfill has completed",
		},
	)

	// Hub client metrics
	HubRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphwatch_hub_requests_total",
			Help: "Total number of hub requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	// Queue metrics
	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphwatch_jobs_processed_total",
			Help: "Total number of jobs processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphwatch_queue_depth",
			Help: "Jobs in a queue by state",
		},
		[]string{"queue", "state"},
	)

	// Backfill metrics
	BackfillDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphwatch_backfill_duration_seconds",
			Help:    "Time taken to backfill one target in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	BackfillMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphwatch_backfill_messages_total",
			Help: "Total number of messages ingested by backfill, by kind",
		},
		[]string{"kind"},
	)

	// Realtime metrics
	LastEventID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphwatch_last_event_id",
			Help: "Durable cursor position in the hub event stream",
		},
	)

	EventsSeenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphwatch_events_seen_total",
			Help: "Hub events observed by the realtime worker, by relevance",
		},
		[]string{"relevant"},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphwatch_events_processed_total",
			Help: "Hub events dispatched by the processor, by message type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graphwatch_events_dropped_total",
			Help: "Malformed hub events dropped without retry",
		},
	)

	// Expansion metrics
	ExpansionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphwatch_expansions_total",
			Help: "Targets added by dynamic expansion, by rule",
		},
		[]string{"rule"},
	)

	// Cache reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphwatch_reconciliation_duration_seconds",
			Help:    "Time taken for a cache reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "graphwatch_reconciliation_cycles_total",
			Help: "Total number of cache reconciliation cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(TargetsTotal)
	prometheus.MustRegister(TargetsSynced)
	prometheus.MustRegister(HubRequestsTotal)
	prometheus.MustRegister(JobsProcessedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(BackfillDuration)
	prometheus.MustRegister(BackfillMessagesTotal)
	prometheus.MustRegister(LastEventID)
	prometheus.MustRegister(EventsSeenTotal)
	prometheus.MustRegister(EventsProcessedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(ExpansionsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
