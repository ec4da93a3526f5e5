package ports

import "github.com/ghalamif/aegisreactor/internal/domain"

// Observability is the reactor's only view of logs and metrics. No core
// behavior depends on these calls succeeding.
type Observability interface {
	LogDebug(msg string, fields ...Field)
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	// IncLabeledCounter bumps a counter vector that carries one label
	// (source id for per-source metrics, reason for drops).
	IncLabeledCounter(name, label string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)

	RecordDLQ(ev domain.Event, err error)
}

type Field struct {
	Key   string
	Value any
}

// Metric names shared by the reactor and the Prometheus adapter.
const (
	MetricAdmissionAccepted = "reactor_admission_accepted_total"
	MetricAdmissionRejected = "reactor_admission_rejected_total"
	MetricEventsDropped     = "reactor_events_dropped_total"
	MetricEventsCommitted   = "reactor_events_committed_total"
	MetricDedupLookups      = "reactor_dedup_lookups_total"
	MetricDedupHits         = "reactor_dedup_hits_total"
	MetricHandlerFailures   = "reactor_handler_failures_total"
	MetricHandlerRetries    = "reactor_handler_retries_total"
	MetricDLQ               = "reactor_dlq_total"
	MetricCheckpointFailed  = "reactor_ledger_checkpoint_failures_total"
	MetricShutdownDropped   = "reactor_dropped_on_shutdown_total"
	MetricWorkerBusy        = "reactor_worker_busy_seconds_total"
	MetricWorkerIdle        = "reactor_worker_idle_seconds_total"

	MetricSourceBackpressure = "reactor_source_backpressure_total"
	MetricSourceDeadlineMiss = "reactor_source_deadline_miss_total"
	MetricSourceReadErrors   = "reactor_source_read_errors_total"
	MetricSourceEvents       = "reactor_source_events_total"

	GaugeQueueLength    = "reactor_queue_length"
	GaugeQueueCapacity  = "reactor_queue_capacity"
	GaugeLedgerSize     = "reactor_ledger_size"
	GaugeUtilization    = "reactor_utilization"
	GaugeArrivalRate    = "reactor_admitted_rate"
	GaugeServiceRate    = "reactor_service_rate"
	GaugeAdmissionRate  = "reactor_admission_refill_rate"
	GaugeExpectedInFlow = "reactor_little_expected_items"
	GaugeWorkers        = "reactor_workers"
	GaugePausedSources  = "reactor_sources_paused"

	HistHandlerLatency = "reactor_handler_latency_seconds"
	HistQueueWait      = "reactor_queue_wait_seconds"
)

// Drop reasons used as the label of MetricEventsDropped.
const (
	DropAdmission = "admission"
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
	DropRequeue   = "requeue_full"
)
