package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

type PromObs struct {
	logger   *slog.Logger
	counters map[string]prometheus.Counter
	labeled  map[string]*prometheus.CounterVec
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

var counterHelp = map[string]string{
	ports.MetricAdmissionAccepted: "Events admitted by the token bucket.",
	ports.MetricAdmissionRejected: "Events denied by the token bucket.",
	ports.MetricEventsCommitted:   "Events whose handler succeeded and were marked committed.",
	ports.MetricDedupLookups:      "Ledger lookups performed by workers.",
	ports.MetricDedupHits:         "Redelivered or in-flight duplicates discarded by the ledger.",
	ports.MetricHandlerFailures:   "Handler invocations that returned an error or panicked.",
	ports.MetricHandlerRetries:    "Failed events requeued for another attempt.",
	ports.MetricDLQ:               "Events dead-lettered after exhausting retries.",
	ports.MetricCheckpointFailed:  "Ledger checkpoints rejected by the commit sink.",
	ports.MetricShutdownDropped:   "Queued events abandoned when the shutdown grace elapsed.",
	ports.MetricWorkerBusy:        "Seconds workers spent inside handlers.",
	ports.MetricWorkerIdle:        "Seconds workers spent waiting on the queue.",
}

var labeledHelp = map[string][2]string{
	ports.MetricEventsDropped:      {"reason", "Events discarded by the overload policy."},
	ports.MetricSourceBackpressure: {"source", "Times a source was paused because the queue was full."},
	ports.MetricSourceDeadlineMiss: {"source", "Events picked up after their deadline."},
	ports.MetricSourceReadErrors:   {"source", "Failed source reads."},
	ports.MetricSourceEvents:       {"source", "Events read from a source."},
}

var gaugeHelp = map[string]string{
	ports.GaugeQueueLength:    "Current number of events buffered in the queue.",
	ports.GaugeQueueCapacity:  "Configured queue capacity.",
	ports.GaugeLedgerSize:     "Keys tracked by the dedup ledger.",
	ports.GaugeUtilization:    "Estimated utilization lambda/(c*mu).",
	ports.GaugeArrivalRate:    "Estimated admitted arrival rate in events/s.",
	ports.GaugeServiceRate:    "Estimated per-worker service rate in events/s.",
	ports.GaugeAdmissionRate:  "Current token bucket refill rate.",
	ports.GaugeExpectedInFlow: "Little's law estimate of events in the system.",
	ports.GaugeWorkers:        "Running workers.",
	ports.GaugePausedSources:  "Sources paused by backpressure or backoff.",
}

// NewPromObs registers the reactor metrics with the default registerer.
func NewPromObs() *PromObs {
	return NewPromObsWith(prometheus.DefaultRegisterer, slog.Default())
}

func NewPromObsWith(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PromObs{
		logger:   logger,
		counters: make(map[string]prometheus.Counter, len(counterHelp)),
		labeled:  make(map[string]*prometheus.CounterVec, len(labeledHelp)),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeHelp)),
		histos:   make(map[string]prometheus.Observer, 2),
	}

	var cs []prometheus.Collector
	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		p.counters[name] = c
		cs = append(cs, c)
	}
	for name, def := range labeledHelp {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: def[1]}, []string{def[0]})
		p.labeled[name] = v
		cs = append(cs, v)
	}
	for name, help := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		p.gauges[name] = g
		cs = append(cs, g)
	}

	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.HistHandlerLatency,
		Help:    "Handler service time per event.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	wait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.HistQueueWait,
		Help:    "Time events spent in the queue before a worker picked them up.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	p.histos[ports.HistHandlerLatency] = latency
	p.histos[ports.HistQueueWait] = wait
	cs = append(cs, latency, wait)

	reg.MustRegister(cs...)
	return p
}

func (p *PromObs) LogDebug(msg string, fields ...ports.Field) {
	p.logger.Debug(msg, attrs(fields)...)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), "error", err)...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), "error", err, "critical", true)...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) IncLabeledCounter(name, label string, v float64) {
	if c, ok := p.labeled[name]; ok {
		c.WithLabelValues(label).Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDLQ(ev domain.Event, err error) {
	p.IncCounter(ports.MetricDLQ, 1)
	p.logger.Warn("event dead-lettered",
		"source", ev.SourceID,
		"id", ev.ID,
		"payload_bytes", len(ev.Payload),
		"error", err)
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields)*2+2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
