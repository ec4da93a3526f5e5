package aegisreactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/ghalamif/aegisreactor/internal/adapters/admission"
	"github.com/ghalamif/aegisreactor/internal/adapters/ledger"
	"github.com/ghalamif/aegisreactor/internal/adapters/observability"
	"github.com/ghalamif/aegisreactor/internal/adapters/queue"
	"github.com/ghalamif/aegisreactor/internal/app/capacity"
	"github.com/ghalamif/aegisreactor/internal/app/pipeline"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	sources        []Source
	handler        Handler
	sink           CommitSink
	obs            Observability
	queue          EventQueue
	ledger         Ledger
	gate           AdmissionGate
	tracerProvider trace.TracerProvider
	logger         *slog.Logger
	registry       *prometheus.Registry
	noMetrics      bool
}

// WithSource registers sources in addition to the ones declared in the config.
func WithSource(src ...Source) RuntimeOption {
	return func(o *runtimeOverrides) {
		for _, s := range src {
			if s != nil {
				o.sources = append(o.sources, s)
			}
		}
	}
}

// WithHandler sets the effect invoked once per event. Required.
func WithHandler(h Handler) RuntimeOption {
	return func(o *runtimeOverrides) { o.handler = h }
}

// WithCommitSink replaces the sink chosen by commit_sink.type.
func WithCommitSink(s CommitSink) RuntimeOption {
	return func(o *runtimeOverrides) { o.sink = s }
}

// WithObservability plugs in a custom metrics/log backend instead of Prometheus + slog.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) { o.obs = obs }
}

// WithQueue injects a custom bounded queue implementation.
func WithQueue(q EventQueue) RuntimeOption {
	return func(o *runtimeOverrides) { o.queue = q }
}

// WithLedger injects a custom dedup ledger. The commit sink is then unused.
func WithLedger(l Ledger) RuntimeOption {
	return func(o *runtimeOverrides) { o.ledger = l }
}

// WithGate injects a custom admission gate regardless of admission.capacity.
func WithGate(g AdmissionGate) RuntimeOption {
	return func(o *runtimeOverrides) { o.gate = g }
}

// WithTracerProvider traces handler invocations with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) RuntimeOption {
	return func(o *runtimeOverrides) { o.tracerProvider = tp }
}

func WithLogger(l *slog.Logger) RuntimeOption {
	return func(o *runtimeOverrides) { o.logger = l }
}

// WithRegistry registers the runtime's metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) { o.registry = reg }
}

// WithoutMetricsServer keeps the runtime from listening on metrics.addr.
func WithoutMetricsServer() RuntimeOption {
	return func(o *runtimeOverrides) { o.noMetrics = true }
}

// Runtime wires sources → reactor → queue → workers → ledger and exposes
// lifecycle hooks for embedding the reactor inside any Go service.
type Runtime struct {
	cfg        Config
	policy     ports.Policy
	instanceID string
	logger     *slog.Logger
	obs        ports.Observability
	registry   *prometheus.Registry

	queue   ports.EventQueue
	gate    ports.AdmissionGate
	ledger  ports.Ledger
	sink    ports.CommitSink
	sources []ports.Source
	est     *capacity.Estimator
	reactor *pipeline.Reactor
	pool    *pipeline.WorkerPool

	noMetrics   bool
	metricsSrv  *http.Server
	metricsAddr string

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

// NewRuntime bootstraps the default adapters (bounded queue, token bucket,
// dedup ledger on the configured commit sink, configured sources, Prometheus
// observability). RuntimeOption values override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	c := *cfg
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	rt := &Runtime{
		cfg:        c,
		policy:     c.Policy,
		instanceID: uuid.NewString(),
		noMetrics:  o.noMetrics,
	}

	rt.logger = o.logger
	if rt.logger == nil {
		rt.logger = NewLogger(c.Log)
	}
	rt.registry = o.registry
	if rt.registry == nil {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	rt.obs = o.obs
	if rt.obs == nil {
		rt.obs = observability.NewPromObsWith(rt.registry, rt.logger)
	}

	rt.queue = o.queue
	if rt.queue == nil {
		q, err := queue.NewBoundedQueue(c.Policy.QueueCapacity)
		if err != nil {
			return nil, err
		}
		rt.queue = q
	}

	rt.gate = o.gate
	if rt.gate == nil && c.Admission.Capacity > 0 {
		tb, err := admission.NewTokenBucket(c.Admission.Capacity, c.Admission.RefillRate)
		if err != nil {
			return nil, err
		}
		rt.gate = tb
	}
	if rt.gate != nil {
		if err := capacity.CheckAdmission(rt.gate.Rate(), c.Policy.Workers, c.Policy.ServiceRate); err != nil {
			rt.obs.LogError("admission rate exceeds service capacity", err,
				Field{Key: "refill_rate", Value: rt.gate.Rate()},
				Field{Key: "workers", Value: c.Policy.Workers},
				Field{Key: "service_rate", Value: c.Policy.ServiceRate})
		}
	}

	rt.ledger = o.ledger
	if rt.ledger == nil {
		rt.sink = o.sink
		if rt.sink == nil {
			s, err := openCommitSink(context.Background(), c.CommitSink)
			if err != nil {
				return nil, fmt.Errorf("commit sink: %w", err)
			}
			rt.sink = s
		}
		rt.ledger = ledger.New(rt.sink, rt.obs, c.Ledger.CheckpointBatch)
	}

	configured, err := buildSources(c.Sources)
	if err != nil {
		rt.closeSink()
		return nil, err
	}
	rt.sources = append(configured, o.sources...)

	rt.est = capacity.NewEstimator(0.2)
	a := c.Admission.Adaptive
	rt.reactor = pipeline.NewReactor(rt.queue, rt.gate, rt.ledger, c.Policy, rt.obs,
		pipeline.WithCheckpointing(c.Ledger.CheckpointInterval, c.Ledger.RetentionHorizon),
		pipeline.WithEstimator(rt.est, func() int { return rt.pool.Size() }),
		pipeline.WithAdaptiveAdmission(pipeline.AdaptiveAdmission{
			Enabled: a.Enabled && rt.gate != nil,
			Target:  a.TargetUtilization,
			MinRate: a.MinRate,
			MaxRate: a.MaxRate,
		}),
	)

	poolOpts := []pipeline.PoolOption{
		pipeline.WithServiceEstimator(rt.est),
		pipeline.WithSettler(rt.reactor),
	}
	if o.tracerProvider != nil {
		poolOpts = append(poolOpts, pipeline.WithTracerProvider(o.tracerProvider))
	}
	rt.pool = pipeline.NewWorkerPool(rt.queue, rt.ledger, o.handler, c.Policy, rt.obs, poolOpts...)
	return rt, nil
}

// Start restores the ledger, opens sources, and launches the workers, the
// reactor loop and the metrics server. It returns immediately; call Run to
// block on a context instead.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt == nil {
		return fmt.Errorf("runtime is nil")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return fmt.Errorf("runtime already started")
	}

	restored, err := rt.ledger.Restore(ctx, rt.cfg.Ledger.RetentionHorizon)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	// ids assigned by the sources themselves continue past restored keys
	for _, src := range rt.sources {
		if seeder, ok := src.(ports.Seeder); ok {
			seeder.Seed(rt.ledger.HighWater(src.ID()))
		}
	}

	for i, src := range rt.sources {
		op, ok := src.(ports.Opener)
		if !ok {
			continue
		}
		if err := op.Open(ctx); err != nil {
			for _, opened := range rt.sources[:i] {
				_ = opened.Close()
			}
			return fmt.Errorf("open source %s: %w", src.ID(), err)
		}
	}

	if !rt.noMetrics {
		if err := rt.startMetrics(); err != nil {
			if cerr := rt.closeSources(); cerr != nil {
				return errors.Join(err, cerr)
			}
			return err
		}
	}

	for _, src := range rt.sources {
		rt.reactor.Register(src)
	}
	rt.pool.Start(ctx)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel
	go func() {
		if err := rt.reactor.Run(runCtx); err != nil {
			rt.obs.LogCritical("reactor stopped", err)
		}
	}()
	rt.started = true

	rt.obs.LogInfo("runtime started",
		Field{Key: "instance", Value: rt.instanceID},
		Field{Key: "sources", Value: len(rt.sources)},
		Field{Key: "workers", Value: rt.policy.Workers},
		Field{Key: "queue_capacity", Value: rt.policy.QueueCapacity},
		Field{Key: "overload", Value: rt.policy.Overload},
		Field{Key: "restored_keys", Value: restored})
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts down
// within the configured grace period.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.policy.ShutdownGrace+5*time.Second)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}

// Shutdown stops admitting, drains the queue within the shutdown grace,
// checkpoints the ledger and acknowledges sources, then closes every
// adapter. Calling it more than once returns the first result.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.stopOnce.Do(func() {
		rt.stopErr = rt.shutdown(ctx)
	})
	return rt.stopErr
}

func (rt *Runtime) shutdown(ctx context.Context) error {
	rt.mu.Lock()
	started := rt.started
	rt.mu.Unlock()

	var errs []error
	if started {
		rt.reactor.Stop()
		select {
		case <-rt.reactor.Done():
		case <-ctx.Done():
			rt.cancel()
			<-rt.reactor.Done()
		}
		rt.cancel()

		if err := rt.pool.Drain(ctx, rt.policy.ShutdownGrace); err != nil {
			errs = append(errs, err)
		}
		n, err := rt.reactor.Checkpoint(context.WithoutCancel(ctx))
		if err != nil {
			errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
		}
		rt.obs.LogInfo("runtime stopped",
			Field{Key: "instance", Value: rt.instanceID},
			Field{Key: "processed", Value: rt.pool.Processed()},
			Field{Key: "checkpointed", Value: n})
	}

	if rt.metricsSrv != nil {
		if err := rt.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if err := rt.closeSources(); err != nil {
		errs = append(errs, err)
	}
	if err := rt.closeSink(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (rt *Runtime) closeSources() error {
	var errs []error
	for _, src := range rt.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source %s: %w", src.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (rt *Runtime) closeSink() error {
	if rt.sink == nil {
		return nil
	}
	if err := rt.sink.Close(); err != nil {
		return fmt.Errorf("close commit sink %s: %w", rt.sink.Name(), err)
	}
	return nil
}

func (rt *Runtime) startMetrics() error {
	ln, err := net.Listen("tcp", rt.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	rt.metricsAddr = ln.Addr().String()
	rt.metricsSrv = &http.Server{
		Handler:           rt.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := rt.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.obs.LogError("metrics server exited", err)
		}
	}()
	return nil
}

// MetricsAddr is the address the metrics server listens on, once started.
func (rt *Runtime) MetricsAddr() string { return rt.metricsAddr }

// Sources returns every registered source, configured ones first.
func (rt *Runtime) Sources() []Source { return append([]Source(nil), rt.sources...) }

// Resize changes the number of workers while running.
func (rt *Runtime) Resize(workers int) { rt.pool.Resize(workers) }

// Checkpoint forces a ledger checkpoint and acknowledges the durable keys.
func (rt *Runtime) Checkpoint(ctx context.Context) (int, error) {
	return rt.reactor.Checkpoint(ctx)
}

// Stats is a point-in-time snapshot of the runtime.
type Stats struct {
	Instance         string                 `json:"instance"`
	State            string                 `json:"state"`
	QueueLength      int                    `json:"queue_length"`
	QueueCapacity    int                    `json:"queue_capacity"`
	Workers          int                    `json:"workers"`
	LedgerSize       int                    `json:"ledger_size"`
	Processed        uint64                 `json:"processed"`
	Failed           uint64                 `json:"failed"`
	AdmissionLimited bool                   `json:"admission_limited"`
	AdmissionRate    float64                `json:"admission_rate"`
	Capacity         capacity.Snapshot      `json:"capacity"`
	Sources          []pipeline.SourceStats `json:"sources"`
}

func (rt *Runtime) Stats() Stats {
	workers := rt.pool.Size()
	s := Stats{
		Instance:      rt.instanceID,
		State:         rt.reactor.State().String(),
		QueueLength:   rt.queue.Len(),
		QueueCapacity: rt.queue.Cap(),
		Workers:       workers,
		LedgerSize:    rt.ledger.Len(),
		Processed:     rt.pool.Processed(),
		Failed:        rt.pool.Failed(),
		Capacity:      rt.est.Snapshot(workers, rt.policy.ServiceRate),
		Sources:       rt.reactor.SourceStats(),
	}
	if isInf(s.Capacity.Utilization) {
		// no workers left; JSON cannot carry +Inf
		s.Capacity.Utilization = 0
	}
	if rt.gate != nil {
		if r := rt.gate.Rate(); !isInf(r) {
			s.AdmissionLimited = true
			s.AdmissionRate = r
		}
	}
	return s
}
