package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ghalamif/aegisreactor/internal/app/capacity"
	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

const tracerName = "github.com/ghalamif/aegisreactor/internal/app/pipeline"

type PoolOption func(*WorkerPool)

func WithTracerProvider(tp trace.TracerProvider) PoolOption {
	return func(p *WorkerPool) { p.tracer = tp.Tracer(tracerName) }
}

// Settler hears about keys that reached a final outcome without a new
// commit. Reactor implements it.
type Settler interface {
	AckSettled(key domain.Key)
	Release(key domain.Key)
}

// WithSettler routes durable duplicates and dead-lettered keys back to
// their sources.
func WithSettler(s Settler) PoolOption {
	return func(p *WorkerPool) { p.settler = s }
}

func WithServiceEstimator(est *capacity.Estimator) PoolOption {
	return func(p *WorkerPool) { p.est = est }
}

// WorkerPool runs W symmetric workers that pop from the shared queue,
// deduplicate through the ledger and invoke the handler.
type WorkerPool struct {
	queue   ports.EventQueue
	ledger  ports.Ledger
	handler ports.Handler
	obs     ports.Observability
	pol     ports.Policy
	tracer  trace.Tracer
	est     *capacity.Estimator
	settler Settler

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	quits   []chan struct{}
	wg      sync.WaitGroup
	running atomic.Int64
	started bool

	processed atomic.Uint64
	failed    atomic.Uint64
}

func NewWorkerPool(q ports.EventQueue, led ports.Ledger, h ports.Handler, pol ports.Policy, obs ports.Observability, opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		queue:   q,
		ledger:  led,
		handler: h,
		obs:     obs,
		pol:     pol,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.pol.PopTimeout <= 0 {
		p.pol.PopTimeout = 250 * time.Millisecond
	}
	return p
}

// Start launches pol.Workers workers. Handler contexts derive from ctx but
// are only cancelled by ForceStop, so a cancelled ctx still allows a drain.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Unlock()

	p.Resize(p.pol.Workers)
}

// Resize grows or shrinks the pool to n workers. Removed workers finish the
// event they hold before exiting.
func (p *WorkerPool) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.pol.Workers = n
		return
	}
	for len(p.quits) < n {
		quit := make(chan struct{})
		p.quits = append(p.quits, quit)
		p.wg.Add(1)
		p.running.Add(1)
		go p.work(len(p.quits), quit)
	}
	for len(p.quits) > n {
		last := len(p.quits) - 1
		close(p.quits[last])
		p.quits = p.quits[:last]
	}
	if p.obs != nil {
		p.obs.SetGauge(ports.GaugeWorkers, float64(len(p.quits)))
	}
}

// Size reports the target number of workers.
func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return p.pol.Workers
	}
	return len(p.quits)
}

// Running reports workers that have not exited yet.
func (p *WorkerPool) Running() int { return int(p.running.Load()) }

func (p *WorkerPool) Processed() uint64 { return p.processed.Load() }
func (p *WorkerPool) Failed() uint64    { return p.failed.Load() }

// Drain waits for workers to empty the queue after it has been closed. When
// grace elapses or ctx ends first, handlers are cancelled, whatever is still
// queued is counted as dropped-on-shutdown and ErrShutdownTimeout is returned.
func (p *WorkerPool) Drain(ctx context.Context, grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
		return nil
	case <-timeout:
	case <-ctx.Done():
	}

	p.ForceStop()
	<-done
	left := p.queue.Drain()
	if p.obs != nil && len(left) > 0 {
		p.obs.IncCounter(ports.MetricShutdownDropped, float64(len(left)))
		p.obs.LogError("shutdown grace elapsed", ports.ErrShutdownTimeout,
			ports.Field{Key: "dropped", Value: len(left)})
	}
	return ports.ErrShutdownTimeout
}

// ForceStop cancels in-flight handlers and makes every worker exit.
func (p *WorkerPool) ForceStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	for _, q := range p.quits {
		close(q)
	}
	p.quits = nil
}

func (p *WorkerPool) work(id int, quit <-chan struct{}) {
	defer p.wg.Done()
	defer p.running.Add(-1)

	for {
		select {
		case <-quit:
			return
		default:
		}

		idleStart := time.Now()
		item, err := p.queue.Pop(p.ctx, p.pol.PopTimeout)
		if p.obs != nil {
			p.obs.IncCounter(ports.MetricWorkerIdle, time.Since(idleStart).Seconds())
		}
		switch {
		case err == nil:
		case errors.Is(err, ports.ErrQueueTimeout):
			continue
		default:
			// closed and drained, or force-stopped
			return
		}
		if p.ctx.Err() != nil {
			// popped after ForceStop; never started, the source redelivers
			if p.obs != nil {
				p.obs.IncCounter(ports.MetricShutdownDropped, 1)
			}
			return
		}

		p.process(item)
	}
}

func (p *WorkerPool) process(item ports.QueuedEvent) {
	ev := item.Event
	key := ev.Key()
	now := time.Now()

	if p.pol.EventDeadline > 0 && !ev.ReceivedAt.IsZero() && now.Sub(ev.ReceivedAt) > p.pol.EventDeadline && p.obs != nil {
		p.obs.IncLabeledCounter(ports.MetricSourceDeadlineMiss, ev.SourceID, 1)
	}
	wait := now.Sub(item.EnqueuedAt)
	if p.obs != nil {
		p.obs.ObserveLatency(ports.HistQueueWait, wait.Seconds())
		p.obs.IncCounter(ports.MetricDedupLookups, 1)
	}

	if !p.ledger.TryBegin(key) {
		if p.obs != nil {
			p.obs.IncCounter(ports.MetricDedupHits, 1)
			p.obs.LogDebug("duplicate discarded", ports.Field{Key: "key", Value: key.String()})
		}
		// a pending or undurable duplicate is acked by the next checkpoint
		if p.settler != nil && p.ledger.IsDurable(key) {
			p.settler.AckSettled(key)
		}
		return
	}

	start := time.Now()
	err := p.invoke(item)
	service := time.Since(start)
	if p.obs != nil {
		p.obs.ObserveLatency(ports.HistHandlerLatency, service.Seconds())
		p.obs.IncCounter(ports.MetricWorkerBusy, service.Seconds())
	}
	if p.est != nil {
		p.est.Served(service, wait)
	}

	if err == nil {
		p.ledger.MarkCommitted(key)
		p.processed.Add(1)
		if p.obs != nil {
			p.obs.IncCounter(ports.MetricEventsCommitted, 1)
		}
		return
	}

	p.ledger.Abort(key)
	p.failed.Add(1)
	herr := &ports.HandlerError{Key: key, Attempt: item.Attempt, Err: err}
	if p.obs != nil {
		p.obs.IncCounter(ports.MetricHandlerFailures, 1)
	}

	if p.ctx.Err() != nil {
		// cancelled by ForceStop; never committed, the source redelivers
		if p.obs != nil {
			p.obs.IncCounter(ports.MetricShutdownDropped, 1)
		}
		return
	}

	if !ports.IsPermanent(err) && item.Attempt < p.pol.MaxRetries {
		retry := item
		retry.Attempt++
		retry.EnqueuedAt = time.Now()
		perr := p.queue.Push(p.ctx, retry, 0)
		if perr == nil {
			if p.obs != nil {
				p.obs.IncCounter(ports.MetricHandlerRetries, 1)
				p.obs.LogDebug("handler failed, requeued",
					ports.Field{Key: "key", Value: key.String()},
					ports.Field{Key: "attempt", Value: retry.Attempt},
					ports.Field{Key: "error", Value: err.Error()})
			}
			return
		}
		herr.Err = errors.Join(err, fmt.Errorf("requeue: %w", perr))
		if p.obs != nil {
			p.obs.IncLabeledCounter(ports.MetricEventsDropped, ports.DropRequeue, 1)
		}
	}

	if p.obs != nil {
		p.obs.RecordDLQ(ev, herr)
	}
	if p.settler != nil {
		p.settler.Release(key)
	}
}

// invoke runs the handler inside a span and converts panics into errors.
func (p *WorkerPool) invoke(item ports.QueuedEvent) (err error) {
	ev := item.Event
	ctx, span := p.tracer.Start(p.ctx, "reactor.handle", trace.WithAttributes(
		attribute.String("reactor.source", ev.SourceID),
		attribute.Int64("reactor.event_id", int64(ev.ID)),
		attribute.Int("reactor.attempt", item.Attempt),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return p.handler.Handle(ctx, ev)
}
