package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/aegisreactor/internal/app/capacity"
	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

// State is the reactor loop state.
type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// AdaptiveAdmission retunes the gate every tick to target*W*mu, clamped.
type AdaptiveAdmission struct {
	Enabled bool
	Target  float64
	MinRate float64
	MaxRate float64
}

type ReactorOption func(*Reactor)

// WithCheckpointing sets how often the ledger is checkpointed and how long
// durable keys are retained.
func WithCheckpointing(interval, retention time.Duration) ReactorOption {
	return func(r *Reactor) {
		r.checkpointEvery = interval
		r.retention = retention
	}
}

// WithEstimator feeds admitted counts to est and publishes its snapshot as
// gauges. workers reports the current pool size.
func WithEstimator(est *capacity.Estimator, workers func() int) ReactorOption {
	return func(r *Reactor) {
		r.est = est
		r.workers = workers
	}
}

func WithAdaptiveAdmission(a AdaptiveAdmission) ReactorOption {
	return func(r *Reactor) { r.adaptive = a }
}

// Reactor multiplexes source readiness into the bounded queue. It is the only
// producer; backpressure reaches sources by pausing reads.
type Reactor struct {
	queue  ports.EventQueue
	gate   ports.AdmissionGate
	ledger ports.Ledger
	obs    ports.Observability
	pol    ports.Policy

	est      *capacity.Estimator
	workers  func() int
	adaptive AdaptiveAdmission

	checkpointEvery time.Duration
	retention       time.Duration
	lastCheckpoint  time.Time
	lastTruncate    time.Time

	mu      sync.Mutex
	sources []*sourceState
	owners  map[string]*sourceState // event SourceID -> adapter that produced it

	// keys settled outside a checkpoint, handed to sources on the next pass
	settled  []domain.Key
	released []domain.Key

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	state    atomic.Int32
}

type sourceState struct {
	src    ports.Source
	polled bool

	signalled atomic.Bool
	more      bool

	// backpressure carry-over, retried before any new read
	held         []domain.Event
	headAdmitted bool

	backoff time.Duration
	retryAt time.Time

	paused     atomic.Bool
	healthy    atomic.Bool
	events     atomic.Uint64
	readErrors atomic.Uint64
	heldCount  atomic.Int64
}

func NewReactor(q ports.EventQueue, gate ports.AdmissionGate, led ports.Ledger, pol ports.Policy, obs ports.Observability, opts ...ReactorOption) *Reactor {
	r := &Reactor{
		queue:   q,
		gate:    gate,
		ledger:  led,
		obs:     obs,
		pol:     pol,
		owners:  make(map[string]*sourceState),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		workers: func() int { return pol.Workers },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.pol.PollTimeout <= 0 {
		r.pol.PollTimeout = time.Second
	}
	if r.pol.ReadBudget <= 0 {
		r.pol.ReadBudget = 64
	}
	if r.pol.SourceBackoffInitial <= 0 {
		r.pol.SourceBackoffInitial = 100 * time.Millisecond
	}
	if r.pol.SourceBackoffMax < r.pol.SourceBackoffInitial {
		r.pol.SourceBackoffMax = r.pol.SourceBackoffInitial
	}
	return r
}

// Register adds a source. It may be called before or while Run is active.
func (r *Reactor) Register(src ports.Source) {
	s := &sourceState{src: src}
	s.healthy.Store(true)
	ready := src.Ready()
	s.polled = ready == nil
	// read once on the first dispatch in case events arrived before registration
	s.signalled.Store(true)

	if seeder, ok := src.(ports.Seeder); ok && r.ledger != nil {
		seeder.Seed(r.ledger.HighWater(src.ID()))
	}

	r.mu.Lock()
	r.sources = append(r.sources, s)
	r.mu.Unlock()

	if ready != nil {
		go r.forward(s, ready)
	}
	r.signal()
}

func (r *Reactor) forward(s *sourceState, ready <-chan struct{}) {
	for {
		select {
		case _, ok := <-ready:
			if !ok {
				return
			}
			s.signalled.Store(true)
			r.signal()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// AckSettled queues an already durable key, usually a redelivery, for
// acknowledgement to its source on the next loop pass.
func (r *Reactor) AckSettled(key domain.Key) {
	r.mu.Lock()
	r.settled = append(r.settled, key)
	r.mu.Unlock()
	r.signal()
}

// Release queues a key that will never be committed (dropped or dead-lettered)
// so its source can move past it.
func (r *Reactor) Release(key domain.Key) {
	r.mu.Lock()
	r.released = append(r.released, key)
	r.mu.Unlock()
	r.signal()
}

func (r *Reactor) State() State { return State(r.state.Load()) }

// Done is closed when Run has returned.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Stop makes Run return after the current dispatch pass.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Run drives the loop until Stop or ctx cancellation, then closes the queue
// for pushes so workers can drain it.
func (r *Reactor) Run(ctx context.Context) error {
	defer close(r.done)
	defer r.state.Store(int32(StateStopped))
	defer r.queue.Close()
	defer r.abandonHeld()

	ticker := time.NewTicker(r.pol.PollTimeout)
	defer ticker.Stop()

	var hint <-chan struct{}
	if r.ledger != nil {
		hint = r.ledger.FlushHint()
	}

	now := time.Now()
	r.lastCheckpoint, r.lastTruncate = now, now
	tick := true

	for {
		if r.stopping(ctx) {
			return nil
		}

		r.state.Store(int32(StateDispatching))
		_ = r.flushSettled(ctx)
		again := r.dispatch(ctx, tick)
		tick = false
		if again {
			// a full budget means the source likely has more; skip the wait
			// but keep housekeeping on schedule
			select {
			case <-ticker.C:
				tick = true
				r.housekeep(ctx, time.Now())
			case <-hint:
				r.checkpoint(ctx, time.Now())
			default:
			}
			continue
		}

		r.state.Store(int32(StateWaiting))
		var (
			retry <-chan time.Time
			timer *time.Timer
		)
		if d, ok := r.nextRetry(time.Now()); ok {
			timer = time.NewTimer(d)
			retry = timer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case <-r.wake:
		case <-retry:
		case <-hint:
			r.checkpoint(ctx, time.Now())
		case <-ticker.C:
			tick = true
			r.housekeep(ctx, time.Now())
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// held sources re-check the low-water mark at this cadence
const resumePoll = 5 * time.Millisecond

// nextRetry reports how long to wait before a paused or failed source needs
// attention, if that comes before the regular tick.
func (r *Reactor) nextRetry(now time.Time) (time.Duration, bool) {
	var (
		best  time.Duration
		found bool
	)
	for _, s := range r.snapshot() {
		var d time.Duration
		switch {
		case len(s.held) > 0:
			d = resumePoll
		case !s.healthy.Load():
			d = s.retryAt.Sub(now)
			if d < 0 {
				d = 0
			}
		default:
			continue
		}
		if !found || d < best {
			best, found = d, true
		}
	}
	if found && best >= r.pol.PollTimeout {
		return 0, false
	}
	return best, found
}

func (r *Reactor) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Reactor) snapshot() []*sourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*sourceState(nil), r.sources...)
}

// dispatch performs one pass over all sources and reports whether any source
// is still ready.
func (r *Reactor) dispatch(ctx context.Context, tick bool) bool {
	again := false
	now := time.Now()

	for _, s := range r.snapshot() {
		if len(s.held) > 0 {
			if r.queue.Len() > r.pol.LowWaterMark || !r.flushHeld(ctx, s) {
				continue
			}
		}

		retryDue := !s.healthy.Load() && !now.Before(s.retryAt)
		if !s.healthy.Load() && !retryDue {
			continue
		}
		ready := s.signalled.Swap(false) || s.more || (s.polled && tick) || retryDue
		if !ready {
			continue
		}

		if r.read(ctx, s, now) {
			again = true
		}
	}

	if r.obs != nil {
		r.obs.SetGauge(ports.GaugeQueueLength, float64(r.queue.Len()))
	}
	return again
}

// read pulls one budget from s and admits it. It returns true when the
// source should be read again without waiting.
func (r *Reactor) read(ctx context.Context, s *sourceState, now time.Time) bool {
	id := s.src.ID()
	evs, err := s.src.ReadReady(ctx, r.pol.ReadBudget)
	if err != nil {
		r.sourceFailed(s, err, now)
		return false
	}
	if !s.healthy.Load() {
		s.healthy.Store(true)
		s.backoff = 0
		r.logInfo("source recovered", ports.Field{Key: "source", Value: id})
	}

	s.more = len(evs) >= r.pol.ReadBudget
	if len(evs) == 0 {
		return false
	}
	s.events.Add(uint64(len(evs)))
	if r.obs != nil {
		r.obs.IncLabeledCounter(ports.MetricSourceEvents, id, float64(len(evs)))
	}

	r.mu.Lock()
	for _, ev := range evs {
		if _, ok := r.owners[ev.SourceID]; !ok {
			r.owners[ev.SourceID] = s
		}
	}
	r.mu.Unlock()

	for i, ev := range evs {
		if r.admit(ctx, s, ev, false) {
			continue
		}
		r.hold(s, evs[i:])
		return false
	}
	return s.more
}

func (r *Reactor) sourceFailed(s *sourceState, err error, now time.Time) {
	id := s.src.ID()
	if s.backoff == 0 {
		s.backoff = r.pol.SourceBackoffInitial
	} else {
		s.backoff *= 2
		if s.backoff > r.pol.SourceBackoffMax {
			s.backoff = r.pol.SourceBackoffMax
		}
	}
	s.retryAt = now.Add(s.backoff)
	s.healthy.Store(false)
	s.more = false
	s.readErrors.Add(1)

	if r.obs != nil {
		r.obs.IncLabeledCounter(ports.MetricSourceReadErrors, id, 1)
		r.obs.LogError("source read failed", &ports.SourceReadError{Source: id, Err: err},
			ports.Field{Key: "source", Value: id},
			ports.Field{Key: "retry_in", Value: s.backoff.String()})
	}
}

// admit runs one event through the gate and into the queue. It returns false
// only when the event must be held under the backpressure policy.
func (r *Reactor) admit(ctx context.Context, s *sourceState, ev domain.Event, gated bool) bool {
	if !gated && r.gate != nil {
		if !r.gate.Allow(1) {
			if r.obs != nil {
				r.obs.IncCounter(ports.MetricAdmissionRejected, 1)
			}
			return r.overload(s, ev, ports.DropAdmission, ports.ErrAdmissionRejected)
		}
		if r.obs != nil {
			r.obs.IncCounter(ports.MetricAdmissionAccepted, 1)
		}
	}

	item := ports.QueuedEvent{Event: ev, EnqueuedAt: time.Now()}
	err := r.queue.Push(ctx, item, r.pol.PushTimeout)
	switch {
	case err == nil:
		if r.est != nil {
			r.est.Admitted(1)
		}
		return true
	case errors.Is(err, ports.ErrQueueTimeout):
		s.headAdmitted = true
		return r.overload(s, ev, ports.DropQueueFull, err)
	default:
		// closed queue or cancelled context; the source will redeliver
		r.drop(ev, ports.DropClosed, err)
		return true
	}
}

func (r *Reactor) overload(s *sourceState, ev domain.Event, reason string, cause error) bool {
	if r.pol.Overload == ports.OverloadBackpressure {
		return false
	}
	s.headAdmitted = false
	r.drop(ev, reason, cause)
	r.Release(ev.Key())
	return true
}

func (r *Reactor) drop(ev domain.Event, reason string, cause error) {
	if r.obs == nil {
		return
	}
	r.obs.IncLabeledCounter(ports.MetricEventsDropped, reason, 1)
	r.obs.LogDebug("event dropped",
		ports.Field{Key: "key", Value: ev.Key().String()},
		ports.Field{Key: "reason", Value: reason},
		ports.Field{Key: "cause", Value: cause.Error()})
}

func (r *Reactor) hold(s *sourceState, evs []domain.Event) {
	s.held = append(s.held[:0:0], evs...)
	s.heldCount.Store(int64(len(s.held)))
	s.more = false
	if s.paused.CompareAndSwap(false, true) && r.obs != nil {
		r.obs.IncLabeledCounter(ports.MetricSourceBackpressure, s.src.ID(), 1)
		r.obs.LogDebug("source paused",
			ports.Field{Key: "source", Value: s.src.ID()},
			ports.Field{Key: "held", Value: len(s.held)})
	}
}

// flushHeld retries carried-over events in order and reports whether the
// source may be read again.
func (r *Reactor) flushHeld(ctx context.Context, s *sourceState) bool {
	for len(s.held) > 0 {
		gated := s.headAdmitted
		s.headAdmitted = false
		if !r.admit(ctx, s, s.held[0], gated) {
			s.heldCount.Store(int64(len(s.held)))
			return false
		}
		s.held = s.held[1:]
	}
	s.held = nil
	s.heldCount.Store(0)
	s.headAdmitted = false
	if s.paused.CompareAndSwap(true, false) {
		// there may be more behind what was held
		s.more = true
		r.logInfo("source resumed", ports.Field{Key: "source", Value: s.src.ID()})
	}
	return true
}

func (r *Reactor) abandonHeld() {
	for _, s := range r.snapshot() {
		for _, ev := range s.held {
			r.drop(ev, ports.DropClosed, ports.ErrQueueClosed)
		}
		s.held = nil
		s.heldCount.Store(0)
	}
}

func (r *Reactor) housekeep(ctx context.Context, now time.Time) {
	if r.ledger != nil && r.checkpointEvery > 0 && now.Sub(r.lastCheckpoint) >= r.checkpointEvery {
		r.checkpoint(ctx, now)
	}
	if r.ledger != nil && r.retention > 0 && now.Sub(r.lastTruncate) >= truncateEvery(r.retention) {
		r.lastTruncate = now
		if n, err := r.ledger.TruncateOlderThan(ctx, r.retention); err != nil {
			r.logError("ledger truncate failed", err)
		} else if n > 0 {
			r.logDebug("ledger truncated", ports.Field{Key: "removed", Value: n})
		}
	}
	r.publishGauges()
}

func truncateEvery(retention time.Duration) time.Duration {
	if retention < time.Minute {
		return retention
	}
	return time.Minute
}

func (r *Reactor) checkpoint(ctx context.Context, now time.Time) {
	r.lastCheckpoint = now
	if _, err := r.Checkpoint(ctx); err != nil {
		r.logDebug("checkpoint deferred", ports.Field{Key: "error", Value: err.Error()})
	}
}

// Checkpoint persists the ledger and acknowledges durable keys to the
// sources that produced them, together with any settled or released keys
// still queued. Safe to call after Run has returned.
func (r *Reactor) Checkpoint(ctx context.Context) (int, error) {
	if r.ledger == nil {
		return 0, r.flushSettled(ctx)
	}
	keys, err := r.ledger.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), errors.Join(r.notify(ctx, keys, false), r.flushSettled(ctx))
}

func (r *Reactor) flushSettled(ctx context.Context) error {
	r.mu.Lock()
	acks, rels := r.settled, r.released
	r.settled, r.released = nil, nil
	r.mu.Unlock()
	if len(acks) == 0 && len(rels) == 0 {
		return nil
	}
	return errors.Join(r.notify(ctx, acks, false), r.notify(ctx, rels, true))
}

// notify groups keys by the adapter that produced them and calls Ack, or
// Release when release is set, on adapters that implement it.
func (r *Reactor) notify(ctx context.Context, keys []domain.Key, release bool) error {
	if len(keys) == 0 {
		return nil
	}
	byOwner := make(map[*sourceState][]domain.Key)
	r.mu.Lock()
	for _, k := range keys {
		if s, ok := r.owners[k.SourceID]; ok {
			byOwner[s] = append(byOwner[s], k)
		}
	}
	r.mu.Unlock()

	var errs []error
	for s, ks := range byOwner {
		var err error
		if release {
			rel, ok := s.src.(ports.Releaser)
			if !ok {
				continue
			}
			err = rel.Release(ctx, ks)
		} else {
			acker, ok := s.src.(ports.Acker)
			if !ok {
				continue
			}
			err = acker.Ack(ctx, ks)
		}
		if err != nil {
			r.logError("source ack failed", err,
				ports.Field{Key: "source", Value: s.src.ID()},
				ports.Field{Key: "release", Value: release})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reactor) publishGauges() {
	if r.obs == nil {
		return
	}
	paused := 0
	for _, s := range r.snapshot() {
		if s.paused.Load() || !s.healthy.Load() {
			paused++
		}
	}
	workers := r.workers()
	r.obs.SetGauge(ports.GaugeQueueLength, float64(r.queue.Len()))
	r.obs.SetGauge(ports.GaugeQueueCapacity, float64(r.queue.Cap()))
	r.obs.SetGauge(ports.GaugePausedSources, float64(paused))
	r.obs.SetGauge(ports.GaugeWorkers, float64(workers))
	if r.ledger != nil {
		r.obs.SetGauge(ports.GaugeLedgerSize, float64(r.ledger.Len()))
	}

	if r.est == nil {
		return
	}
	r.est.Tick()
	snap := r.est.Snapshot(workers, r.pol.ServiceRate)
	r.obs.SetGauge(ports.GaugeArrivalRate, snap.ArrivalRate)
	r.obs.SetGauge(ports.GaugeServiceRate, snap.ServiceRate)
	r.obs.SetGauge(ports.GaugeUtilization, snap.Utilization)
	r.obs.SetGauge(ports.GaugeExpectedInFlow, snap.ExpectedN)

	if r.gate != nil {
		if r.adaptive.Enabled && snap.ServiceRate > 0 {
			r.gate.SetRate(capacity.AdaptiveRate(r.adaptive.Target, workers, snap.ServiceRate, r.adaptive.MinRate, r.adaptive.MaxRate))
		}
		r.obs.SetGauge(ports.GaugeAdmissionRate, r.gate.Rate())
	}
}

// SourceStats is a point-in-time view of one registered source.
type SourceStats struct {
	ID         string `json:"id"`
	Healthy    bool   `json:"healthy"`
	Paused     bool   `json:"paused"`
	Held       int    `json:"held"`
	Events     uint64 `json:"events"`
	ReadErrors uint64 `json:"read_errors"`
}

func (r *Reactor) SourceStats() []SourceStats {
	srcs := r.snapshot()
	out := make([]SourceStats, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, SourceStats{
			ID:         s.src.ID(),
			Healthy:    s.healthy.Load(),
			Paused:     s.paused.Load(),
			Held:       int(s.heldCount.Load()),
			Events:     s.events.Load(),
			ReadErrors: s.readErrors.Load(),
		})
	}
	return out
}

// Sources returns the registered adapters.
func (r *Reactor) Sources() []ports.Source {
	srcs := r.snapshot()
	out := make([]ports.Source, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, s.src)
	}
	return out
}

func (r *Reactor) logInfo(msg string, fields ...ports.Field) {
	if r.obs != nil {
		r.obs.LogInfo(msg, fields...)
	}
}

func (r *Reactor) logDebug(msg string, fields ...ports.Field) {
	if r.obs != nil {
		r.obs.LogDebug(msg, fields...)
	}
}

func (r *Reactor) logError(msg string, err error, fields ...ports.Field) {
	if r.obs != nil {
		r.obs.LogError(msg, err, fields...)
	}
}
