package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghalamif/aegisreactor/internal/adapters/ledger"
	"github.com/ghalamif/aegisreactor/internal/adapters/queue"
	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

type recObs struct {
	mu       sync.Mutex
	counters map[string]float64
	labeled  map[string]float64
	gauges   map[string]float64
	dlq      []error
	errs     []error
}

func newRecObs() *recObs {
	return &recObs{
		counters: map[string]float64{},
		labeled:  map[string]float64{},
		gauges:   map[string]float64{},
	}
}

func (o *recObs) LogDebug(string, ...ports.Field) {}
func (o *recObs) LogInfo(string, ...ports.Field)  {}

func (o *recObs) LogError(_ string, err error, _ ...ports.Field) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func (o *recObs) LogCritical(msg string, err error, fields ...ports.Field) {
	o.LogError(msg, err, fields...)
}

func (o *recObs) IncCounter(name string, v float64) {
	o.mu.Lock()
	o.counters[name] += v
	o.mu.Unlock()
}

func (o *recObs) IncLabeledCounter(name, label string, v float64) {
	o.mu.Lock()
	o.labeled[name+"|"+label] += v
	o.mu.Unlock()
}

func (o *recObs) ObserveLatency(string, float64) {}

func (o *recObs) SetGauge(name string, v float64) {
	o.mu.Lock()
	o.gauges[name] = v
	o.mu.Unlock()
}

func (o *recObs) RecordDLQ(_ domain.Event, err error) {
	o.mu.Lock()
	o.dlq = append(o.dlq, err)
	o.mu.Unlock()
}

func (o *recObs) counter(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name]
}

func (o *recObs) labeledCounter(name, label string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.labeled[name+"|"+label]
}

func (o *recObs) dlqErrors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.dlq...)
}

// flakySource is polled and fails its first `failures` reads.
type flakySource struct {
	mu       sync.Mutex
	id       string
	failures int
	events   []domain.Event
	reads    int
}

func (s *flakySource) ID() string             { return s.id }
func (s *flakySource) Ready() <-chan struct{} { return nil }
func (s *flakySource) Close() error           { return nil }

func (s *flakySource) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *flakySource) ReadReady(_ context.Context, budget int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection reset")
	}
	n := min(budget, len(s.events))
	out := s.events[:n]
	s.events = s.events[n:]
	return out, nil
}

// recorder collects handled events per source in invocation order.
type recorder struct {
	mu   sync.Mutex
	seen map[string][]uint64
}

func newRecorder() *recorder { return &recorder{seen: map[string][]uint64{}} }

func (r *recorder) Handle(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	r.seen[ev.SourceID] = append(r.seen[ev.SourceID], ev.ID)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ids(source string) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seen[source]...)
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ids := range r.seen {
		n += len(ids)
	}
	return n
}

func newQueue(t *testing.T, capacity int) *queue.BoundedQueue {
	t.Helper()
	q, err := queue.NewBoundedQueue(capacity)
	require.NoError(t, err)
	return q
}

func testPolicy() ports.Policy {
	return ports.Policy{
		QueueCapacity:        16,
		Workers:              1,
		ReadBudget:           64,
		PollTimeout:          5 * time.Millisecond,
		PopTimeout:           5 * time.Millisecond,
		Overload:             ports.OverloadDrop,
		MaxRetries:           3,
		SourceBackoffInitial: time.Millisecond,
		SourceBackoffMax:     4 * time.Millisecond,
	}
}

func push(t *testing.T, q ports.EventQueue, ev domain.Event) {
	t.Helper()
	require.NoError(t, q.Push(context.Background(), ports.QueuedEvent{Event: ev}, 0))
}

func memLedger(obs ports.Observability) *ledger.DedupLedger {
	return ledger.New(nil, obs, 256)
}

type recSettler struct {
	mu       sync.Mutex
	acked    []domain.Key
	released []domain.Key
}

func (s *recSettler) AckSettled(key domain.Key) {
	s.mu.Lock()
	s.acked = append(s.acked, key)
	s.mu.Unlock()
}

func (s *recSettler) Release(key domain.Key) {
	s.mu.Lock()
	s.released = append(s.released, key)
	s.mu.Unlock()
}

func (s *recSettler) snapshot() (acked, released []domain.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Key(nil), s.acked...), append([]domain.Key(nil), s.released...)
}

// stopOnPop runs onPop after the first successful Pop, before the item is
// handed to the worker.
type stopOnPop struct {
	*queue.BoundedQueue
	once  sync.Once
	onPop func()
}

func (q *stopOnPop) Pop(ctx context.Context, timeout time.Duration) (ports.QueuedEvent, error) {
	item, err := q.BoundedQueue.Pop(ctx, timeout)
	if err == nil {
		q.once.Do(q.onPop)
	}
	return item, err
}

// genSource is polled and returns batch fresh events on every read.
type genSource struct {
	id    string
	batch int
	next  atomic.Uint64
}

func (s *genSource) ID() string             { return s.id }
func (s *genSource) Ready() <-chan struct{} { return nil }
func (s *genSource) Close() error           { return nil }

func (s *genSource) ReadReady(_ context.Context, budget int) ([]domain.Event, error) {
	n := min(budget, s.batch)
	out := make([]domain.Event, n)
	for i := range out {
		out[i] = domain.Event{SourceID: s.id, ID: s.next.Add(1), ReceivedAt: time.Now()}
	}
	return out, nil
}

// sleepHandler takes a fixed service time per event.
type sleepHandler struct {
	service time.Duration
	done    atomic.Int64
}

func (h *sleepHandler) Handle(context.Context, domain.Event) error {
	time.Sleep(h.service)
	h.done.Add(1)
	return nil
}

// keyLog collects keys handed to a source callback.
type keyLog struct {
	mu   sync.Mutex
	keys []domain.Key
}

func (l *keyLog) add(keys []domain.Key) {
	l.mu.Lock()
	l.keys = append(l.keys, keys...)
	l.mu.Unlock()
}

func (l *keyLog) snapshot() []domain.Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Key(nil), l.keys...)
}
