package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

func event(id uint64) domain.Event {
	return domain.Event{SourceID: "s", ID: id, ReceivedAt: time.Now()}
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	led := memLedger(obs)

	var calls atomic.Int32
	h := ports.HandlerFunc(func(context.Context, domain.Event) error {
		if calls.Add(1) <= 2 {
			return errors.New("timeout talking to plc")
		}
		return nil
	})
	push(t, q, event(1))
	runPool(t, NewWorkerPool(q, led, h, testPolicy(), obs))

	require.Eventually(t, func() bool { return led.IsCommitted(domain.Key{SourceID: "s", ID: 1}) }, waitFor, tick)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, float64(2), obs.counter(ports.MetricHandlerRetries))
	assert.Equal(t, float64(2), obs.counter(ports.MetricHandlerFailures))
	assert.Empty(t, obs.dlqErrors())
}

func TestWorkerSendsExhaustedRetriesToDLQ(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	led := memLedger(obs)
	pol := testPolicy()
	pol.MaxRetries = 2

	cause := errors.New("bad payload")
	h := ports.HandlerFunc(func(context.Context, domain.Event) error { return cause })
	push(t, q, event(1))
	runPool(t, NewWorkerPool(q, led, h, pol, obs))

	require.Eventually(t, func() bool { return len(obs.dlqErrors()) == 1 }, waitFor, tick)
	assert.Equal(t, float64(3), obs.counter(ports.MetricHandlerFailures))

	var herr *ports.HandlerError
	require.ErrorAs(t, obs.dlqErrors()[0], &herr)
	assert.Equal(t, 2, herr.Attempt)
	assert.ErrorIs(t, herr, cause)
	assert.False(t, led.IsCommitted(domain.Key{SourceID: "s", ID: 1}))
	assert.True(t, led.TryBegin(domain.Key{SourceID: "s", ID: 1}), "failed key must not stay pending")
}

func TestWorkerReleasesDeadLetteredKey(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	pol := testPolicy()
	pol.MaxRetries = 1
	settler := &recSettler{}

	h := ports.HandlerFunc(func(context.Context, domain.Event) error { return errors.New("bad payload") })
	push(t, q, event(4))
	runPool(t, NewWorkerPool(q, memLedger(obs), h, pol, obs, WithSettler(settler)))

	require.Eventually(t, func() bool {
		_, released := settler.snapshot()
		return len(released) == 1
	}, waitFor, tick)
	acked, released := settler.snapshot()
	assert.Empty(t, acked)
	assert.Equal(t, domain.Key{SourceID: "s", ID: 4}, released[0])
	assert.Len(t, obs.dlqErrors(), 1)
}

func TestWorkerAcksDurableDuplicate(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	led := memLedger(obs)
	settler := &recSettler{}

	durable := domain.Key{SourceID: "s", ID: 1}
	led.MarkCommitted(durable)
	_, err := led.Checkpoint(context.Background())
	require.NoError(t, err)
	led.MarkCommitted(domain.Key{SourceID: "s", ID: 2}) // committed, not yet durable

	rec := newRecorder()
	push(t, q, event(1))
	push(t, q, event(2))
	push(t, q, event(3))
	runPool(t, NewWorkerPool(q, led, rec, testPolicy(), obs, WithSettler(settler)))

	require.Eventually(t, func() bool { return obs.counter(ports.MetricDedupHits) == 2 && rec.total() == 1 }, waitFor, tick)
	acked, released := settler.snapshot()
	assert.Equal(t, []domain.Key{durable}, acked, "only the durable duplicate is acked directly")
	assert.Empty(t, released)
	assert.Equal(t, []uint64{3}, rec.ids("s"))
}

func TestWorkerDiscardsEventPoppedAfterForceStop(t *testing.T) {
	obs := newRecObs()
	q := &stopOnPop{BoundedQueue: newQueue(t, 8)}
	led := memLedger(obs)
	rec := newRecorder()
	push(t, q, event(1))

	pool := NewWorkerPool(q, led, rec, testPolicy(), obs)
	q.onPop = pool.ForceStop
	pool.Start(context.Background())

	require.Eventually(t, func() bool { return pool.Running() == 0 }, waitFor, tick)
	assert.Zero(t, rec.total())
	assert.Equal(t, float64(1), obs.counter(ports.MetricShutdownDropped))
	assert.True(t, led.TryBegin(domain.Key{SourceID: "s", ID: 1}), "discarded event must not be pending or committed")
}

func TestWorkerDoesNotRetryPermanentFailure(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	var calls atomic.Int32
	h := ports.HandlerFunc(func(context.Context, domain.Event) error {
		calls.Add(1)
		return ports.Permanent(errors.New("schema mismatch"))
	})
	push(t, q, event(1))
	runPool(t, NewWorkerPool(q, memLedger(obs), h, testPolicy(), obs))

	require.Eventually(t, func() bool { return len(obs.dlqErrors()) == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, obs.counter(ports.MetricHandlerRetries))
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	led := memLedger(obs)
	pol := testPolicy()
	pol.MaxRetries = 0

	h := ports.HandlerFunc(func(_ context.Context, ev domain.Event) error {
		if ev.ID == 1 {
			panic("nil map write")
		}
		return nil
	})
	push(t, q, event(1))
	push(t, q, event(2))
	runPool(t, NewWorkerPool(q, led, h, pol, obs))

	require.Eventually(t, func() bool { return led.IsCommitted(domain.Key{SourceID: "s", ID: 2}) }, waitFor, tick)
	dlq := obs.dlqErrors()
	require.Len(t, dlq, 1)
	assert.Contains(t, dlq[0].Error(), "handler panic: nil map write")
}

func TestWorkerCountsDeadlineMiss(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	led := memLedger(obs)
	pol := testPolicy()
	pol.EventDeadline = 10 * time.Millisecond

	late := event(1)
	late.ReceivedAt = time.Now().Add(-time.Second)
	push(t, q, late)
	push(t, q, event(2))
	runPool(t, NewWorkerPool(q, led, newRecorder(), pol, obs))

	require.Eventually(t, func() bool { return obs.counter(ports.MetricEventsCommitted) == 2 }, waitFor, tick)
	assert.Equal(t, float64(1), obs.labeledCounter(ports.MetricSourceDeadlineMiss, "s"))
}

func TestShutdownDrainsQueuedEvents(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	led := memLedger(obs)

	h := ports.HandlerFunc(func(context.Context, domain.Event) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	for id := uint64(1); id <= 3; id++ {
		push(t, q, event(id))
	}

	pool := NewWorkerPool(q, led, h, testPolicy(), obs)
	pool.Start(context.Background())
	q.Close()

	require.NoError(t, pool.Drain(context.Background(), time.Second))
	for id := uint64(1); id <= 3; id++ {
		assert.True(t, led.IsCommitted(domain.Key{SourceID: "s", ID: id}))
	}
	assert.Zero(t, pool.Running())
	assert.Zero(t, obs.counter(ports.MetricShutdownDropped))
}

func TestShutdownTimeoutDropsRemaining(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	led := memLedger(obs)

	h := ports.HandlerFunc(func(ctx context.Context, _ domain.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	for id := uint64(1); id <= 5; id++ {
		push(t, q, event(id))
	}

	pool := NewWorkerPool(q, led, h, testPolicy(), obs)
	pool.Start(context.Background())
	q.Close()

	err := pool.Drain(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ports.ErrShutdownTimeout)
	assert.Equal(t, float64(5), obs.counter(ports.MetricShutdownDropped))
	assert.Zero(t, obs.counter(ports.MetricEventsCommitted))
	assert.Zero(t, q.Len())
}

func TestWorkerPoolResize(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	pool := NewWorkerPool(q, memLedger(obs), newRecorder(), testPolicy(), obs)
	runPool(t, pool)

	require.Eventually(t, func() bool { return pool.Running() == 1 }, waitFor, tick)
	pool.Resize(3)
	assert.Equal(t, 3, pool.Size())
	require.Eventually(t, func() bool { return pool.Running() == 3 }, waitFor, tick)

	pool.Resize(1)
	assert.Equal(t, 1, pool.Size())
	require.Eventually(t, func() bool { return pool.Running() == 1 }, waitFor, tick)
}

func TestWorkerTracesHandlerInvocation(t *testing.T) {
	obs := newRecObs()
	q := newQueue(t, 8)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := ports.HandlerFunc(func(context.Context, domain.Event) error {
		return ports.Permanent(errors.New("rejected"))
	})
	push(t, q, event(9))
	runPool(t, NewWorkerPool(q, memLedger(obs), h, testPolicy(), obs, WithTracerProvider(tp)))

	require.Eventually(t, func() bool { return len(rec.Ended()) == 1 }, waitFor, tick)
	span := rec.Ended()[0]
	assert.Equal(t, "reactor.handle", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Attributes(), attribute.String("reactor.source", "s"))
	assert.Contains(t, span.Attributes(), attribute.Int64("reactor.event_id", 9))
}
