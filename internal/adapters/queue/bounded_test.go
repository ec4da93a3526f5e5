package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

func item(src string, id uint64) ports.QueuedEvent {
	return ports.QueuedEvent{Event: domain.Event{SourceID: src, ID: id}}
}

func TestNewBoundedQueueRejectsZeroCapacity(t *testing.T) {
	_, err := NewBoundedQueue(0)
	require.Error(t, err)
}

func TestBoundedQueueNonBlockingPushRejectsPastCapacity(t *testing.T) {
	q, err := NewBoundedQueue(4)
	require.NoError(t, err)
	ctx := context.Background()

	accepted, rejected := 0, 0
	for i := 1; i <= 5; i++ {
		switch err := q.Push(ctx, item("s", uint64(i)), 0); err {
		case nil:
			accepted++
		case ports.ErrQueueTimeout:
			rejected++
		default:
			t.Fatalf("unexpected push error: %v", err)
		}
	}

	assert.Equal(t, 4, accepted)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, 4, q.Cap())
}

func TestBoundedQueueFIFO(t *testing.T) {
	q, err := NewBoundedQueue(8)
	require.NoError(t, err)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Push(ctx, item("s", i), 0))
	}
	for i := uint64(1); i <= 3; i++ {
		got, err := q.Pop(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, i, got.Event.ID)
	}

	_, err = q.Pop(ctx, 0)
	assert.ErrorIs(t, err, ports.ErrQueueTimeout)
}

func TestBoundedQueuePushTimesOutWhenFull(t *testing.T) {
	q, err := NewBoundedQueue(1)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, item("s", 1), 0))

	start := time.Now()
	err = q.Push(ctx, item("s", 2), 20*time.Millisecond)
	assert.ErrorIs(t, err, ports.ErrQueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 1, q.Len())
}

func TestBoundedQueuePushUnblocksWhenSpaceFrees(t *testing.T) {
	q, err := NewBoundedQueue(1)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, item("s", 1), 0))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = q.Pop(ctx, 0)
	}()

	require.NoError(t, q.Push(ctx, item("s", 2), time.Second))
	got, err := q.Pop(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Event.ID)
}

func TestBoundedQueuePopRespectsContext(t *testing.T) {
	q, err := NewBoundedQueue(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = q.Pop(ctx, NoTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBoundedQueueCloseDrainsThenReportsClosed(t *testing.T) {
	q, err := NewBoundedQueue(4)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, item("s", 1), 0))
	require.NoError(t, q.Push(ctx, item("s", 2), 0))

	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Push(ctx, item("s", 3), 0), ports.ErrQueueClosed)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Event.ID)

	rest := q.Drain()
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(2), rest[0].Event.ID)

	_, err = q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, ports.ErrQueueClosed)
}

func TestBoundedQueueCloseReleasesBlockedPusher(t *testing.T) {
	q, err := NewBoundedQueue(1)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, item("s", 1), 0))

	errCh := make(chan error, 1)
	go func() { errCh <- q.Push(ctx, item("s", 2), NoTimeout) }()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ports.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked pusher was not released by Close")
	}
}

func TestBoundedQueueConcurrentNoLossNoDuplication(t *testing.T) {
	const (
		capacity  = 8
		producers = 6
		perProd   = 500
		consumers = 4
	)
	q, err := NewBoundedQueue(capacity)
	require.NoError(t, err)
	ctx := context.Background()

	var maxLen atomic.Int64
	var prodWG sync.WaitGroup
	for p := 0; p < producers; p++ {
		prodWG.Add(1)
		go func(p int) {
			defer prodWG.Done()
			src := string(rune('a' + p))
			for i := uint64(1); i <= perProd; i++ {
				assert.NoError(t, q.Push(ctx, item(src, i), NoTimeout))
				if l := int64(q.Len()); l > maxLen.Load() {
					maxLen.Store(l)
				}
			}
		}(p)
	}

	var (
		mu   sync.Mutex
		seen = make(map[domain.Key]int)
	)
	var consWG sync.WaitGroup
	for c := 0; c < consumers; c++ {
		consWG.Add(1)
		go func() {
			defer consWG.Done()
			for {
				it, err := q.Pop(ctx, NoTimeout)
				if err == ports.ErrQueueClosed {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[it.Event.Key()]++
				mu.Unlock()
			}
		}()
	}

	prodWG.Wait()
	q.Close()
	consWG.Wait()

	assert.Len(t, seen, producers*perProd)
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("key %s delivered %d times", k, n)
		}
	}
	assert.LessOrEqual(t, maxLen.Load(), int64(capacity))
}
