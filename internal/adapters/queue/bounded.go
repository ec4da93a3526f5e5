package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/aegisreactor/internal/ports"
)

// NoTimeout makes Push and Pop wait until space/items exist or ctx is done.
const NoTimeout time.Duration = -1

// BoundedQueue is a fixed-capacity FIFO backed by a buffered channel.
// Pushes after Close fail; pops keep draining until the queue is empty.
type BoundedQueue struct {
	ch      chan ports.QueuedEvent
	closing chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewBoundedQueue(capacity int) (*BoundedQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be > 0, got %d", capacity)
	}
	return &BoundedQueue{
		ch:      make(chan ports.QueuedEvent, capacity),
		closing: make(chan struct{}),
	}, nil
}

func (q *BoundedQueue) Push(ctx context.Context, item ports.QueuedEvent, timeout time.Duration) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ports.ErrQueueClosed
	}

	if timeout == 0 {
		select {
		case q.ch <- item:
			return nil
		default:
			return ports.ErrQueueTimeout
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case q.ch <- item:
		return nil
	case <-q.closing:
		return ports.ErrQueueClosed
	case <-expired:
		return ports.ErrQueueTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *BoundedQueue) Pop(ctx context.Context, timeout time.Duration) (ports.QueuedEvent, error) {
	if timeout == 0 {
		select {
		case item, ok := <-q.ch:
			if !ok {
				return ports.QueuedEvent{}, ports.ErrQueueClosed
			}
			return item, nil
		default:
			return ports.QueuedEvent{}, ports.ErrQueueTimeout
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case item, ok := <-q.ch:
		if !ok {
			return ports.QueuedEvent{}, ports.ErrQueueClosed
		}
		return item, nil
	case <-expired:
		return ports.QueuedEvent{}, ports.ErrQueueTimeout
	case <-ctx.Done():
		return ports.QueuedEvent{}, ctx.Err()
	}
}

func (q *BoundedQueue) Len() int { return len(q.ch) }

func (q *BoundedQueue) Cap() int { return cap(q.ch) }

// Close rejects further pushes. Blocked pushers return ErrQueueClosed.
func (q *BoundedQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closing)
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
}

// Drain removes every buffered item without blocking.
func (q *BoundedQueue) Drain() []ports.QueuedEvent {
	var out []ports.QueuedEvent
	for {
		select {
		case item, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, item)
		default:
			return out
		}
	}
}

var _ ports.EventQueue = (*BoundedQueue)(nil)
