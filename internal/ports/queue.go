package ports

import (
	"context"
	"time"

	"github.com/ghalamif/aegisreactor/internal/domain"
)

// QueuedEvent is an event buffered in the bounded queue.
type QueuedEvent struct {
	Event      domain.Event
	Attempt    int
	EnqueuedAt time.Time
}

// EventQueue is the bounded FIFO shared by the reactor (writer) and workers (readers).
// A zero timeout never blocks; a negative timeout waits until ctx is done.
type EventQueue interface {
	Push(ctx context.Context, item QueuedEvent, timeout time.Duration) error
	Pop(ctx context.Context, timeout time.Duration) (QueuedEvent, error)
	Len() int
	Cap() int
	Close()
	Drain() []QueuedEvent
}
