package source

import (
	"context"

	"github.com/ghalamif/aegisreactor/internal/domain"
)

// inbox buffers events between a transport goroutine and ReadReady and raises
// the readiness signal whenever something is waiting.
type inbox struct {
	events chan domain.Event
	ready  chan struct{}
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = 1
	}
	return &inbox{
		events: make(chan domain.Event, size),
		ready:  make(chan struct{}, 1),
	}
}

func (b *inbox) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// offer enqueues without blocking and reports whether there was room.
func (b *inbox) offer(ev domain.Event) bool {
	select {
	case b.events <- ev:
		b.signal()
		return true
	default:
		return false
	}
}

// put blocks until there is room, which pushes back on the transport.
func (b *inbox) put(ctx context.Context, ev domain.Event) error {
	select {
	case b.events <- ev:
		b.signal()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *inbox) take(budget int) []domain.Event {
	if budget <= 0 {
		budget = 1
	}
	var out []domain.Event
loop:
	for len(out) < budget {
		select {
		case ev := <-b.events:
			out = append(out, ev)
		default:
			break loop
		}
	}
	if len(b.events) > 0 {
		b.signal()
	}
	return out
}

func (b *inbox) len() int { return len(b.events) }
