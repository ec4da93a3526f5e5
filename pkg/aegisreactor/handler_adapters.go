package aegisreactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelHandlerClosed is returned when a channel handler is invoked after being closed.
var ErrChannelHandlerClosed = errors.New("aegisreactor: channel handler closed")

// NewCallbackHandler adapts a plain function into a named Handler so callers
// can plug arbitrary functions without defining structs.
func NewCallbackHandler(name string, fn func(context.Context, Event) error) Handler {
	if name == "" {
		name = "callback"
	}
	return &callbackHandler{name: name, fn: fn}
}

// NewChannelHandler exposes events via a channel; it returns the handler, the
// read-only channel, and a close function the caller should invoke during
// shutdown. An event counts as handled once the receiver took it.
func NewChannelHandler(buffer int) (Handler, <-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)
	h := &channelHandler{ch: ch, closed: make(chan struct{})}
	return h, ch, h.close
}

type callbackHandler struct {
	name string
	fn   func(context.Context, Event) error
}

func (h *callbackHandler) Handle(ctx context.Context, ev Event) error {
	if h.fn == nil {
		return Permanent(fmt.Errorf("callback handler %q: nil function", h.name))
	}
	return h.fn(ctx, ev)
}

type channelHandler struct {
	ch     chan Event
	closed chan struct{}
	once   sync.Once
	// guards sends against close
	mu sync.RWMutex
}

func (h *channelHandler) Handle(ctx context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	select {
	case <-h.closed:
		return Permanent(ErrChannelHandlerClosed)
	default:
	}

	select {
	case h.ch <- ev:
		return nil
	case <-h.closed:
		return Permanent(ErrChannelHandlerClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *channelHandler) close() {
	h.once.Do(func() {
		close(h.closed)
		h.mu.Lock()
		close(h.ch)
		h.mu.Unlock()
	})
}
