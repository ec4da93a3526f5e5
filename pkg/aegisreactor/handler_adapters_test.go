package aegisreactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghalamif/aegisreactor/internal/ports"
)

func TestNewCallbackHandler(t *testing.T) {
	var got []Event
	h := NewCallbackHandler("cb", func(_ context.Context, ev Event) error {
		got = append(got, ev)
		return nil
	})

	in := Event{SourceID: "plc", ID: 42, Payload: []byte("3.14")}
	if err := h.Handle(context.Background(), in); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(got) != 1 || got[0].Key() != in.Key() {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestNewCallbackHandlerNilFunction(t *testing.T) {
	err := NewCallbackHandler("", nil).Handle(context.Background(), Event{})
	if err == nil || !ports.IsPermanent(err) {
		t.Fatalf("expected permanent error for nil callback, got %v", err)
	}
}

func TestNewChannelHandler(t *testing.T) {
	h, ch, closeFn := NewChannelHandler(0)
	defer closeFn()

	in := Event{SourceID: "plc", ID: 7}
	errCh := make(chan error, 1)
	go func() { errCh <- h.Handle(context.Background(), in) }()

	select {
	case ev := <-ch:
		if ev.ID != 7 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := h.Handle(ctx, in); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error with no receiver, got %v", err)
	}

	closeFn()
	err := h.Handle(context.Background(), in)
	if !errors.Is(err, ErrChannelHandlerClosed) || !ports.IsPermanent(err) {
		t.Fatalf("expected permanent ErrChannelHandlerClosed, got %v", err)
	}
}
