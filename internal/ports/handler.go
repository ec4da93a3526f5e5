package ports

import (
	"context"

	"github.com/ghalamif/aegisreactor/internal/domain"
)

// Handler is the external effect invoked once per committed event.
// It is called concurrently from every worker.
type Handler interface {
	Handle(ctx context.Context, ev domain.Event) error
}

// HandlerFunc adapts a plain function into a Handler.
type HandlerFunc func(ctx context.Context, ev domain.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev domain.Event) error {
	return f(ctx, ev)
}
