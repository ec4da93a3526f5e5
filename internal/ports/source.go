package ports

import (
	"context"

	"github.com/ghalamif/aegisreactor/internal/domain"
)

// Source wraps one readiness-notified input (socket, broker, fieldbus).
//
// Ready returns a channel that receives a value whenever the source may have
// events to read. A nil channel means the source is polled on every reactor tick.
// ReadReady must not block for long and returns at most budget events, in id order.
type Source interface {
	ID() string
	Ready() <-chan struct{}
	ReadReady(ctx context.Context, budget int) ([]domain.Event, error)
	Close() error
}

// Acker is implemented by sources whose transport needs an acknowledgement
// (offset commit, XACK). It is only called for durably checkpointed keys.
type Acker interface {
	Ack(ctx context.Context, keys []domain.Key) error
}

// Releaser is implemented by sources that must learn about events the reactor
// gave up on (overload drop, dead letter) so the transport can move past them.
type Releaser interface {
	Release(ctx context.Context, keys []domain.Key) error
}

// Seeder is implemented by sources that assign their own ids. Seed receives the
// highest id already committed for the source; later ids must be greater.
type Seeder interface {
	Seed(lastID uint64)
}

// Opener is implemented by sources that connect to a remote system before the
// reactor starts reading from them.
type Opener interface {
	Open(ctx context.Context) error
}
