package ports

import (
	"context"
	"time"

	"github.com/ghalamif/aegisreactor/internal/domain"
)

// Ledger tracks which event keys already took effect.
type Ledger interface {
	IsCommitted(key domain.Key) bool
	// IsDurable reports whether key is committed and already persisted.
	IsDurable(key domain.Key) bool
	// HighWater returns the largest committed id recorded for sourceID.
	HighWater(sourceID string) uint64
	// TryBegin marks key pending. It returns false when the key is committed
	// or already pending on another worker.
	TryBegin(key domain.Key) bool
	MarkCommitted(key domain.Key)
	Abort(key domain.Key)
	// Checkpoint persists undurable commits and returns the keys that became durable.
	Checkpoint(ctx context.Context) ([]domain.Key, error)
	TruncateOlderThan(ctx context.Context, horizon time.Duration) (int, error)
	Restore(ctx context.Context, horizon time.Duration) (int, error)
	FlushHint() <-chan struct{}
	Len() int
}

// AdmissionGate shapes the admitted arrival rate at ingress.
type AdmissionGate interface {
	Allow(cost int) bool
	Rate() float64
	SetRate(perSecond float64)
	Capacity() int
	Tokens() float64
}
