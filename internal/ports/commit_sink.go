package ports

import (
	"context"
	"time"

	"github.com/ghalamif/aegisreactor/internal/domain"
)

// CommitRecord is one durably committed event key.
type CommitRecord struct {
	Key         domain.Key
	CommittedAt time.Time
}

// CommitSink persists the ledger's committed set.
// Persist must be idempotent so a failed checkpoint can be retried as-is.
type CommitSink interface {
	Persist(ctx context.Context, records []CommitRecord) error
	Load(ctx context.Context, since time.Time) ([]CommitRecord, error)
	Truncate(ctx context.Context, before time.Time) error
	Name() string
	Close() error
}
