package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

type state uint8

const (
	statePending state = iota + 1
	stateCommitted
)

type entry struct {
	state       state
	committedAt time.Time
	durable     bool
}

// DedupLedger remembers which keys already took effect so redelivered events
// become no-ops. Committed keys reach the CommitSink in batches through
// Checkpoint; a nil sink keeps the ledger in memory only.
type DedupLedger struct {
	mu        sync.Mutex
	entries   map[domain.Key]*entry
	undurable int

	// serializes Checkpoint and TruncateOlderThan against each other
	persistMu sync.Mutex

	sink  ports.CommitSink
	obs   ports.Observability
	batch int
	hint  chan struct{}
	now   func() time.Time
}

func New(sink ports.CommitSink, obs ports.Observability, checkpointBatch int) *DedupLedger {
	return &DedupLedger{
		entries: make(map[domain.Key]*entry),
		sink:    sink,
		obs:     obs,
		batch:   checkpointBatch,
		hint:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

func (l *DedupLedger) IsCommitted(key domain.Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && e.state == stateCommitted
}

func (l *DedupLedger) IsDurable(key domain.Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && e.state == stateCommitted && e.durable
}

func (l *DedupLedger) HighWater(sourceID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var hw uint64
	for k, e := range l.entries {
		if k.SourceID == sourceID && e.state == stateCommitted && k.ID > hw {
			hw = k.ID
		}
	}
	return hw
}

func (l *DedupLedger) TryBegin(key domain.Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; ok {
		return false
	}
	l.entries[key] = &entry{state: statePending}
	return true
}

func (l *DedupLedger) MarkCommitted(key domain.Key) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if ok && e.state == stateCommitted {
		l.mu.Unlock()
		return
	}
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.state = stateCommitted
	e.committedAt = l.now()
	l.undurable++
	full := l.batch > 0 && l.undurable >= l.batch
	l.mu.Unlock()

	if full {
		select {
		case l.hint <- struct{}{}:
		default:
		}
	}
}

// Abort forgets a pending key so the event can be retried.
func (l *DedupLedger) Abort(key domain.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok && e.state == statePending {
		delete(l.entries, key)
	}
}

// Checkpoint persists every committed key that is not yet durable. The keys are
// flagged durable and returned only after the sink accepted them.
func (l *DedupLedger) Checkpoint(ctx context.Context) ([]domain.Key, error) {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.Lock()
	records := make([]ports.CommitRecord, 0, l.undurable)
	for k, e := range l.entries {
		if e.state == stateCommitted && !e.durable {
			records = append(records, ports.CommitRecord{Key: k, CommittedAt: e.committedAt})
		}
	}
	l.mu.Unlock()

	if len(records) == 0 {
		return nil, nil
	}

	if l.sink != nil {
		if err := l.sink.Persist(ctx, records); err != nil {
			perr := &ports.LedgerPersistError{Keys: len(records), Err: err}
			if l.obs != nil {
				l.obs.IncCounter(ports.MetricCheckpointFailed, 1)
				l.obs.LogError("ledger checkpoint failed", perr,
					ports.Field{Key: "sink", Value: l.sink.Name()},
					ports.Field{Key: "keys", Value: len(records)})
			}
			return nil, perr
		}
	}

	keys := make([]domain.Key, 0, len(records))
	l.mu.Lock()
	for _, r := range records {
		if e, ok := l.entries[r.Key]; ok && !e.durable {
			e.durable = true
			l.undurable--
		}
		keys = append(keys, r.Key)
	}
	l.mu.Unlock()
	return keys, nil
}

// TruncateOlderThan evicts durable entries committed before now-horizon and
// trims the sink to the same cutoff. Non-durable entries are never evicted.
func (l *DedupLedger) TruncateOlderThan(ctx context.Context, horizon time.Duration) (int, error) {
	if horizon <= 0 {
		return 0, nil
	}
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	cutoff := l.now().Add(-horizon)

	l.mu.Lock()
	removed := 0
	for k, e := range l.entries {
		if e.state == stateCommitted && e.durable && e.committedAt.Before(cutoff) {
			delete(l.entries, k)
			removed++
		}
	}
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Truncate(ctx, cutoff); err != nil {
			return removed, fmt.Errorf("truncate %s: %w", l.sink.Name(), err)
		}
	}
	return removed, nil
}

// Restore loads keys committed within the retention horizon. A zero horizon
// loads everything the sink holds.
func (l *DedupLedger) Restore(ctx context.Context, horizon time.Duration) (int, error) {
	if l.sink == nil {
		return 0, nil
	}
	var since time.Time
	if horizon > 0 {
		since = l.now().Add(-horizon)
	}
	records, err := l.sink.Load(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("restore from %s: %w", l.sink.Name(), err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range records {
		if e, ok := l.entries[r.Key]; ok && e.state == stateCommitted {
			continue
		}
		l.entries[r.Key] = &entry{state: stateCommitted, committedAt: r.CommittedAt, durable: true}
		n++
	}
	return n, nil
}

func (l *DedupLedger) FlushHint() <-chan struct{} { return l.hint }

func (l *DedupLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Pending reports how many committed keys are still waiting for a checkpoint.
func (l *DedupLedger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.undurable
}

var _ ports.Ledger = (*DedupLedger)(nil)
