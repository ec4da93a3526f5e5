package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

var (
	ErrSourceFull   = errors.New("source buffer full")
	ErrSourceClosed = errors.New("source closed")
)

// ChannelSource is an in-process source fed by Publish. It assigns monotonic
// ids and lets callers replay an id with Redeliver to exercise deduplication.
type ChannelSource struct {
	id     string
	box    *inbox
	nextID atomic.Uint64
	onAck  func([]domain.Key)
	onRel  func([]domain.Key)

	// serializes publishers so ids reach the inbox in order
	mu     sync.Mutex
	closed bool
}

type ChannelOption func(*ChannelSource)

// OnAck registers a callback receiving keys once they are durably committed.
func OnAck(fn func([]domain.Key)) ChannelOption {
	return func(s *ChannelSource) { s.onAck = fn }
}

// OnRelease registers a callback receiving keys the reactor gave up on.
func OnRelease(fn func([]domain.Key)) ChannelOption {
	return func(s *ChannelSource) { s.onRel = fn }
}

// StartAfter makes Publish assign ids above last.
func StartAfter(last uint64) ChannelOption {
	return func(s *ChannelSource) { s.nextID.Store(last) }
}

func NewChannelSource(id string, buffer int, opts ...ChannelOption) *ChannelSource {
	s := &ChannelSource{id: id, box: newInbox(buffer)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *ChannelSource) ID() string { return s.id }

func (s *ChannelSource) Ready() <-chan struct{} { return s.box.ready }

// Publish hands payload to the reactor and returns the id it was assigned.
// It never blocks; a full buffer yields ErrSourceFull and consumes no id.
func (s *ChannelSource) Publish(payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSourceClosed
	}
	id := s.nextID.Load() + 1
	if !s.box.offer(s.event(id, payload)) {
		return 0, ErrSourceFull
	}
	s.nextID.Store(id)
	return id, nil
}

// Redeliver re-emits an already published id, as an at-least-once transport would.
func (s *ChannelSource) Redeliver(id uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	if !s.box.offer(s.event(id, payload)) {
		return ErrSourceFull
	}
	return nil
}

func (s *ChannelSource) event(id uint64, payload []byte) domain.Event {
	return domain.Event{
		SourceID:   s.id,
		ID:         id,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now(),
	}
}

func (s *ChannelSource) ReadReady(_ context.Context, budget int) ([]domain.Event, error) {
	return s.box.take(budget), nil
}

func (s *ChannelSource) Ack(_ context.Context, keys []domain.Key) error {
	if s.onAck != nil && len(keys) > 0 {
		s.onAck(keys)
	}
	return nil
}

func (s *ChannelSource) Release(_ context.Context, keys []domain.Key) error {
	if s.onRel != nil && len(keys) > 0 {
		s.onRel(keys)
	}
	return nil
}

// Seed moves the id counter up to lastID; it never moves it back.
func (s *ChannelSource) Seed(lastID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lastID > s.nextID.Load() {
		s.nextID.Store(lastID)
	}
}

// LastID returns the highest id assigned by Publish.
func (s *ChannelSource) LastID() uint64 { return s.nextID.Load() }

// Pending reports events published but not yet read by the reactor.
func (s *ChannelSource) Pending() int { return s.box.len() }

func (s *ChannelSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ ports.Source   = (*ChannelSource)(nil)
	_ ports.Acker    = (*ChannelSource)(nil)
	_ ports.Releaser = (*ChannelSource)(nil)
	_ ports.Seeder   = (*ChannelSource)(nil)
)
