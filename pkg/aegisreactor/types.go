package aegisreactor

import (
	"github.com/ghalamif/aegisreactor/internal/adapters/source"
	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

// Event is the unit of work delivered to handlers.
type Event = domain.Event

// Key identifies an event across sources.
type Key = domain.Key

// Source is a readiness-notified input. Implement it to plug in MQTT, Modbus,
// sockets or anything else that yields id-ordered events.
type Source = ports.Source

// Acker is an optional Source extension notified once keys are durably committed.
type Acker = ports.Acker

// Opener is an optional Source extension called before the reactor reads from it.
type Opener = ports.Opener

// Handler performs the external effect for one event.
type Handler = ports.Handler

type HandlerFunc = ports.HandlerFunc

// CommitSink persists the dedup ledger.
type CommitSink = ports.CommitSink

type CommitRecord = ports.CommitRecord

// EventQueue is the bounded FIFO between the reactor and the workers.
type EventQueue = ports.EventQueue

type QueuedEvent = ports.QueuedEvent

type Ledger = ports.Ledger

type AdmissionGate = ports.AdmissionGate

// Observability emits logs and metrics about admission, dedup and handler outcomes.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// ChannelSource is the in-process source: Publish assigns ids, Redeliver replays one.
type ChannelSource = source.ChannelSource

// ChannelOption configures a ChannelSource.
type ChannelOption = source.ChannelOption

// OnAck receives keys once they are durably committed, including redeliveries
// of keys that already were.
func OnAck(fn func([]Key)) ChannelOption { return source.OnAck(fn) }

// OnRelease receives keys that were dropped or dead-lettered.
func OnRelease(fn func([]Key)) ChannelOption { return source.OnRelease(fn) }

// StartAfter makes Publish assign ids above last.
func StartAfter(last uint64) ChannelOption { return source.StartAfter(last) }

type (
	SourceReadError    = ports.SourceReadError
	HandlerError       = ports.HandlerError
	LedgerPersistError = ports.LedgerPersistError
)

var (
	ErrQueueTimeout      = ports.ErrQueueTimeout
	ErrQueueClosed       = ports.ErrQueueClosed
	ErrAdmissionRejected = ports.ErrAdmissionRejected
	ErrShutdownTimeout   = ports.ErrShutdownTimeout
	ErrSourceFull        = source.ErrSourceFull
	ErrSourceClosed      = source.ErrSourceClosed
)

// NewChannelSource returns an in-process source buffering up to buffer unread events.
// Ids continue after the highest id restored for the source when it runs in a Runtime.
func NewChannelSource(id string, buffer int, opts ...ChannelOption) *ChannelSource {
	return source.NewChannelSource(id, buffer, opts...)
}

// Permanent marks a handler error as not retryable; the event goes straight to the DLQ path.
func Permanent(err error) error {
	return ports.Permanent(err)
}
