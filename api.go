package aegisreactor

import (
	"context"

	base "github.com/ghalamif/aegisreactor/pkg/aegisreactor"
)

// Re-exported errors for convenience.
var (
	ErrQueueTimeout         = base.ErrQueueTimeout
	ErrQueueClosed          = base.ErrQueueClosed
	ErrAdmissionRejected    = base.ErrAdmissionRejected
	ErrShutdownTimeout      = base.ErrShutdownTimeout
	ErrSourceFull           = base.ErrSourceFull
	ErrSourceClosed         = base.ErrSourceClosed
	ErrChannelHandlerClosed = base.ErrChannelHandlerClosed
)

// Type aliases so consumers can import github.com/ghalamif/aegisreactor directly.
type (
	Config           = base.Config
	Policy           = base.Policy
	AdmissionConfig  = base.AdmissionConfig
	AdaptiveConfig   = base.AdaptiveConfig
	LedgerConfig     = base.LedgerConfig
	CommitSinkConfig = base.CommitSinkConfig
	SourceConfig     = base.SourceConfig
	MetricsConfig    = base.MetricsConfig
	LogConfig        = base.LogConfig
	OPCUAConfig      = base.OPCUAConfig
	OPCUANodeConfig  = base.OPCUANodeConfig
	KafkaConfig      = base.KafkaConfig
	RedisConfig      = base.RedisConfig
	Flow             = base.Flow
	FlowOption       = base.FlowOption
	StreamInOption   = base.StreamInOption
	StreamOutOption  = base.StreamOutOption
	Runtime          = base.Runtime
	RuntimeOption    = base.RuntimeOption
	Stats            = base.Stats
	Event            = base.Event
	Key              = base.Key
	Source           = base.Source
	Acker            = base.Acker
	Opener           = base.Opener
	Handler          = base.Handler
	HandlerFunc      = base.HandlerFunc
	CommitSink       = base.CommitSink
	CommitRecord     = base.CommitRecord
	EventQueue       = base.EventQueue
	QueuedEvent      = base.QueuedEvent
	Ledger           = base.Ledger
	AdmissionGate    = base.AdmissionGate
	Observability    = base.Observability
	Field            = base.Field
	ChannelSource    = base.ChannelSource
	ChannelOption    = base.ChannelOption
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInSource(src ...Source) StreamInOption {
	return base.StreamInSource(src...)
}

func StreamInQueue(q EventQueue) StreamInOption {
	return base.StreamInQueue(q)
}

func StreamInGate(g AdmissionGate) StreamInOption {
	return base.StreamInGate(g)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutHandler(h Handler) StreamOutOption {
	return base.StreamOutHandler(h)
}

func StreamOutCallback(name string, fn func(context.Context, Event) error) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

func StreamOutCommitSink(s CommitSink) StreamOutOption {
	return base.StreamOutCommitSink(s)
}

func StreamOutLedger(l Ledger) StreamOutOption {
	return base.StreamOutLedger(l)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithSource(src ...Source) RuntimeOption {
	return base.WithSource(src...)
}

func WithHandler(h Handler) RuntimeOption {
	return base.WithHandler(h)
}

func WithCommitSink(s CommitSink) RuntimeOption {
	return base.WithCommitSink(s)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithQueue(q EventQueue) RuntimeOption {
	return base.WithQueue(q)
}

func WithLedger(l Ledger) RuntimeOption {
	return base.WithLedger(l)
}

func WithGate(g AdmissionGate) RuntimeOption {
	return base.WithGate(g)
}

func WithoutMetricsServer() RuntimeOption {
	return base.WithoutMetricsServer()
}

// Sources and handlers.
func NewChannelSource(id string, buffer int, opts ...ChannelOption) *ChannelSource {
	return base.NewChannelSource(id, buffer, opts...)
}

func OnAck(fn func([]Key)) ChannelOption { return base.OnAck(fn) }

func OnRelease(fn func([]Key)) ChannelOption { return base.OnRelease(fn) }

func StartAfter(last uint64) ChannelOption { return base.StartAfter(last) }

func NewCallbackHandler(name string, fn func(context.Context, Event) error) Handler {
	return base.NewCallbackHandler(name, fn)
}

func NewChannelHandler(buffer int) (Handler, <-chan Event, func()) {
	return base.NewChannelHandler(buffer)
}

func Permanent(err error) error {
	return base.Permanent(err)
}
