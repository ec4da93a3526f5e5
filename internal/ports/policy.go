package ports

import "time"

const (
	OverloadDrop         = "drop"
	OverloadBackpressure = "backpressure"
)

type Policy struct {
	QueueCapacity int           `yaml:"queue_capacity" env:"REACTOR_QUEUE_CAPACITY"`
	Workers       int           `yaml:"workers" env:"REACTOR_WORKERS"`
	ReadBudget    int           `yaml:"read_budget" env:"REACTOR_READ_BUDGET"`
	PollTimeout   time.Duration `yaml:"poll_timeout" env:"REACTOR_POLL_TIMEOUT"`
	PushTimeout   time.Duration `yaml:"push_timeout" env:"REACTOR_PUSH_TIMEOUT"`
	PopTimeout    time.Duration `yaml:"pop_timeout" env:"REACTOR_POP_TIMEOUT"`

	Overload     string `yaml:"overload" env:"REACTOR_OVERLOAD"` // "drop", "backpressure"
	LowWaterMark int    `yaml:"low_water_mark" env:"REACTOR_LOW_WATER_MARK"`

	MaxRetries    int           `yaml:"max_retries" env:"REACTOR_MAX_RETRIES"`
	EventDeadline time.Duration `yaml:"event_deadline" env:"REACTOR_EVENT_DEADLINE"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"REACTOR_SHUTDOWN_GRACE"`

	// ServiceRate is the expected per-worker service rate (events/s), μ.
	ServiceRate float64 `yaml:"service_rate" env:"REACTOR_SERVICE_RATE"`

	SourceBackoffInitial time.Duration `yaml:"source_backoff_initial"`
	SourceBackoffMax     time.Duration `yaml:"source_backoff_max"`
}
