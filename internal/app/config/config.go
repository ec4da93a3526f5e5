package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/aegisreactor/internal/adapters/source"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

const (
	SinkFile     = "file"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"

	SourceOPCUA = "opcua"
	SourceKafka = "kafka"
	SourceRedis = "redis"
)

type Config struct {
	Policy     ports.Policy     `yaml:"policy"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	CommitSink CommitSinkConfig `yaml:"commit_sink"`
	Sources    []SourceConfig   `yaml:"sources"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

type AdmissionConfig struct {
	// Capacity 0 disables the gate.
	Capacity   int            `yaml:"capacity" env:"REACTOR_ADMISSION_CAPACITY"`
	RefillRate float64        `yaml:"refill_rate" env:"REACTOR_ADMISSION_REFILL_RATE"`
	Adaptive   AdaptiveConfig `yaml:"adaptive"`
}

type AdaptiveConfig struct {
	Enabled           bool    `yaml:"enabled" env:"REACTOR_ADAPTIVE_ENABLED"`
	TargetUtilization float64 `yaml:"target_utilization"`
	MinRate           float64 `yaml:"min_rate"`
	MaxRate           float64 `yaml:"max_rate"`
}

type LedgerConfig struct {
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" env:"REACTOR_CHECKPOINT_INTERVAL"`
	CheckpointBatch    int           `yaml:"checkpoint_batch" env:"REACTOR_CHECKPOINT_BATCH"`
	RetentionHorizon   time.Duration `yaml:"retention_horizon" env:"REACTOR_RETENTION_HORIZON"`
}

type CommitSinkConfig struct {
	Type       string `yaml:"type" env:"REACTOR_COMMIT_SINK"`
	Dir        string `yaml:"dir" env:"REACTOR_COMMIT_DIR"`
	Path       string `yaml:"path" env:"REACTOR_COMMIT_PATH"`
	ConnString string `yaml:"conn_string" env:"REACTOR_COMMIT_CONN_STRING"`
	Table      string `yaml:"table"`
}

type SourceConfig struct {
	Type  string              `yaml:"type"`
	ID    string              `yaml:"id"`
	OPCUA *source.OPCUAConfig `yaml:"opcua,omitempty"`
	Kafka *source.KafkaConfig `yaml:"kafka,omitempty"`
	Redis *source.RedisConfig `yaml:"redis,omitempty"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"REACTOR_METRICS_ADDR"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"REACTOR_LOG_LEVEL"`
	Format string `yaml:"format" env:"REACTOR_LOG_FORMAT"`
}

// Load reads YAML from path, applies REACTOR_* environment overrides, fills
// defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration suitable for in-process use with no
// external sources and a file commit sink.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	p := &c.Policy
	if p.QueueCapacity == 0 {
		p.QueueCapacity = 1024
	}
	if p.Workers == 0 {
		p.Workers = 4
	}
	if p.ReadBudget == 0 {
		p.ReadBudget = 64
	}
	if p.PollTimeout == 0 {
		p.PollTimeout = time.Second
	}
	if p.PushTimeout == 0 {
		p.PushTimeout = 5 * time.Millisecond
	}
	if p.PopTimeout == 0 {
		p.PopTimeout = 250 * time.Millisecond
	}
	if p.Overload == "" {
		p.Overload = ports.OverloadBackpressure
	}
	if p.LowWaterMark == 0 {
		p.LowWaterMark = p.QueueCapacity / 2
	}
	if p.ShutdownGrace == 0 {
		p.ShutdownGrace = 5 * time.Second
	}
	if p.SourceBackoffInitial == 0 {
		p.SourceBackoffInitial = 100 * time.Millisecond
	}
	if p.SourceBackoffMax == 0 {
		p.SourceBackoffMax = 10 * time.Second
	}

	a := &c.Admission.Adaptive
	if a.TargetUtilization == 0 {
		a.TargetUtilization = 0.8
	}
	if a.MaxRate == 0 {
		a.MaxRate = c.Admission.RefillRate
	}

	if c.Ledger.CheckpointInterval == 0 {
		c.Ledger.CheckpointInterval = time.Second
	}
	if c.Ledger.CheckpointBatch == 0 {
		c.Ledger.CheckpointBatch = 256
	}
	if c.Ledger.RetentionHorizon == 0 {
		c.Ledger.RetentionHorizon = time.Hour
	}

	if c.CommitSink.Type == "" {
		c.CommitSink.Type = SinkFile
	}
	if c.CommitSink.Dir == "" {
		c.CommitSink.Dir = "./data/ledger"
	}
	if c.CommitSink.Path == "" {
		c.CommitSink.Path = "./data/ledger.db"
	}
	if c.CommitSink.Table == "" {
		c.CommitSink.Table = "committed_events"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	for i := range c.Sources {
		s := &c.Sources[i]
		switch s.Type {
		case SourceOPCUA:
			if s.OPCUA != nil {
				s.OPCUA.ApplyDefaults()
			}
		case SourceKafka:
			if s.Kafka != nil {
				s.Kafka.ApplyDefaults()
			}
		case SourceRedis:
			if s.Redis != nil {
				s.Redis.ApplyDefaults()
			}
		}
	}
}

func (c *Config) Validate() error {
	p := c.Policy
	if p.QueueCapacity <= 0 {
		return fmt.Errorf("policy.queue_capacity must be > 0")
	}
	if p.Workers <= 0 {
		return fmt.Errorf("policy.workers must be > 0")
	}
	if p.ReadBudget <= 0 {
		return fmt.Errorf("policy.read_budget must be > 0")
	}
	switch p.Overload {
	case ports.OverloadDrop, ports.OverloadBackpressure:
	default:
		return fmt.Errorf("policy.overload %q is not one of drop, backpressure", p.Overload)
	}
	if p.LowWaterMark < 0 || p.LowWaterMark > p.QueueCapacity {
		return fmt.Errorf("policy.low_water_mark must be within [0, queue_capacity]")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("policy.max_retries must be >= 0")
	}
	if p.ServiceRate < 0 {
		return fmt.Errorf("policy.service_rate must be >= 0")
	}

	if c.Admission.Capacity < 0 {
		return fmt.Errorf("admission.capacity must be >= 0")
	}
	if c.Admission.Capacity > 0 && c.Admission.RefillRate <= 0 {
		return fmt.Errorf("admission.refill_rate must be > 0 when the gate is enabled")
	}
	if a := c.Admission.Adaptive; a.Enabled {
		if a.TargetUtilization <= 0 || a.TargetUtilization >= 1 {
			return fmt.Errorf("admission.adaptive.target_utilization must be in (0, 1)")
		}
		if a.MinRate < 0 || (a.MaxRate > 0 && a.MaxRate < a.MinRate) {
			return fmt.Errorf("admission.adaptive rate bounds are inconsistent")
		}
		if c.Admission.Capacity == 0 {
			return fmt.Errorf("admission.adaptive requires admission.capacity > 0")
		}
	}

	switch c.CommitSink.Type {
	case SinkFile:
		if c.CommitSink.Dir == "" {
			return fmt.Errorf("commit_sink.dir is required")
		}
	case SinkSQLite:
		if c.CommitSink.Path == "" {
			return fmt.Errorf("commit_sink.path is required")
		}
	case SinkPostgres:
		if c.CommitSink.ConnString == "" {
			return fmt.Errorf("commit_sink.conn_string is required")
		}
	default:
		return fmt.Errorf("commit_sink.type %q is not one of file, sqlite, postgres", c.CommitSink.Type)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is invalid", c.Log.Level)
	}

	seen := make(map[string]struct{}, len(c.Sources))
	var errs []error
	for i, s := range c.Sources {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d].id is required", i))
			continue
		}
		if _, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = struct{}{}
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d] (%s): %w", i, s.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s SourceConfig) validate() error {
	switch s.Type {
	case SourceOPCUA:
		if s.OPCUA == nil {
			return errors.New("opcua section is required")
		}
		return s.OPCUA.Validate()
	case SourceKafka:
		if s.Kafka == nil {
			return errors.New("kafka section is required")
		}
		return s.Kafka.Validate()
	case SourceRedis:
		if s.Redis == nil {
			return errors.New("redis section is required")
		}
		return s.Redis.Validate()
	default:
		return fmt.Errorf("unknown source type %q", s.Type)
	}
}
