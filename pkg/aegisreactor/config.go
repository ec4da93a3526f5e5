package aegisreactor

import (
	"github.com/ghalamif/aegisreactor/internal/adapters/source"
	"github.com/ghalamif/aegisreactor/internal/app/config"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy holds queue, worker, retry and shutdown knobs.
	Policy = ports.Policy
	// AdmissionConfig configures the token-bucket gate.
	AdmissionConfig = config.AdmissionConfig
	AdaptiveConfig  = config.AdaptiveConfig
	// LedgerConfig controls checkpoint cadence and retention.
	LedgerConfig = config.LedgerConfig
	// CommitSinkConfig selects where committed keys are persisted.
	CommitSinkConfig = config.CommitSinkConfig
	// SourceConfig declares one external source.
	SourceConfig  = config.SourceConfig
	MetricsConfig = config.MetricsConfig
	LogConfig     = config.LogConfig

	OPCUAConfig     = source.OPCUAConfig
	OPCUANodeConfig = source.OPCUANodeConfig
	KafkaConfig     = source.KafkaConfig
	RedisConfig     = source.RedisConfig
)

const (
	OverloadDrop         = ports.OverloadDrop
	OverloadBackpressure = ports.OverloadBackpressure
)

// LoadConfig loads YAML from disk, applies REACTOR_* environment overrides and validates it.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns a validated configuration with no external sources.
func DefaultConfig() *Config {
	return config.Default()
}
