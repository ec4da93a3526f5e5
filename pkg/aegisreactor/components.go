package aegisreactor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ghalamif/aegisreactor/internal/adapters/commitsink"
	"github.com/ghalamif/aegisreactor/internal/adapters/source"
	"github.com/ghalamif/aegisreactor/internal/app/config"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

const sinkOpenTimeout = 10 * time.Second

// openCommitSink builds the sink selected by commit_sink.type.
func openCommitSink(ctx context.Context, cfg CommitSinkConfig) (ports.CommitSink, error) {
	switch cfg.Type {
	case config.SinkFile:
		return commitsink.NewFileSink(cfg.Dir)
	case config.SinkSQLite:
		return commitsink.NewSQLiteSink(cfg.Path, cfg.Table)
	case config.SinkPostgres:
		ctx, cancel := context.WithTimeout(ctx, sinkOpenTimeout)
		defer cancel()
		return commitsink.OpenPostgres(ctx, cfg.ConnString, cfg.Table)
	default:
		return nil, fmt.Errorf("unknown commit sink type %q", cfg.Type)
	}
}

// buildSources instantiates the adapters declared under sources:. Nothing
// connects until Start opens them.
func buildSources(cfgs []SourceConfig) ([]ports.Source, error) {
	out := make([]ports.Source, 0, len(cfgs))
	for _, sc := range cfgs {
		var (
			src ports.Source
			err error
		)
		switch sc.Type {
		case config.SourceOPCUA:
			src, err = source.NewOPCUASource(sc.ID, *sc.OPCUA)
		case config.SourceKafka:
			src, err = source.NewKafkaSource(sc.ID, *sc.Kafka)
		case config.SourceRedis:
			src, err = source.NewRedisStreamSource(sc.ID, *sc.Redis)
		default:
			err = fmt.Errorf("unknown source type %q", sc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.ID, err)
		}
		out = append(out, src)
	}
	return out, nil
}

// NewLogger builds the slog logger described by cfg, writing to stderr.
func NewLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
