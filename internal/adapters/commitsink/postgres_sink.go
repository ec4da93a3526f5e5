package commitsink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

const (
	DefaultTable = "committed_events"
	pgMaxRows    = 1000
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

type PostgresSink struct {
	db        *sql.DB
	tableName string
}

func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresSink{db: db, tableName: table}
}

// OpenPostgres connects through lib/pq and makes sure the ledger table exists.
func OpenPostgres(ctx context.Context, connString, table string) (*PostgresSink, error) {
	if table != "" && !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresSink(db, table)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (p *PostgresSink) Name() string { return "postgres" }

func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+p.tableName+
		" (source_id TEXT NOT NULL, event_id BIGINT NOT NULL, committed_at TIMESTAMPTZ NOT NULL, PRIMARY KEY (source_id, event_id))")
	if err != nil {
		return fmt.Errorf("create %s: %w", p.tableName, err)
	}
	return nil
}

func (p *PostgresSink) Persist(ctx context.Context, records []ports.CommitRecord) error {
	for start := 0; start < len(records); start += pgMaxRows {
		end := start + pgMaxRows
		if end > len(records) {
			end = len(records)
		}
		if err := p.insert(ctx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresSink) insert(ctx context.Context, records []ports.CommitRecord) error {
	if len(records) == 0 {
		return nil
	}

	// ON CONFLICT DO NOTHING keeps a retried checkpoint idempotent
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.tableName)
	b.WriteString(" (source_id, event_id, committed_at) VALUES ")

	args := make([]any, 0, len(records)*3)
	for i, r := range records {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d)", len(args)+1, len(args)+2, len(args)+3))
		args = append(args, r.Key.SourceID, int64(r.Key.ID), r.CommittedAt)
	}
	b.WriteString(" ON CONFLICT (source_id, event_id) DO NOTHING")

	if _, err := p.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert committed keys: %w", err)
	}
	return nil
}

func (p *PostgresSink) Load(ctx context.Context, since time.Time) ([]ports.CommitRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT source_id, event_id, committed_at FROM "+p.tableName+" WHERE committed_at >= $1 ORDER BY committed_at", since)
	if err != nil {
		return nil, fmt.Errorf("load committed keys: %w", err)
	}
	defer rows.Close()
	return scanCommitRows(rows)
}

func (p *PostgresSink) Truncate(ctx context.Context, before time.Time) error {
	if _, err := p.db.ExecContext(ctx, "DELETE FROM "+p.tableName+" WHERE committed_at < $1", before); err != nil {
		return fmt.Errorf("truncate committed keys: %w", err)
	}
	return nil
}

func (p *PostgresSink) Close() error { return p.db.Close() }

func scanCommitRows(rows *sql.Rows) ([]ports.CommitRecord, error) {
	var out []ports.CommitRecord
	for rows.Next() {
		var (
			src string
			id  int64
			at  time.Time
		)
		if err := rows.Scan(&src, &id, &at); err != nil {
			return nil, fmt.Errorf("scan committed key: %w", err)
		}
		out = append(out, ports.CommitRecord{Key: domain.Key{SourceID: src, ID: uint64(id)}, CommittedAt: at})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate committed keys: %w", err)
	}
	return out, nil
}

var _ ports.CommitSink = (*PostgresSink)(nil)
