package commitsink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

var sqliteTableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteSink keeps the committed set in a local SQLite file.
type SQLiteSink struct {
	db        *sql.DB
	tableName string
	mu        sync.RWMutex
	closed    bool
}

func NewSQLiteSink(path, table string) (*SQLiteSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !sqliteTableRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer at a time; SQLite serializes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + table + ` (
		source_id TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		committed_at INTEGER NOT NULL,
		PRIMARY KEY (source_id, event_id)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_` + table + `_committed_at ON ` + table + `(committed_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &SQLiteSink{db: db, tableName: table}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Persist(ctx context.Context, records []ports.CommitRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sql.ErrConnDone
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO "+s.tableName+" (source_id, event_id, committed_at) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Key.SourceID, int64(r.Key.ID), r.CommittedAt.UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", r.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Load(ctx context.Context, since time.Time) ([]ports.CommitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, sql.ErrConnDone
	}

	var sinceNanos int64
	if !since.IsZero() {
		sinceNanos = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT source_id, event_id, committed_at FROM "+s.tableName+" WHERE committed_at >= ? ORDER BY committed_at", sinceNanos)
	if err != nil {
		return nil, fmt.Errorf("load committed keys: %w", err)
	}
	defer rows.Close()

	var out []ports.CommitRecord
	for rows.Next() {
		var (
			src   string
			id    int64
			nanos int64
		)
		if err := rows.Scan(&src, &id, &nanos); err != nil {
			return nil, fmt.Errorf("scan committed key: %w", err)
		}
		out = append(out, ports.CommitRecord{
			Key:         domain.Key{SourceID: src, ID: uint64(id)},
			CommittedAt: time.Unix(0, nanos),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate committed keys: %w", err)
	}
	return out, nil
}

func (s *SQLiteSink) Truncate(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sql.ErrConnDone
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+s.tableName+" WHERE committed_at < ?", before.UnixNano()); err != nil {
		return fmt.Errorf("truncate committed keys: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ ports.CommitSink = (*SQLiteSink)(nil)
