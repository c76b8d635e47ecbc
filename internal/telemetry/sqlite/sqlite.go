package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/otad/internal/telemetry"
)

// Sink journals update records into a local SQLite database
// (modernc.org/sqlite driver, CGO-free). Use ":memory:" for an in-memory
// journal in tests.
type Sink struct {
	db *sql.DB
}

func New(path string) (*Sink, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &Sink{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS update_log(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			target_version TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT,
			action TEXT,
			details TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_update_log_version ON update_log(target_version);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Close() error { return s.db.Close() }

// Store implements telemetry.Sink.
func (s *Sink) Store(ctx context.Context, rec telemetry.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_log(timestamp, target_version, status, stage, action, details)
		VALUES(?, ?, ?, ?, ?, ?);`,
		rec.Timestamp.UTC(), rec.TargetVersion, string(rec.Status), string(rec.Stage), rec.Action, rec.Details,
	)
	return err
}

// Recent returns up to limit records, newest first. The daemon status API
// uses this to show the last update outcomes.
func (s *Sink) Recent(ctx context.Context, limit int) ([]telemetry.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, target_version, status, stage, action, details
		FROM update_log ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []telemetry.Record
	for rows.Next() {
		var rec telemetry.Record
		var status, stage string
		if err := rows.Scan(&rec.Timestamp, &rec.TargetVersion, &status, &stage, &rec.Action, &rec.Details); err != nil {
			return nil, err
		}
		rec.Status = telemetry.Status(status)
		rec.Stage = telemetry.Stage(stage)
		out = append(out, rec)
	}
	return out, rows.Err()
}
