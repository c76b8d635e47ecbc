package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/otad/internal/telemetry"
)

// Sink streams update records into ClickHouse using the official client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Store implements telemetry.Sink.
func (s *Sink) Store(ctx context.Context, rec telemetry.Record) error {
	query := fmt.Sprintf(`INSERT INTO %s (timestamp, target_version, status, stage, action, details) VALUES (?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		rec.Timestamp.UTC(),
		rec.TargetVersion,
		string(rec.Status),
		string(rec.Stage),
		rec.Action,
		rec.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to insert update record into ClickHouse: %w", err)
	}
	return nil
}
