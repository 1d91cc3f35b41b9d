// Package calllog persists a ledger of routed tool calls. Records are
// append-only and indexed by timestamp, session, and server.
package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/mcphost/internal/host"
	"github.com/nugget/mcphost/internal/mcp"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Record is one tool invocation.
type Record struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	SessionID string        `json:"session_id,omitempty"`
	Server    string        `json:"server"`
	Tool      string        `json:"tool"`
	Arguments string        `json:"arguments"`
	OK        bool          `json:"ok"`
	ErrorCode int           `json:"error_code,omitempty"`
	ErrorText string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// ServerSummary aggregates calls to one server.
type ServerSummary struct {
	Server   string `json:"server"`
	Calls    int    `json:"calls"`
	Failures int    `json:"failures"`
}

// Store is an append-only SQLite store for call records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates a store at the given database path. The schema is
// created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open call log database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database, running migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate call log schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		session_id  TEXT,
		server      TEXT NOT NULL,
		tool        TEXT NOT NULL,
		arguments   TEXT NOT NULL,
		ok          INTEGER NOT NULL,
		error_code  INTEGER NOT NULL DEFAULT 0,
		error_text  TEXT,
		duration_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_server ON tool_calls(server);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Arguments == "" {
		rec.Arguments = "{}"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, timestamp, session_id, server, tool, arguments, ok, error_code, error_text, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeFormat),
		rec.SessionID,
		rec.Server,
		rec.Tool,
		rec.Arguments,
		rec.OK,
		rec.ErrorCode,
		rec.ErrorText,
		rec.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, COALESCE(session_id, ''), server, tool, arguments,
		        ok, error_code, COALESCE(error_text, ''), duration_ns
		 FROM tool_calls
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec Record
			ts  string
			dur int64
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.SessionID, &rec.Server, &rec.Tool, &rec.Arguments,
			&rec.OK, &rec.ErrorCode, &rec.ErrorText, &dur); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Timestamp, err = time.Parse(timeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse call timestamp %q: %w", ts, err)
		}
		rec.Duration = time.Duration(dur)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SummaryByServer returns per-server call and failure counts for
// records within [start, end), ordered by call count.
func (s *Store) SummaryByServer(ctx context.Context, start, end time.Time) ([]ServerSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, COUNT(*), COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY server
		 ORDER BY COUNT(*) DESC, server ASC`,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by server: %w", err)
	}
	defer rows.Close()

	var out []ServerSummary
	for rows.Next() {
		var sum ServerSummary
		if err := rows.Scan(&sum.Server, &sum.Calls, &sum.Failures); err != nil {
			return nil, fmt.Errorf("scan calls by server: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// FromCall converts a host call record.
func FromCall(c host.CallRecord) Record {
	args := "{}"
	if len(c.Args) > 0 {
		if data, err := json.Marshal(c.Args); err == nil {
			args = string(data)
		}
	}
	rec := Record{
		Timestamp: c.Started,
		SessionID: c.SessionID,
		Server:    c.Server,
		Tool:      c.Tool,
		Arguments: args,
		OK:        c.Err == nil,
		Duration:  c.Duration,
	}
	if c.Err != nil {
		rec.ErrorText = c.Err.Error()
		var rpcErr *mcp.RPCError
		if errors.As(c.Err, &rpcErr) {
			rec.ErrorCode = rpcErr.Code
		}
	}
	return rec
}

// Recorder adapts the store to host.WithRecorder. Write failures are
// passed to onErr, which may be nil.
func (s *Store) Recorder(onErr func(error)) host.Recorder {
	return func(ctx context.Context, c host.CallRecord) {
		// The call's own context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.Record(ctx, FromCall(c)); err != nil && onErr != nil {
			onErr(err)
		}
	}
}
