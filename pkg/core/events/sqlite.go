package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteSink appends events to a SQLite file so the log survives process
// restarts. The in-memory ring stays authoritative for queries and the
// live feed; this is write-only durability.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER NOT NULL,
		ts_ms INTEGER NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		data_json TEXT,
		duration_ms INTEGER,
		session_id TEXT,
		correlation_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ms, id);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Append(e Event) error {
	var dataJSON any
	if len(e.Data) > 0 {
		raw, err := json.Marshal(e.Data)
		if err == nil {
			dataJSON = string(raw)
		}
	}
	var duration any
	if e.DurationMS != nil {
		duration = *e.DurationMS
	}
	_, err := s.db.Exec(
		`INSERT INTO events (id, ts_ms, kind, message, data_json, duration_ms, session_id, correlation_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), string(e.Kind), e.Message,
		dataJSON, duration, nullable(e.SessionID), nullable(e.CorrelationID),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
