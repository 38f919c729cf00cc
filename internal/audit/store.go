// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package audit persists tool invocation outcomes to SQLite. Writes are
// asynchronous through a bounded queue so the registry's call path never
// blocks on disk.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/relay/internal/registry"
)

// Config contains audit storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// QueueSize bounds the async write queue. When the queue is full,
	// entries are dropped and counted rather than blocking the caller.
	QueueSize int

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Store is a SQLite-backed audit log implementing registry.AuditSink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	queue    chan registry.AuditEntry
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu      sync.Mutex
	dropped int64
}

// New opens the audit database and starts the async writer.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// A single writer avoids SQLite lock contention; reads share it.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		queue:  make(chan registry.AuditEntry, cfg.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run audit migrations: %w", err)
	}

	go s.writer()
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			session_id TEXT,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			error TEXT,
			input_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_started_at ON tool_calls(started_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Record queues one invocation outcome. It never blocks: when the queue
// is full the entry is dropped and counted.
func (s *Store) Record(entry registry.AuditEntry) {
	select {
	case s.queue <- entry:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("audit queue full, entry dropped", "tool", entry.Tool)
	}
}

// Dropped returns how many entries were discarded due to a full queue.
func (s *Store) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// writer drains the queue until Close. Remaining queued entries are
// flushed before the writer exits.
func (s *Store) writer() {
	defer close(s.doneCh)
	for {
		select {
		case entry := <-s.queue:
			s.insert(entry)
		case <-s.stopCh:
			for {
				select {
				case entry := <-s.queue:
					s.insert(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(entry registry.AuditEntry) {
	var inputJSON []byte
	if entry.Input != nil {
		data, err := json.Marshal(entry.Input)
		if err != nil {
			s.logger.Warn("failed to marshal audit input", "tool", entry.Tool, "error", err)
		} else {
			inputJSON = data
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, tool, session_id, started_at, duration_ms, success, error, input_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		entry.Tool,
		entry.SessionID,
		entry.StartedAt.UnixMilli(),
		entry.Duration.Milliseconds(),
		boolToInt(entry.Success),
		entry.Error,
		string(inputJSON),
	)
	if err != nil {
		s.logger.Error("failed to insert audit record", "tool", entry.Tool, "error", err)
	}
}

// Call is one persisted invocation record.
type Call struct {
	ID        string
	Tool      string
	SessionID string
	StartedAt time.Time
	Duration  time.Duration
	Success   bool
	Error     string
	Input     map[string]any
}

// Recent returns the most recent calls for a tool, newest first. An
// empty tool name returns calls across all tools.
func (s *Store) Recent(ctx context.Context, tool string, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, tool, session_id, started_at, duration_ms, success, error, input_json
		FROM tool_calls`
	args := []any{}
	if tool != "" {
		query += ` WHERE tool = ?`
		args = append(args, tool)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		var startedAt, durationMs int64
		var success int
		var inputJSON string
		if err := rows.Scan(&c.ID, &c.Tool, &c.SessionID, &startedAt, &durationMs,
			&success, &c.Error, &inputJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		c.StartedAt = time.UnixMilli(startedAt)
		c.Duration = time.Duration(durationMs) * time.Millisecond
		c.Success = success != 0
		if inputJSON != "" {
			if err := json.Unmarshal([]byte(inputJSON), &c.Input); err != nil {
				s.logger.Warn("failed to decode audit input", "id", c.ID, "error", err)
			}
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// Flush blocks until every queued entry at call time has been written.
func (s *Store) Flush(ctx context.Context) error {
	for {
		if len(s.queue) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Close stops the writer, flushes remaining entries, and closes the
// database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
