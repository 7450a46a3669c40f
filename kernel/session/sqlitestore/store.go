package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/OnslaughtSnail/patchproxy/kernel/session"
	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"
	dsnOptions = "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)"
)

// Store persists call records in a sqlite database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and migrates) the database at path. Use ":memory:" for a
// throw-away database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create dir: %w", err)
		}
		dsn = path + dsnOptions
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS contexts (
	app_name TEXT NOT NULL,
	task_id TEXT NOT NULL,
	context_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (app_name, task_id, context_id)
);
CREATE TABLE IF NOT EXISTS tool_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	app_name TEXT NOT NULL,
	task_id TEXT NOT NULL,
	context_id TEXT NOT NULL,
	call_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	tool TEXT NOT NULL,
	arguments_json TEXT NOT NULL,
	result TEXT NOT NULL,
	called_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_context
ON tool_calls(app_name, task_id, context_id, id);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return nil
}

func (s *Store) GetOrCreate(ctx context.Context, req *session.Session) (*session.Session, error) {
	if err := session.Validate(req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := req.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	const insert = `
INSERT INTO contexts (app_name, task_id, context_id, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(app_name, task_id, context_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert, req.AppName, req.TaskID, req.ID, created.UnixMilli()); err != nil {
		return nil, fmt.Errorf("sqlitestore: create context: %w", err)
	}
	const q = `SELECT created_at FROM contexts WHERE app_name = ? AND task_id = ? AND context_id = ?`
	var createdAt int64
	if err := s.db.QueryRowContext(ctx, q, req.AppName, req.TaskID, req.ID).Scan(&createdAt); err != nil {
		return nil, fmt.Errorf("sqlitestore: load context: %w", err)
	}
	out := *req
	out.CreatedAt = time.UnixMilli(createdAt)
	return &out, nil
}

func (s *Store) AppendCall(ctx context.Context, req *session.Session, rec *session.CallRecord) error {
	if rec == nil {
		return fmt.Errorf("sqlitestore: call record is nil")
	}
	if err := session.Validate(req); err != nil {
		return err
	}
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode arguments: %w", err)
	}
	at := rec.Time
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.hasContext(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return session.ErrSessionNotFound
	}
	const q = `
INSERT INTO tool_calls (app_name, task_id, context_id, call_id, seq, tool, arguments_json, result, called_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		req.AppName, req.TaskID, req.ID,
		rec.ID, rec.Seq, rec.Tool, string(args), rec.Result, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append call: %w", err)
	}
	return nil
}

func (s *Store) ListCalls(ctx context.Context, req *session.Session) ([]*session.CallRecord, error) {
	if err := session.Validate(req); err != nil {
		return nil, err
	}
	const q = `
SELECT call_id, seq, tool, arguments_json, result, called_at
FROM tool_calls
WHERE app_name = ? AND task_id = ? AND context_id = ?
ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, req.AppName, req.TaskID, req.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*session.CallRecord{}
	for rows.Next() {
		rec := &session.CallRecord{TaskID: req.TaskID, ContextID: req.ID}
		var args string
		var calledAt int64
		if err := rows.Scan(&rec.ID, &rec.Seq, &rec.Tool, &args, &rec.Result, &calledAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(args), &rec.Arguments); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode arguments of %s: %w", rec.ID, err)
		}
		rec.Time = time.Unix(0, calledAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListContexts(ctx context.Context, appName, taskID string) ([]*session.Session, error) {
	const q = `
SELECT context_id, created_at
FROM contexts
WHERE app_name = ? AND task_id = ?
ORDER BY created_at ASC, context_id ASC`
	rows, err := s.db.QueryContext(ctx, q, appName, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*session.Session{}
	for rows.Next() {
		sess := &session.Session{AppName: appName, TaskID: taskID}
		var createdAt int64
		if err := rows.Scan(&sess.ID, &createdAt); err != nil {
			return nil, err
		}
		sess.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) hasContext(ctx context.Context, req *session.Session) (bool, error) {
	const q = `SELECT 1 FROM contexts WHERE app_name = ? AND task_id = ? AND context_id = ? LIMIT 1`
	var one int
	if err := s.db.QueryRowContext(ctx, q, req.AppName, req.TaskID, req.ID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
