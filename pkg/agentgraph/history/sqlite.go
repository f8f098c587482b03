package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore archives histories to SQLite for inspection after a run.
// Blackboard values round-trip through JSON, so numbers read back as float64.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the archive at path. ":memory:" works for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (run_id, idx)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(step Step) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Step{}, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Step{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var next int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(idx), -1) + 1 FROM steps WHERE run_id = ?`, step.RunID,
	).Scan(&next); err != nil {
		return Step{}, fmt.Errorf("next index: %w", err)
	}
	step.Index = next
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}

	data, err := json.Marshal(step)
	if err != nil {
		return Step{}, fmt.Errorf("encode step: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO steps (run_id, idx, node_id, status, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, step.RunID, step.Index, step.NodeID, step.Status,
		step.Timestamp.UTC().Format(time.RFC3339Nano), data); err != nil {
		return Step{}, fmt.Errorf("insert step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Step{}, fmt.Errorf("commit: %w", err)
	}
	return step, nil
}

func (s *SQLiteStore) List(runID string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT data FROM steps WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := []Step{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		var st Step
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

func (s *SQLiteStore) Get(runID string, index int) (Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Step{}, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRow(`SELECT data FROM steps WHERE run_id = ? AND idx = ?`, runID, index).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	if err != nil {
		return Step{}, fmt.Errorf("load step: %w", err)
	}
	var st Step
	if err := json.Unmarshal(data, &st); err != nil {
		return Step{}, fmt.Errorf("decode step: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Truncate(runID string, last int) error {
	return s.exec("truncate steps", `DELETE FROM steps WHERE run_id = ? AND idx > ?`, runID, last)
}

func (s *SQLiteStore) DeleteRun(runID string) error {
	return s.exec("delete run steps", `DELETE FROM steps WHERE run_id = ?`, runID)
}

func (s *SQLiteStore) exec(op, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
