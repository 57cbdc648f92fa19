package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS task_history (
    task_id           TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    owner_kind        TEXT NOT NULL,
    handler           TEXT NOT NULL,
    priority          TEXT NOT NULL,
    success           INTEGER NOT NULL,
    error             TEXT,
    execution_time_ms INTEGER NOT NULL,
    memory_usage_mb   REAL NOT NULL,
    created_at        DATETIME NOT NULL,
    finished_at       DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Journal = (*SQLite)(nil)

// SQLite implements Journal using SQLite.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the SQLite database at dsn and runs migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A memory database is scoped to its connection; cap the pool so
	// every query sees the same database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createHistoryTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create task_history table: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Record inserts a finished task record.
func (s *SQLite) Record(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_history (
			task_id, owner_id, owner_kind, handler, priority, success,
			error, execution_time_ms, memory_usage_mb, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.OwnerID, r.OwnerKind, r.Handler, r.Priority, r.Success,
		r.Error, r.ExecutionTimeMS, r.MemoryUsageMB, r.CreatedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Get retrieves the record for a task ID.
func (s *SQLite) Get(ctx context.Context, taskID string) (*Record, error) {
	r := &Record{}
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, owner_id, owner_kind, handler, priority, success,
			error, execution_time_ms, memory_usage_mb, created_at, finished_at
		FROM task_history WHERE task_id = ?`, taskID,
	).Scan(
		&r.TaskID, &r.OwnerID, &r.OwnerKind, &r.Handler, &r.Priority, &r.Success,
		&r.Error, &r.ExecutionTimeMS, &r.MemoryUsageMB, &r.CreatedAt, &r.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// Recent returns a paginated list of records ordered by finished_at DESC,
// along with the total count of all records.
func (s *SQLite) Recent(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT task_id, owner_id, owner_kind, handler, priority, success,
			error, execution_time_ms, memory_usage_mb, created_at, finished_at
		FROM task_history ORDER BY finished_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(
			&r.TaskID, &r.OwnerID, &r.OwnerKind, &r.Handler, &r.Priority, &r.Success,
			&r.Error, &r.ExecutionTimeMS, &r.MemoryUsageMB, &r.CreatedAt, &r.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate records: %w", err)
	}

	return records, total, nil
}

// Stats aggregates outcome counts, per-handler counts, and the average
// execution time across all records.
func (s *SQLite) Stats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{
		CountByOutcome: make(map[string]int),
		CountByHandler: make(map[string]int),
	}

	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(execution_time_ms), 0) FROM task_history",
	).Scan(&stats.Total, &stats.AvgExecutionMS)
	if err != nil {
		return nil, fmt.Errorf("aggregate records: %w", err)
	}

	outcomes, err := tx.QueryContext(ctx,
		"SELECT success, COUNT(*) FROM task_history GROUP BY success")
	if err != nil {
		return nil, fmt.Errorf("count by outcome: %w", err)
	}
	defer outcomes.Close()

	for outcomes.Next() {
		var success bool
		var n int
		if err := outcomes.Scan(&success, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		if success {
			stats.CountByOutcome["completed"] = n
		} else {
			stats.CountByOutcome["failed"] = n
		}
	}
	if err := outcomes.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}

	handlers, err := tx.QueryContext(ctx,
		"SELECT handler, COUNT(*) FROM task_history GROUP BY handler")
	if err != nil {
		return nil, fmt.Errorf("count by handler: %w", err)
	}
	defer handlers.Close()

	for handlers.Next() {
		var ref string
		var n int
		if err := handlers.Scan(&ref, &n); err != nil {
			return nil, fmt.Errorf("scan handler count: %w", err)
		}
		stats.CountByHandler[ref] = n
	}
	if err := handlers.Err(); err != nil {
		return nil, fmt.Errorf("iterate handler counts: %w", err)
	}

	return stats, nil
}

// Prune deletes records that finished before the cutoff and reports how
// many were removed.
func (s *SQLite) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM task_history WHERE finished_at < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}
