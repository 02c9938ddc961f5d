package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id           TEXT PRIMARY KEY,
	priority          INTEGER NOT NULL,
	original_priority INTEGER NOT NULL,
	description       TEXT NOT NULL,
	category          TEXT NOT NULL DEFAULT 'other',
	status            TEXT NOT NULL DEFAULT 'pending',
	assigned_agent    TEXT NOT NULL DEFAULT '',
	verifier_agent    TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT,
	boost_count       INTEGER NOT NULL DEFAULT 0,
	batch_id          TEXT NOT NULL DEFAULT '',
	metadata          TEXT NOT NULL DEFAULT '{}',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	max_retries       INTEGER NOT NULL DEFAULT 3,
	dependencies      TEXT NOT NULL DEFAULT '[]',
	tags              TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS batches (
	batch_id   TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	priority   INTEGER NOT NULL,
	task_ids   TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS queue_metrics (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp             TEXT NOT NULL,
	total_tasks           INTEGER,
	pending_tasks         INTEGER,
	running_tasks         INTEGER,
	completed_tasks       INTEGER,
	failed_tasks          INTEGER,
	blocked_tasks         INTEGER,
	p0_count              INTEGER,
	p1_count              INTEGER,
	p2_count              INTEGER,
	p3_count              INTEGER,
	avg_wait_time_seconds REAL,
	boosted_tasks         INTEGER
);

CREATE TABLE IF NOT EXISTS task_history (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id   TEXT NOT NULL,
	action    TEXT NOT NULL,
	old_value TEXT,
	new_value TEXT,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_category ON tasks(category);
CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_id);
CREATE INDEX IF NOT EXISTS idx_history_task ON task_history(task_id);
`

const taskColumns = `task_id, priority, original_priority, description, category,
	status, assigned_agent, verifier_agent, created_at, updated_at,
	started_at, completed_at, boost_count, batch_id, metadata,
	retry_count, max_retries, dependencies, tags`

const orderByUrgency = ` ORDER BY priority ASC, created_at ASC, task_id ASC`

// timeLayout is fixed width so TEXT columns sort chronologically and stay
// readable by SQLite's julianday().
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY within one process
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save inserts or replaces a task.
func (s *SQLiteStore) Save(ctx context.Context, t *Task) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return upsertTask(ctx, tx, t)
	})
}

// Commit saves t and appends ev atomically.
func (s *SQLiteStore) Commit(ctx context.Context, t *Task, ev HistoryEvent) error {
	if ev.TaskID == "" {
		ev.TaskID = t.ID
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertTask(ctx, tx, t); err != nil {
			return err
		}
		return insertHistory(ctx, tx, ev)
	})
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListPending returns pending tasks ordered by urgency.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*Task, error) {
	return s.ListByStatus(ctx, StatusPending)
}

// ListByStatus returns tasks with the given status ordered by urgency.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ?`+orderByUrgency, string(status))
}

// ListByCategory returns tasks of a category, optionally filtered by status.
func (s *SQLiteStore) ListByCategory(ctx context.Context, category string, status *Status) ([]*Task, error) {
	if status != nil {
		return s.queryTasks(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE category = ? AND status = ?`+orderByUrgency,
			category, string(*status))
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE category = ?`+orderByUrgency, category)
}

// Delete removes a task and appends a deleted event when a row existed.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		existed = rows > 0
		if !existed {
			return nil
		}
		return insertHistory(ctx, tx, NewEvent(id, ActionDeleted, "", ""))
	})
	return existed, err
}

// RecordHistory appends an audit event.
func (s *SQLiteStore) RecordHistory(ctx context.Context, ev HistoryEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertHistory(ctx, tx, ev)
	})
}

// History returns the events recorded for a task, oldest first.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, action, old_value, new_value, timestamp
		 FROM task_history WHERE task_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var events []HistoryEvent
	for rows.Next() {
		var ev HistoryEvent
		var oldValue, newValue sql.NullString
		var ts string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Action, &oldValue, &newValue, &ts); err != nil {
			return nil, err
		}
		if oldValue.Valid {
			ev.OldValue = &oldValue.String
		}
		if newValue.Valid {
			ev.NewValue = &newValue.String
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SaveBatch inserts or replaces a batch summary.
func (s *SQLiteStore) SaveBatch(ctx context.Context, b *BatchSummary) error {
	ids, _ := json.Marshal(b.TaskIDs)
	status := b.Status
	if status == "" {
		status = StatusPending
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO batches (batch_id, category, priority, task_ids, created_at, status)
			VALUES (?,?,?,?,?,?)`,
			b.ID, b.Category, int(b.Priority), string(ids), formatTime(b.CreatedAt), string(status))
		if err != nil {
			return fmt.Errorf("save batch: %w", err)
		}
		return nil
	})
}

// ListBatches returns recent batch summaries, newest first.
func (s *SQLiteStore) ListBatches(ctx context.Context, limit int) ([]*BatchSummary, error) {
	q := `SELECT batch_id, category, priority, task_ids, created_at, status FROM batches ORDER BY created_at DESC, batch_id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*BatchSummary
	for rows.Next() {
		var b BatchSummary
		var priority int
		var ids, created, status string
		if err := rows.Scan(&b.ID, &b.Category, &priority, &ids, &created, &status); err != nil {
			return nil, err
		}
		b.Priority = Priority(priority)
		b.Status = Status(status)
		_ = json.Unmarshal([]byte(ids), &b.TaskIDs)
		if b.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// Statistics aggregates counts and wait times in a single read transaction.
func (s *SQLiteStore) Statistics(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{PendingByPriority: make(map[string]int), Timestamp: now.UTC()}
	for _, p := range Priorities() {
		stats.PendingByPriority[p.Name()] = 0
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
		if err != nil {
			return fmt.Errorf("count by status: %w", err)
		}
		for rows.Next() {
			var st string
			var n int
			if err := rows.Scan(&st, &n); err != nil {
				rows.Close()
				return err
			}
			stats.setStatusCount(Status(st), n)
		}
		rows.Close()

		rows, err = tx.QueryContext(ctx,
			`SELECT priority, COUNT(*) FROM tasks WHERE status = 'pending' GROUP BY priority`)
		if err != nil {
			return fmt.Errorf("count by priority: %w", err)
		}
		for rows.Next() {
			var p, n int
			if err := rows.Scan(&p, &n); err != nil {
				rows.Close()
				return err
			}
			stats.PendingByPriority[Priority(p).Name()] = n
		}
		rows.Close()

		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE boost_count > 0`).Scan(&stats.BoostedCount); err != nil {
			return fmt.Errorf("count boosted: %w", err)
		}

		var avgWait sql.NullFloat64
		if err := tx.QueryRowContext(ctx, `
			SELECT AVG((julianday(started_at) - julianday(created_at)) * 86400)
			FROM tasks WHERE started_at IS NOT NULL`).Scan(&avgWait); err != nil {
			return fmt.Errorf("average wait: %w", err)
		}
		if avgWait.Valid {
			stats.AvgWaitSeconds = round2(avgWait.Float64)
		}

		var oldest sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT MIN(created_at) FROM tasks WHERE status = 'pending'`).Scan(&oldest); err != nil {
			return fmt.Errorf("oldest pending: %w", err)
		}
		if oldest.Valid {
			created, err := parseTime(oldest.String)
			if err != nil {
				return err
			}
			stats.OldestPendingHours = round2(now.Sub(created).Hours())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// SaveMetricsSnapshot appends a row to queue_metrics.
func (s *SQLiteStore) SaveMetricsSnapshot(ctx context.Context, st *Stats) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO queue_metrics (
				timestamp, total_tasks, pending_tasks, running_tasks, completed_tasks,
				failed_tasks, blocked_tasks, p0_count, p1_count, p2_count, p3_count,
				avg_wait_time_seconds, boosted_tasks
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			formatTime(st.Timestamp), st.Total(), st.PendingCount, st.RunningCount,
			st.CompletedCount, st.FailedCount, st.BlockedCount,
			st.PendingByPriority[P0Critical.Name()], st.PendingByPriority[P1High.Name()],
			st.PendingByPriority[P2Medium.Name()], st.PendingByPriority[P3Low.Name()],
			st.AvgWaitSeconds, st.BoostedCount,
		)
		if err != nil {
			return fmt.Errorf("save metrics snapshot: %w", err)
		}
		return nil
	})
}

// CountMetricsSnapshots returns how many snapshots have been recorded.
func (s *SQLiteStore) CountMetricsSnapshots(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_metrics`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) queryTasks(ctx context.Context, q string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// inTx runs fn in a transaction, retrying while another process holds the
// database lock.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func upsertTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	if !t.Priority.Valid() {
		return fmt.Errorf("save task %s: %w: value %d", t.ID, ErrMalformedPriority, int(t.Priority))
	}
	metadata, _ := json.Marshal(nonNilMap(t.Metadata))
	deps, _ := json.Marshal(nonNilSlice(t.Dependencies))
	tags, _ := json.Marshal(nonNilSlice(t.Tags))

	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, int(t.Priority), int(t.OriginalPriority), t.Description, t.Category,
		string(t.Status), t.AssignedAgent, t.VerifierAgent,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.BoostCount, t.BatchID, string(metadata),
		t.RetryCount, t.MaxRetries, string(deps), string(tags),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, ev HistoryEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_history (task_id, action, old_value, new_value, timestamp)
		VALUES (?,?,?,?,?)`,
		ev.TaskID, ev.Action, nullString(ev.OldValue), nullString(ev.NewValue), formatTime(ts))
	if err != nil {
		return fmt.Errorf("record history %s/%s: %w", ev.TaskID, ev.Action, err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, created, updated, metadataJSON, depsJSON, tagsJSON string
	var priority, original int
	var startedAt, completedAt sql.NullString

	err := s.Scan(
		&t.ID, &priority, &original, &t.Description, &t.Category,
		&status, &t.AssignedAgent, &t.VerifierAgent, &created, &updated,
		&startedAt, &completedAt, &t.BoostCount, &t.BatchID, &metadataJSON,
		&t.RetryCount, &t.MaxRetries, &depsJSON, &tagsJSON,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)
	t.OriginalPriority = Priority(original)

	_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)
	_ = json.Unmarshal([]byte(depsJSON), &t.Dependencies)
	_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	if len(t.Metadata) == 0 {
		t.Metadata = nil
	}
	if len(t.Dependencies) == 0 {
		t.Dependencies = nil
	}
	if len(t.Tags) == 0 {
		t.Tags = nil
	}

	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		ts, err := parseTime(startedAt.String)
		if err != nil {
			return nil, err
		}
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		t.CompletedAt = &ts
	}
	return &t, nil
}

// retryOnBusy retries f with capped exponential backoff while SQLite
// reports BUSY or LOCKED.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isBusy reports whether err carries SQLITE_BUSY or SQLITE_LOCKED, extended
// codes included.
func isBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
