package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ossgate/ossgate/internal/uid"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteQueue implements Queue on a SQLite database, normally the catalog's.
// Claiming is a single UPDATE ... RETURNING statement, which SQLite executes
// under its write lock, so two workers never claim the same task.
type SQLiteQueue struct {
	db                *sql.DB
	visibilityTimeout time.Duration
	now               func() time.Time
}

// NewSQLiteQueue creates the tasks table in db if needed.
func NewSQLiteQueue(db *sql.DB, visibilityTimeout time.Duration) (*SQLiteQueue, error) {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	q := &SQLiteQueue{db: db, visibilityTimeout: visibilityTimeout, now: time.Now}

	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			status       TEXT NOT NULL,
			payload      BLOB NOT NULL,
			dedup_key    TEXT NOT NULL DEFAULT '',
			scheduled_at TEXT NOT NULL,
			started_at   TEXT,
			completed_at TEXT,
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_retries  INTEGER NOT NULL,
			retry_after  TEXT NOT NULL DEFAULT '',
			last_error   TEXT NOT NULL DEFAULT '',
			worker_id    TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, scheduled_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_dedup ON tasks(dedup_key)
			WHERE dedup_key != '' AND status IN ('pending', 'running');
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating tasks table: %w", err)
	}
	return q, nil
}

const taskColumns = `id, type, status, payload, dedup_key, scheduled_at, started_at, completed_at,
	attempts, max_retries, retry_after, last_error, worker_id, created_at, updated_at`

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                              Task
		payload                        []byte
		typ, status                    string
		scheduled, retryAfter, created string
		updated                        string
		started, completed             sql.NullString
	)
	err := row.Scan(&t.ID, &typ, &status, &payload, &t.DedupKey, &scheduled, &started, &completed,
		&t.Attempts, &t.MaxRetries, &retryAfter, &t.LastError, &t.WorkerID, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Type = TaskType(typ)
	t.Status = TaskStatus(status)
	t.Payload = payload
	t.ScheduledAt = parseTime(scheduled)
	t.StartedAt = parseTimePtr(started)
	t.CompletedAt = parseTimePtr(completed)
	t.RetryAfter = parseTime(retryAfter)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uid.New()
	}
	task.withDefaults(q.now())
	payload := []byte(task.Payload)
	if payload == nil {
		payload = []byte("null")
	}

	_, err := q.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Type), string(task.Status), payload, task.DedupKey,
		fmtTime(task.ScheduledAt), fmtTimePtr(task.StartedAt), fmtTimePtr(task.CompletedAt),
		task.Attempts, task.MaxRetries, fmtTime(task.RetryAfter), task.LastError, task.WorkerID,
		fmtTime(task.CreatedAt), fmtTime(task.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") && task.DedupKey != "" {
			return ErrDuplicate
		}
		return fmt.Errorf("enqueueing task: %w", err)
	}
	enqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	now := q.now()
	nowStr := fmtTime(now)
	stale := fmtTime(now.Add(-q.visibilityTimeout))

	args := []any{workerID, nowStr, nowStr, nowStr, nowStr, stale}
	typeClause := ""
	if len(taskTypes) > 0 {
		placeholders := make([]string, len(taskTypes))
		for i, tt := range taskTypes {
			placeholders[i] = "?"
			args = append(args, string(tt))
		}
		typeClause = " AND type IN (" + strings.Join(placeholders, ", ") + ")"
	}

	// A reclaimed task (still running past its visibility timeout) counts
	// the lost run as an attempt.
	query := `UPDATE tasks SET
			status = 'running',
			worker_id = ?,
			started_at = ?,
			updated_at = ?,
			attempts = attempts + CASE WHEN status = 'running' THEN 1 ELSE 0 END
		WHERE id = (
			SELECT id FROM tasks
			WHERE ((status = 'pending' AND scheduled_at <= ? AND retry_after <= ?)
				OR (status = 'running' AND updated_at < ?))` + typeClause + `
			ORDER BY scheduled_at, created_at
			LIMIT 1
		)
		RETURNING ` + taskColumns

	t, err := scanTask(q.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing task: %w", err)
	}
	return t, nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, taskID string) error {
	now := fmtTime(q.now())
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'completed', completed_at = ?, updated_at = ?, worker_id = '' WHERE id = ?`,
		now, now, taskID)
	return checkAffected(res, err, "completing task")
}

func (q *SQLiteQueue) Fail(ctx context.Context, taskID string, taskErr error) (TaskStatus, error) {
	t, err := q.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	t.recordFailure(taskErr, q.now())

	_, err = q.db.ExecContext(ctx, `UPDATE tasks SET
			status = ?, attempts = ?, last_error = ?, retry_after = ?,
			completed_at = ?, updated_at = ?, worker_id = ''
		WHERE id = ?`,
		string(t.Status), t.Attempts, t.LastError, fmtTime(t.RetryAfter),
		fmtTimePtr(t.CompletedAt), fmtTime(t.UpdatedAt), taskID)
	if err != nil {
		return "", fmt.Errorf("failing task: %w", err)
	}
	return t.Status, nil
}

func (q *SQLiteQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE id = ? AND status = 'running' AND worker_id = ?`,
		fmtTime(q.now()), taskID, workerID)
	return checkAffected(res, err, "heartbeating task")
}

func checkAffected(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (q *SQLiteQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	t, err := scanTask(q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return t, nil
}

func (q *SQLiteQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (q *SQLiteQueue) Stats(ctx context.Context) (*QueueStats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying task stats: %w", err)
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch TaskStatus(status) {
		case StatusPending:
			stats.Pending = count
		case StatusRunning:
			stats.Running = count
		case StatusCompleted:
			stats.Completed = count
		case StatusDeadLetter:
			stats.DeadLetter = count
		}
	}
	return stats, rows.Err()
}

func (q *SQLiteQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := fmtTime(q.now().Add(-olderThan))
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status = 'completed' AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Retry puts a dead letter back in the queue with a fresh set of attempts.
func (q *SQLiteQueue) Retry(ctx context.Context, taskID string) error {
	now := fmtTime(q.now())
	res, err := q.db.ExecContext(ctx, `UPDATE tasks SET
			status = 'pending', attempts = 0, retry_after = '', completed_at = NULL,
			scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'dead_letter'`, now, now, taskID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		// A newer task for the same key is already queued.
		return ErrDuplicate
	}
	if err := checkAffected(res, err, "retrying task"); !errors.Is(err, ErrTaskNotFound) {
		return err
	}
	if _, err := q.Get(ctx, taskID); err != nil {
		return err
	}
	return ErrNotDeadLetter
}

var _ Queue = (*SQLiteQueue)(nil)
