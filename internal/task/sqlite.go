package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises read-modify-write updates.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		goal TEXT NOT NULL,
		specialist TEXT,
		status TEXT NOT NULL,
		plan TEXT,
		current_step INTEGER NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		parent_task_id TEXT,
		depth INTEGER NOT NULL DEFAULT 0,
		replans INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS actions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		tenant_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		tool TEXT NOT NULL,
		input TEXT,
		status TEXT NOT NULL,
		output TEXT,
		error TEXT,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		approver_id TEXT,
		decision_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant_id, actor_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_actions_task ON actions(task_id, step_index);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const taskColumns = `id, tenant_id, actor_id, goal, specialist, status, plan, current_step, total_steps,
	parent_task_id, depth, replans, result, error, created_at, updated_at`

const actionColumns = `id, task_id, tenant_id, step_index, tool, input, status, output, error,
	latency_ms, attempts, approver_id, decision_reason, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	plan, result, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.ActorID, t.Goal, t.Specialist, string(t.Status), plan,
		t.CurrentStep, t.TotalSteps, t.ParentTaskID, t.Depth, t.Replans, result, t.Error,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := u.apply(t, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}

	plan, result, err := encodeTaskJSON(t)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, plan = ?, current_step = ?, total_steps = ?,
		replans = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(t.Status), plan, t.CurrentStep, t.TotalSteps, t.Replans, result, t.Error,
		formatTime(t.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, f Filter) ([]*Task, error) {
	var where []string
	var args []any
	for _, c := range []struct {
		col, val string
	}{
		{"tenant_id", f.TenantID},
		{"actor_id", f.ActorID},
		{"parent_task_id", f.ParentTaskID},
		{"status", string(f.Status)},
	} {
		if c.val != "" {
			where = append(where, c.col+" = ?")
			args = append(args, c.val)
		}
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateAction(ctx context.Context, a *Action) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	input, err := marshalNullable(a.Input)
	if err != nil {
		return fmt.Errorf("failed to encode action input: %w", err)
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, a.TaskID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, a.TaskID)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.TenantID, a.StepIndex, a.Tool, input, string(a.Status), rawOrNull(a.Output),
		a.Error, a.LatencyMs, a.Attempts, a.ApproverID, a.DecisionReason,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	return a, err
}

func (s *SQLiteStore) UpdateAction(ctx context.Context, id string, u ActionUpdate) (*Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	a, err := scanAction(tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	u.apply(a, time.Now().UTC())

	input, err := marshalNullable(a.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action input: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE actions SET input = ?, status = ?, output = ?, error = ?, latency_ms = ?,
		attempts = ?, approver_id = ?, decision_reason = ?, updated_at = ? WHERE id = ?`,
		input, string(a.Status), rawOrNull(a.Output), a.Error, a.LatencyMs, a.Attempts,
		a.ApproverID, a.DecisionReason, formatTime(a.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListActions(ctx context.Context, taskID string) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions
		WHERE task_id = ? ORDER BY step_index, seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                          Task
		status                     string
		specialist, parent, errStr sql.NullString
		plan, result               sql.NullString
		created, updated           string
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.ActorID, &t.Goal, &specialist, &status, &plan,
		&t.CurrentStep, &t.TotalSteps, &parent, &t.Depth, &t.Replans, &result, &errStr,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Specialist = specialist.String
	t.ParentTaskID = parent.String
	t.Error = errStr.String
	if plan.Valid && plan.String != "" {
		if err := json.Unmarshal([]byte(plan.String), &t.Plan); err != nil {
			return nil, fmt.Errorf("corrupt plan for task %s: %w", t.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		t.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), t.Result); err != nil {
			return nil, fmt.Errorf("corrupt result for task %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func scanAction(row scanner) (*Action, error) {
	var (
		a                                  Action
		status                             string
		input, output, errStr              sql.NullString
		approver, reason, created, updated sql.NullString
	)
	err := row.Scan(&a.ID, &a.TaskID, &a.TenantID, &a.StepIndex, &a.Tool, &input, &status, &output,
		&errStr, &a.LatencyMs, &a.Attempts, &approver, &reason, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Status = ActionStatus(status)
	a.Error = errStr.String
	a.ApproverID = approver.String
	a.DecisionReason = reason.String
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &a.Input); err != nil {
			return nil, fmt.Errorf("corrupt input for action %s: %w", a.ID, err)
		}
	}
	if output.Valid && output.String != "" {
		a.Output = json.RawMessage(output.String)
	}
	a.CreatedAt = parseTime(created.String)
	a.UpdatedAt = parseTime(updated.String)
	return &a, nil
}

func encodeTaskJSON(t *Task) (plan, result any, err error) {
	if plan, err = marshalNullable(t.Plan); err != nil {
		return nil, nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	if t.Result != nil {
		if result, err = marshalNullable(t.Result); err != nil {
			return nil, nil, fmt.Errorf("failed to encode result: %w", err)
		}
	}
	return plan, result, nil
}

// marshalNullable encodes v as JSON text, or NULL for empty values.
func marshalNullable(v any) (any, error) {
	switch x := v.(type) {
	case []Step:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// timeLayout has a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
