package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

// TaskRepository is the Postgres task ledger. Transitions are applied with
// conditional updates; a zero-row update is resolved against the stored row
// using the domain transition rules.
type TaskRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const taskColumns = `id, company_id, kind, state, payload, result, error, attempts, created_at, updated_at`

func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO tasks (id, company_id, kind, state, payload, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, task.ID, task.CompanyID, string(task.Kind), string(task.State), payload, task.Attempts, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
		}
		return nil, err
	}
	return task, nil
}

func (r *TaskRepository) MarkRunning(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state = 'RUNNING', attempts = attempts + 1, updated_at = $2
WHERE id = $1 AND state IN ('PENDING', 'RUNNING')
`, id, r.now())
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	if ok, err := updated(res); err != nil || ok {
		return err
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s is %s", domain.ErrStateConflict, id, current.State)
}

func (r *TaskRepository) Complete(ctx context.Context, id string, result domain.TaskResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state = 'SUCCEEDED', result = $2, error = NULL, updated_at = $3
WHERE id = $1 AND state = 'RUNNING'
`, id, raw, now)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if ok, err := updated(res); err != nil || ok {
		return err
	}
	return r.resolveTerminal(ctx, id, func(t *domain.Task) error { return t.Complete(result, now) })
}

func (r *TaskRepository) Fail(ctx context.Context, id string, taskErr domain.TaskError) error {
	raw, err := json.Marshal(taskErr)
	if err != nil {
		return fmt.Errorf("marshal task error: %w", err)
	}
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state = 'FAILED', error = $2, result = NULL, updated_at = $3
WHERE id = $1 AND state IN ('PENDING', 'RUNNING')
`, id, raw, now)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if ok, err := updated(res); err != nil || ok {
		return err
	}
	return r.resolveTerminal(ctx, id, func(t *domain.Task) error { return t.Fail(taskErr, now) })
}

// resolveTerminal decides between an idempotent repeat and a conflict after
// the conditional update matched no row.
func (r *TaskRepository) resolveTerminal(ctx context.Context, id string, apply func(*domain.Task) error) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !current.State.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", domain.ErrStateConflict, id, current.State)
	}
	return apply(current)
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (r *TaskRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE state IN ('PENDING', 'RUNNING') AND updated_at < $1
ORDER BY updated_at
LIMIT $2
`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale tasks: %w", err)
	}
	return out, nil
}

func (r *TaskRepository) PurgeCompany(ctx context.Context, companyID, keepTaskID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE company_id = $1 AND id <> $2`, companyID, keepTaskID)
	if err != nil {
		return 0, fmt.Errorf("purge company tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func updated(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task                       domain.Task
		kind, state                string
		payloadRaw, resRaw, errRaw []byte
	)
	err := row.Scan(&task.ID, &task.CompanyID, &kind, &state, &payloadRaw, &resRaw, &errRaw,
		&task.Attempts, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Kind = domain.TaskKind(kind)
	task.State = domain.TaskState(state)

	if task.Payload, err = domain.DecodeTaskPayload(task.Kind, payloadRaw); err != nil {
		return nil, err
	}
	if task.Result, err = domain.DecodeTaskResult(task.Kind, resRaw); err != nil {
		return nil, err
	}
	if len(errRaw) > 0 && string(errRaw) != "null" {
		var taskErr domain.TaskError
		if err := json.Unmarshal(errRaw, &taskErr); err != nil {
			return nil, fmt.Errorf("unmarshal task error: %w", err)
		}
		task.Error = &taskErr
	}
	return &task, nil
}
