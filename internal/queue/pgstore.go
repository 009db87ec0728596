package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/taskgate/model"
)

const taskColumns = `task_id, process_instance_id, process_definition_key, task_definition_key,
	task_name, queue_name, assignee, status, priority, business_key,
	created_at, claimed_at, completed_at, task_data`

const queueOrder = `ORDER BY priority DESC, created_at ASC, task_id ASC`

// PgStore is a PostgreSQL-backed Store using pgx/v5. Claim is a single
// conditional UPDATE, so concurrent claimers race on the row lock.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL queue store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// ListByQueue lists the tasks of a queue.
func (s *PgStore) ListByQueue(ctx context.Context, queue string, unassignedOnly bool) ([]model.QueueTask, error) {
	q := `SELECT ` + taskColumns + ` FROM queue_tasks WHERE queue_name = $1`
	if unassignedOnly {
		q += ` AND assignee IS NULL AND status = 'OPEN'`
	}
	return s.query(ctx, q+` `+queueOrder, queue)
}

// ListByAssignee lists the open and claimed tasks of a user.
func (s *PgStore) ListByAssignee(ctx context.Context, userID string) ([]model.QueueTask, error) {
	return s.query(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE assignee = $1 AND status IN ('OPEN', 'CLAIMED')
		`+queueOrder, userID)
}

// ListByProcessInstance lists every task of an instance, oldest first.
func (s *PgStore) ListByProcessInstance(ctx context.Context, processInstanceID string) ([]model.QueueTask, error) {
	return s.query(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE process_instance_id = $1
		ORDER BY created_at ASC, task_id ASC`, processInstanceID)
}

// Next returns the head of the unassigned list.
func (s *PgStore) Next(ctx context.Context, queue string) (model.QueueTask, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE queue_name = $1 AND assignee IS NULL AND status = 'OPEN'
		`+queueOrder+` LIMIT 1`, queue)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.QueueTask{}, false, nil
	}
	if err != nil {
		return model.QueueTask{}, false, err
	}
	return task, true, nil
}

// Get returns a task by id.
func (s *PgStore) Get(ctx context.Context, taskID string) (model.QueueTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE task_id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.QueueTask{}, model.NewTaskNotFoundError(taskID)
	}
	return task, err
}

// Insert stores a task unless it exists.
func (s *PgStore) Insert(ctx context.Context, task model.QueueTask) (bool, error) {
	data, err := json.Marshal(task.TaskData)
	if err != nil {
		return false, fmt.Errorf("marshal task data: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO queue_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO NOTHING`,
		task.TaskID, task.ProcessInstanceID, task.ProcessDefinitionKey, task.TaskDefinitionKey,
		task.TaskName, task.QueueName, nullable(task.Assignee), string(task.Status), task.Priority,
		nullable(task.BusinessKey), task.CreatedAt, task.ClaimedAt, task.CompletedAt, data,
	)
	if err != nil {
		return false, fmt.Errorf("insert queue task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim assigns an open, unassigned task.
func (s *PgStore) Claim(ctx context.Context, taskID, userID string, at time.Time) (model.QueueTask, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_tasks SET assignee = $2, status = 'CLAIMED', claimed_at = $3
		WHERE task_id = $1 AND assignee IS NULL AND status = 'OPEN'
		RETURNING `+taskColumns, taskID, userID, at)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, taskID)
		if getErr != nil {
			return model.QueueTask{}, getErr
		}
		return model.QueueTask{}, claimConflict(current)
	}
	return task, err
}

// Unclaim returns a claimed task to open.
func (s *PgStore) Unclaim(ctx context.Context, taskID string) (model.QueueTask, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_tasks SET assignee = NULL, status = 'OPEN', claimed_at = NULL
		WHERE task_id = $1 AND status = 'CLAIMED'
		RETURNING `+taskColumns, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, taskID)
		if getErr != nil {
			return model.QueueTask{}, getErr
		}
		return model.QueueTask{}, unclaimConflict(current)
	}
	return task, err
}

// Complete marks a claimed task completed.
func (s *PgStore) Complete(ctx context.Context, taskID string, at time.Time) (model.QueueTask, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_tasks SET status = 'COMPLETED', completed_at = $2
		WHERE task_id = $1 AND status = 'CLAIMED' AND assignee IS NOT NULL
		RETURNING `+taskColumns, taskID, at)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, taskID)
		if getErr != nil {
			return model.QueueTask{}, getErr
		}
		if current.Status == model.TaskCompleted {
			return model.QueueTask{}, model.NewTaskCompletedError(taskID)
		}
		return model.QueueTask{}, model.NewTaskNotAssignedError(taskID)
	}
	return task, err
}

func (s *PgStore) query(ctx context.Context, sql string, args ...any) ([]model.QueueTask, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue tasks: %w", err)
	}
	defer rows.Close()

	result := []model.QueueTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func scanTask(row pgx.Row) (model.QueueTask, error) {
	var task model.QueueTask
	var assignee, businessKey *string
	var status string
	var data []byte

	err := row.Scan(
		&task.TaskID, &task.ProcessInstanceID, &task.ProcessDefinitionKey, &task.TaskDefinitionKey,
		&task.TaskName, &task.QueueName, &assignee, &status, &task.Priority, &businessKey,
		&task.CreatedAt, &task.ClaimedAt, &task.CompletedAt, &data,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.QueueTask{}, err
	}
	if err != nil {
		return model.QueueTask{}, fmt.Errorf("scan queue task: %w", err)
	}

	task.Status = model.TaskStatus(status)
	if assignee != nil {
		task.Assignee = *assignee
	}
	if businessKey != nil {
		task.BusinessKey = *businessKey
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &task.TaskData); err != nil {
			return model.QueueTask{}, fmt.Errorf("unmarshal task data: %w", err)
		}
	}
	return task, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
