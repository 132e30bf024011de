package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"flowplane/internal/engine/errs"
	"flowplane/internal/store"
)

const taskColumns = `id, execution_id, process_instance_id, process_definition_id, tenant_id,
	name, task_definition_key, assignee, owner, delegation_state, priority, due_date,
	follow_up_date, suspension_state, lifecycle_state, create_time`

func (q *queries) InsertTask(ctx context.Context, t *store.Task) error {
	_, err := q.exec.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, t.ID, nullUUID(t.ExecutionID), nullUUID(t.ProcessInstanceID), nullUUID(t.ProcessDefinitionID),
		nullString(t.TenantID), t.Name, t.TaskDefinitionKey, t.Assignee, t.Owner,
		nullDelegation(t.DelegationState), t.Priority, nullTime(t.DueDate), nullTime(t.FollowUpDate),
		t.SuspensionState, string(t.LifecycleState), t.CreateTime)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (q *queries) UpdateTask(ctx context.Context, t *store.Task) error {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE tasks
		SET name = $2, assignee = $3, owner = $4, delegation_state = $5, priority = $6,
			due_date = $7, follow_up_date = $8, suspension_state = $9, lifecycle_state = $10
		WHERE id = $1
	`, t.ID, t.Name, t.Assignee, t.Owner, nullDelegation(t.DelegationState), t.Priority,
		nullTime(t.DueDate), nullTime(t.FollowUpDate), t.SuspensionState, string(t.LifecycleState))
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("task", t.ID.String())
	}
	return nil
}

func (q *queries) DeleteTask(ctx context.Context, id uuid.UUID) error {
	_, err := q.exec.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (q *queries) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	row := q.exec.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = $1
	`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("task", id.String())
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (q *queries) TasksByProcessInstances(ctx context.Context, instanceIDs []uuid.UUID) ([]*store.Task, error) {
	rows, err := q.exec.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE process_instance_id = ANY($1)
		ORDER BY id
	`, pq.Array(instanceIDs))
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *queries) SetTaskSuspensionByInstances(ctx context.Context, instanceIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE tasks
		SET suspension_state = $1
		WHERE process_instance_id = ANY($2)
	`, state, pq.Array(instanceIDs))
	if err != nil {
		return 0, fmt.Errorf("suspend tasks: %w", err)
	}
	return res.RowsAffected()
}

func scanTask(row rowScanner) (*store.Task, error) {
	var t store.Task
	var execID, instID, defID uuid.NullUUID
	var tenant, delegation sql.NullString
	var due, followUp sql.NullTime
	var lifecycle string
	err := row.Scan(&t.ID, &execID, &instID, &defID, &tenant, &t.Name, &t.TaskDefinitionKey,
		&t.Assignee, &t.Owner, &delegation, &t.Priority, &due, &followUp,
		&t.SuspensionState, &lifecycle, &t.CreateTime)
	if err != nil {
		return nil, err
	}
	t.ExecutionID = uuidPtr(execID)
	t.ProcessInstanceID = uuidPtr(instID)
	t.ProcessDefinitionID = uuidPtr(defID)
	t.TenantID = strPtr(tenant)
	if delegation.Valid {
		d := store.DelegationState(delegation.String)
		t.DelegationState = &d
	}
	t.DueDate = timePtr(due)
	t.FollowUpDate = timePtr(followUp)
	t.LifecycleState = store.TaskLifecycleState(lifecycle)
	return &t, nil
}

func nullDelegation(p *store.DelegationState) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*p), Valid: true}
}

func (q *queries) InsertExternalTask(ctx context.Context, t *store.ExternalTask) error {
	_, err := q.exec.ExecContext(ctx, `
		INSERT INTO external_tasks (id, execution_id, process_instance_id, topic_name, tenant_id, suspension_state)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.ExecutionID, t.ProcessInstanceID, t.TopicName, nullString(t.TenantID), t.SuspensionState)
	if err != nil {
		return fmt.Errorf("insert external task %s: %w", t.ID, err)
	}
	return nil
}

func (q *queries) ExternalTasksByProcessInstances(ctx context.Context, instanceIDs []uuid.UUID) ([]*store.ExternalTask, error) {
	rows, err := q.exec.QueryContext(ctx, `
		SELECT id, execution_id, process_instance_id, topic_name, tenant_id, suspension_state
		FROM external_tasks
		WHERE process_instance_id = ANY($1)
		ORDER BY id
	`, pq.Array(instanceIDs))
	if err != nil {
		return nil, fmt.Errorf("query external tasks: %w", err)
	}
	defer rows.Close()

	var out []*store.ExternalTask
	for rows.Next() {
		var t store.ExternalTask
		var tenant sql.NullString
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.ProcessInstanceID, &t.TopicName, &tenant, &t.SuspensionState); err != nil {
			return nil, err
		}
		t.TenantID = strPtr(tenant)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (q *queries) SetExternalTaskSuspensionByInstances(ctx context.Context, instanceIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE external_tasks
		SET suspension_state = $1
		WHERE process_instance_id = ANY($2)
	`, state, pq.Array(instanceIDs))
	if err != nil {
		return 0, fmt.Errorf("suspend external tasks: %w", err)
	}
	return res.RowsAffected()
}
