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

const executionColumns = `id, parent_id, process_instance_id, process_definition_id, activity_id,
	is_active, is_scope, is_concurrent, is_ended, sequence_counter, suspension_state, tenant_id, cached_entity_state`

func (q *queries) InsertExecution(ctx context.Context, e *store.Execution) error {
	_, err := q.exec.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, nullUUID(e.ParentID), e.ProcessInstanceID, e.ProcessDefinitionID, e.ActivityID,
		e.IsActive, e.IsScope, e.IsConcurrent, e.IsEnded, e.SequenceCounter, e.SuspensionState,
		nullString(e.TenantID), e.CachedEntityState)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	return nil
}

func (q *queries) UpdateExecution(ctx context.Context, e *store.Execution) error {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE executions
		SET parent_id = $2, activity_id = $3, is_active = $4, is_scope = $5, is_concurrent = $6,
			is_ended = $7, sequence_counter = $8, suspension_state = $9, cached_entity_state = $10
		WHERE id = $1
	`, e.ID, nullUUID(e.ParentID), e.ActivityID, e.IsActive, e.IsScope, e.IsConcurrent,
		e.IsEnded, e.SequenceCounter, e.SuspensionState, e.CachedEntityState)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("execution", e.ID.String())
	}
	return nil
}

func (q *queries) DeleteExecution(ctx context.Context, id uuid.UUID) error {
	_, err := q.exec.ExecContext(ctx, `DELETE FROM executions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete execution %s: %w", id, err)
	}
	return nil
}

func (q *queries) GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	row := q.exec.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE id = $1
	`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("execution", id.String())
		}
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return e, nil
}

func (q *queries) ExecutionsByProcessInstance(ctx context.Context, processInstanceID uuid.UUID) ([]*store.Execution, error) {
	rows, err := q.exec.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE process_instance_id = $1
		ORDER BY id
	`, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("query executions for instance %s: %w", processInstanceID, err)
	}
	return collectExecutions(rows)
}

func (q *queries) ProcessInstancesByDefinition(ctx context.Context, defIDs []uuid.UUID) ([]*store.Execution, error) {
	rows, err := q.exec.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE process_definition_id = ANY($1) AND parent_id IS NULL
		ORDER BY id
	`, pq.Array(defIDs))
	if err != nil {
		return nil, fmt.Errorf("query process instances: %w", err)
	}
	return collectExecutions(rows)
}

func (q *queries) SetExecutionSuspensionByInstances(ctx context.Context, instanceIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE executions
		SET suspension_state = $1
		WHERE process_instance_id = ANY($2)
	`, state, pq.Array(instanceIDs))
	if err != nil {
		return 0, fmt.Errorf("suspend executions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*store.Execution, error) {
	var e store.Execution
	var parent uuid.NullUUID
	var tenant sql.NullString
	err := row.Scan(&e.ID, &parent, &e.ProcessInstanceID, &e.ProcessDefinitionID, &e.ActivityID,
		&e.IsActive, &e.IsScope, &e.IsConcurrent, &e.IsEnded, &e.SequenceCounter, &e.SuspensionState,
		&tenant, &e.CachedEntityState)
	if err != nil {
		return nil, err
	}
	e.ParentID = uuidPtr(parent)
	e.TenantID = strPtr(tenant)
	return &e, nil
}

func collectExecutions(rows *sql.Rows) ([]*store.Execution, error) {
	defer rows.Close()
	var out []*store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
