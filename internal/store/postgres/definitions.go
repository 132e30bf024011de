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

func (q *queries) InsertProcessDefinition(ctx context.Context, def *store.ProcessDefinition) error {
	_, err := q.exec.ExecContext(ctx, `
		INSERT INTO process_definitions (id, key, version, tenant_id, suspension_state)
		VALUES ($1, $2, $3, $4, $5)
	`, def.ID, def.Key, def.Version, nullString(def.TenantID), def.SuspensionState)
	if err != nil {
		return fmt.Errorf("insert process definition %s: %w", def.ID, err)
	}
	return nil
}

func (q *queries) UpdateProcessDefinition(ctx context.Context, def *store.ProcessDefinition) error {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE process_definitions
		SET key = $2, version = $3, tenant_id = $4, suspension_state = $5
		WHERE id = $1
	`, def.ID, def.Key, def.Version, nullString(def.TenantID), def.SuspensionState)
	if err != nil {
		return fmt.Errorf("update process definition %s: %w", def.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("process definition", def.ID.String())
	}
	return nil
}

func (q *queries) GetProcessDefinition(ctx context.Context, id uuid.UUID) (*store.ProcessDefinition, error) {
	row := q.exec.QueryRowContext(ctx, `
		SELECT id, key, version, tenant_id, suspension_state
		FROM process_definitions
		WHERE id = $1
	`, id)
	var def store.ProcessDefinition
	var tenant sql.NullString
	if err := row.Scan(&def.ID, &def.Key, &def.Version, &tenant, &def.SuspensionState); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("process definition", id.String())
		}
		return nil, fmt.Errorf("get process definition %s: %w", id, err)
	}
	def.TenantID = strPtr(tenant)
	return &def, nil
}

func (q *queries) ProcessDefinitionsByKey(ctx context.Context, key string, filter store.TenantFilter) ([]*store.ProcessDefinition, error) {
	query := `
		SELECT id, key, version, tenant_id, suspension_state
		FROM process_definitions
		WHERE key = $1
	`
	args := []interface{}{key}
	query, args = appendTenantFilter(query, args, filter)
	query += " ORDER BY id"

	rows, err := q.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query process definitions by key %s: %w", key, err)
	}
	defer rows.Close()

	var out []*store.ProcessDefinition
	for rows.Next() {
		var def store.ProcessDefinition
		var tenant sql.NullString
		if err := rows.Scan(&def.ID, &def.Key, &def.Version, &tenant, &def.SuspensionState); err != nil {
			return nil, err
		}
		def.TenantID = strPtr(tenant)
		out = append(out, &def)
	}
	return out, rows.Err()
}

// appendTenantFilter extends a WHERE clause with tenant scoping.
func appendTenantFilter(query string, args []interface{}, filter store.TenantFilter) (string, []interface{}) {
	if filter.All {
		return query, args
	}
	n := len(args)
	switch {
	case len(filter.TenantIDs) > 0 && filter.IncludeNoTenant:
		query += fmt.Sprintf(" AND (tenant_id = ANY($%d) OR tenant_id IS NULL)", n+1)
		args = append(args, pq.Array(filter.TenantIDs))
	case len(filter.TenantIDs) > 0:
		query += fmt.Sprintf(" AND tenant_id = ANY($%d)", n+1)
		args = append(args, pq.Array(filter.TenantIDs))
	default:
		query += " AND tenant_id IS NULL"
	}
	return query, args
}

func (q *queries) InsertJobDefinition(ctx context.Context, d *store.JobDefinition) error {
	_, err := q.exec.ExecContext(ctx, `
		INSERT INTO job_definitions (id, process_definition_id, activity_id, job_type, configuration, suspension_state, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.ProcessDefinitionID, d.ActivityID, d.JobType, d.Configuration, d.SuspensionState, nullString(d.TenantID))
	if err != nil {
		return fmt.Errorf("insert job definition %s: %w", d.ID, err)
	}
	return nil
}

func (q *queries) UpdateJobDefinition(ctx context.Context, d *store.JobDefinition) error {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE job_definitions
		SET activity_id = $2, job_type = $3, configuration = $4, suspension_state = $5
		WHERE id = $1
	`, d.ID, d.ActivityID, d.JobType, d.Configuration, d.SuspensionState)
	if err != nil {
		return fmt.Errorf("update job definition %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("job definition", d.ID.String())
	}
	return nil
}

func (q *queries) GetJobDefinition(ctx context.Context, id uuid.UUID) (*store.JobDefinition, error) {
	row := q.exec.QueryRowContext(ctx, `
		SELECT id, process_definition_id, activity_id, job_type, configuration, suspension_state, tenant_id
		FROM job_definitions
		WHERE id = $1
	`, id)
	var d store.JobDefinition
	var tenant sql.NullString
	if err := row.Scan(&d.ID, &d.ProcessDefinitionID, &d.ActivityID, &d.JobType, &d.Configuration, &d.SuspensionState, &tenant); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("job definition", id.String())
		}
		return nil, fmt.Errorf("get job definition %s: %w", id, err)
	}
	d.TenantID = strPtr(tenant)
	return &d, nil
}

func (q *queries) JobDefinitionsByProcessDefinitions(ctx context.Context, defIDs []uuid.UUID) ([]*store.JobDefinition, error) {
	rows, err := q.exec.QueryContext(ctx, `
		SELECT id, process_definition_id, activity_id, job_type, configuration, suspension_state, tenant_id
		FROM job_definitions
		WHERE process_definition_id = ANY($1)
		ORDER BY id
	`, pq.Array(defIDs))
	if err != nil {
		return nil, fmt.Errorf("query job definitions: %w", err)
	}
	defer rows.Close()

	var out []*store.JobDefinition
	for rows.Next() {
		var d store.JobDefinition
		var tenant sql.NullString
		if err := rows.Scan(&d.ID, &d.ProcessDefinitionID, &d.ActivityID, &d.JobType, &d.Configuration, &d.SuspensionState, &tenant); err != nil {
			return nil, err
		}
		d.TenantID = strPtr(tenant)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (q *queries) SetJobDefinitionSuspensionByDefinitions(ctx context.Context, defIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE job_definitions
		SET suspension_state = $1
		WHERE process_definition_id = ANY($2)
	`, state, pq.Array(defIDs))
	if err != nil {
		return 0, fmt.Errorf("suspend job definitions: %w", err)
	}
	return res.RowsAffected()
}
