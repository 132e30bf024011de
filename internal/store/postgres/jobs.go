package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"flowplane/internal/engine/errs"
	"flowplane/internal/store"
)

const jobColumns = `id, job_definition_id, execution_id, process_instance_id, process_definition_id,
	job_type, configuration, due_date, retries, exception_message, repeat_interval,
	lock_owner, lock_expiration_time, suspension_state, tenant_id, created_at`

func (q *queries) InsertJob(ctx context.Context, j *store.Job) error {
	_, err := q.exec.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, j.ID, nullUUID(j.JobDefinitionID), nullUUID(j.ExecutionID), nullUUID(j.ProcessInstanceID),
		nullUUID(j.ProcessDefinitionID), j.JobType, j.Configuration, nullTime(j.DueDate),
		j.Retries, j.ExceptionMessage, nullInterval(j.RepeatInterval), nullString(j.LockOwner),
		nullTime(j.LockExpirationTime), j.SuspensionState, nullString(j.TenantID), j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func (q *queries) UpdateJob(ctx context.Context, j *store.Job) error {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE jobs
		SET due_date = $2, retries = $3, exception_message = $4, repeat_interval = $5,
			lock_owner = $6, lock_expiration_time = $7, suspension_state = $8
		WHERE id = $1
	`, j.ID, nullTime(j.DueDate), j.Retries, j.ExceptionMessage, nullInterval(j.RepeatInterval),
		nullString(j.LockOwner), nullTime(j.LockExpirationTime), j.SuspensionState)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("job", j.ID.String())
	}
	return nil
}

func (q *queries) DeleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := q.exec.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (q *queries) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	row := q.exec.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1
	`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("job", id.String())
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// DueJobs relies on FOR UPDATE SKIP LOCKED so concurrent schedulers never
// block each other on the same batch.
func (q *queries) DueJobs(ctx context.Context, now time.Time, limit int) ([]*store.Job, error) {
	rows, err := q.exec.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE suspension_state = 1
		  AND retries > 0
		  AND (due_date IS NULL OR due_date <= $1)
		  AND (lock_owner IS NULL OR lock_expiration_time <= $1)
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	return collectJobs(rows)
}

func (q *queries) ClaimJob(ctx context.Context, id uuid.UUID, owner string, until time.Time, now time.Time) (bool, error) {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE jobs
		SET lock_owner = $2, lock_expiration_time = $3
		WHERE id = $1
		  AND (lock_owner IS NULL OR lock_expiration_time <= $4)
	`, id, owner, until, now)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *queries) JobsByProcessInstances(ctx context.Context, instanceIDs []uuid.UUID) ([]*store.Job, error) {
	rows, err := q.exec.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE process_instance_id = ANY($1)
		ORDER BY id
	`, pq.Array(instanceIDs))
	if err != nil {
		return nil, fmt.Errorf("query jobs by instance: %w", err)
	}
	return collectJobs(rows)
}

func (q *queries) SetJobSuspensionByJobDefinitions(ctx context.Context, jobDefIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE jobs
		SET suspension_state = $1
		WHERE job_definition_id = ANY($2)
	`, state, pq.Array(jobDefIDs))
	if err != nil {
		return 0, fmt.Errorf("suspend jobs by definition: %w", err)
	}
	return res.RowsAffected()
}

func (q *queries) SetJobSuspensionByInstances(ctx context.Context, instanceIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	res, err := q.exec.ExecContext(ctx, `
		UPDATE jobs
		SET suspension_state = $1
		WHERE process_instance_id = ANY($2)
	`, state, pq.Array(instanceIDs))
	if err != nil {
		return 0, fmt.Errorf("suspend jobs by instance: %w", err)
	}
	return res.RowsAffected()
}

func (q *queries) DeleteJobsByConfiguration(ctx context.Context, jobType, configuration string) (int64, error) {
	res, err := q.exec.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE job_type = $1 AND configuration = $2
	`, jobType, configuration)
	if err != nil {
		return 0, fmt.Errorf("delete jobs by configuration: %w", err)
	}
	return res.RowsAffected()
}

func scanJob(row rowScanner) (*store.Job, error) {
	var j store.Job
	var jobDefID, execID, instID, defID uuid.NullUUID
	var due, lockExp sql.NullTime
	var repeat sql.NullInt64
	var lockOwner, tenant sql.NullString
	err := row.Scan(&j.ID, &jobDefID, &execID, &instID, &defID, &j.JobType, &j.Configuration,
		&due, &j.Retries, &j.ExceptionMessage, &repeat, &lockOwner, &lockExp,
		&j.SuspensionState, &tenant, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.JobDefinitionID = uuidPtr(jobDefID)
	j.ExecutionID = uuidPtr(execID)
	j.ProcessInstanceID = uuidPtr(instID)
	j.ProcessDefinitionID = uuidPtr(defID)
	j.DueDate = timePtr(due)
	j.RepeatInterval = intervalPtr(repeat)
	j.LockOwner = strPtr(lockOwner)
	j.LockExpirationTime = timePtr(lockExp)
	j.TenantID = strPtr(tenant)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*store.Job, error) {
	defer rows.Close()
	var out []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
