package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows the SQL-backed store to run the same queries against either
// a connection pool or an active transaction.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// TenantFilter scopes a query to a tenant set. The zero value matches
// everything. TenantIDs and IncludeNoTenant compose: a row matches when its
// tenant is in TenantIDs, or it has no tenant and IncludeNoTenant is set.
type TenantFilter struct {
	All             bool
	TenantIDs       []string
	IncludeNoTenant bool
}

// Unrestricted is the filter matching every tenant and tenant-less rows.
var Unrestricted = TenantFilter{All: true}

// Matches reports whether an entity with the given tenant passes the filter.
func (f TenantFilter) Matches(tenantID *string) bool {
	if f.All {
		return true
	}
	if tenantID == nil {
		return f.IncludeNoTenant
	}
	for _, id := range f.TenantIDs {
		if id == *tenantID {
			return true
		}
	}
	return false
}

// CommandExecutor opens one transactional command. The callback receives an
// EntityStore bound to the transaction; returning an error rolls the entire
// command back, so a cascade either persists completely or not at all.
type CommandExecutor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, s EntityStore) error) error
}

// ProcessDefinitionStore persists process definitions.
type ProcessDefinitionStore interface {
	InsertProcessDefinition(ctx context.Context, def *ProcessDefinition) error
	UpdateProcessDefinition(ctx context.Context, def *ProcessDefinition) error
	GetProcessDefinition(ctx context.Context, id uuid.UUID) (*ProcessDefinition, error)
	ProcessDefinitionsByKey(ctx context.Context, key string, filter TenantFilter) ([]*ProcessDefinition, error)
}

// ExecutionStore persists the nodes of execution trees.
type ExecutionStore interface {
	InsertExecution(ctx context.Context, e *Execution) error
	UpdateExecution(ctx context.Context, e *Execution) error
	DeleteExecution(ctx context.Context, id uuid.UUID) error
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)
	ExecutionsByProcessInstance(ctx context.Context, processInstanceID uuid.UUID) ([]*Execution, error)

	// ProcessInstancesByDefinition returns only root executions.
	ProcessInstancesByDefinition(ctx context.Context, defIDs []uuid.UUID) ([]*Execution, error)
	SetExecutionSuspensionByInstances(ctx context.Context, instanceIDs []uuid.UUID, state SuspensionState) (int64, error)
}

// TaskStore persists tasks.
type TaskStore interface {
	InsertTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id uuid.UUID) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	TasksByProcessInstances(ctx context.Context, instanceIDs []uuid.UUID) ([]*Task, error)
	SetTaskSuspensionByInstances(ctx context.Context, instanceIDs []uuid.UUID, state SuspensionState) (int64, error)
}

// ExternalTaskStore persists external tasks; this core only toggles their
// suspension state.
type ExternalTaskStore interface {
	InsertExternalTask(ctx context.Context, t *ExternalTask) error
	ExternalTasksByProcessInstances(ctx context.Context, instanceIDs []uuid.UUID) ([]*ExternalTask, error)
	SetExternalTaskSuspensionByInstances(ctx context.Context, instanceIDs []uuid.UUID, state SuspensionState) (int64, error)
}

// JobDefinitionStore persists job definitions.
type JobDefinitionStore interface {
	InsertJobDefinition(ctx context.Context, d *JobDefinition) error
	UpdateJobDefinition(ctx context.Context, d *JobDefinition) error
	GetJobDefinition(ctx context.Context, id uuid.UUID) (*JobDefinition, error)
	JobDefinitionsByProcessDefinitions(ctx context.Context, defIDs []uuid.UUID) ([]*JobDefinition, error)
	SetJobDefinitionSuspensionByDefinitions(ctx context.Context, defIDs []uuid.UUID, state SuspensionState) (int64, error)
}

// JobStore persists jobs and implements the lock lease.
type JobStore interface {
	InsertJob(ctx context.Context, j *Job) error
	UpdateJob(ctx context.Context, j *Job) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// DueJobs returns active jobs whose due date has passed and whose lock
	// lease is absent or expired, oldest first.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// ClaimJob conditionally acquires the lock lease. It returns false, with
	// no error, when another owner holds an unexpired lease: lost races are
	// expected and silent.
	ClaimJob(ctx context.Context, id uuid.UUID, owner string, until time.Time, now time.Time) (bool, error)

	JobsByProcessInstances(ctx context.Context, instanceIDs []uuid.UUID) ([]*Job, error)
	SetJobSuspensionByJobDefinitions(ctx context.Context, jobDefIDs []uuid.UUID, state SuspensionState) (int64, error)
	SetJobSuspensionByInstances(ctx context.Context, instanceIDs []uuid.UUID, state SuspensionState) (int64, error)

	// DeleteJobsByConfiguration removes pending jobs of one type whose
	// handler configuration matches, e.g. cancelling a task timeout timer.
	DeleteJobsByConfiguration(ctx context.Context, jobType, configuration string) (int64, error)
}

// EntityStore combines every entity kind reachable inside one transactional
// command.
type EntityStore interface {
	ProcessDefinitionStore
	ExecutionStore
	TaskStore
	ExternalTaskStore
	JobDefinitionStore
	JobStore
}
