// Package store contains the entity layer for flowplane.
package store

import (
	"time"

	"github.com/google/uuid"
)

// SuspensionState governs whether new work may be scheduled or processed
// for an entity.
type SuspensionState int

const (
	StateActive    SuspensionState = 1
	StateSuspended SuspensionState = 2
)

func (s SuspensionState) String() string {
	if s == StateSuspended {
		return "suspended"
	}
	return "active"
}

// CachedEntityState is an advisory bitmask tracking which child collections
// an execution may own. A set bit means "may have children of this kind";
// a clear bit means "provably has none". Consumers may skip an existence
// query when the bit is clear but must still query when it is set.
type CachedEntityState uint8

const (
	HasTasks CachedEntityState = 1 << iota
	HasJobs
	HasEventSubscriptions
	HasVariables
	HasIncidents
	HasExternalTasks
)

// Set returns the state with the given flag raised.
func (c CachedEntityState) Set(flag CachedEntityState) CachedEntityState {
	return c | flag
}

// Clear returns the state with the given flag dropped.
func (c CachedEntityState) Clear(flag CachedEntityState) CachedEntityState {
	return c &^ flag
}

// Has reports whether the flag is raised.
func (c CachedEntityState) Has(flag CachedEntityState) bool {
	return c&flag != 0
}

// ProcessDefinition anchors deployed process models. Suspending a definition
// cascades to its job definitions, jobs and optionally its running instances.
type ProcessDefinition struct {
	ID              uuid.UUID
	Key             string
	Version         int
	TenantID        *string
	SuspensionState SuspensionState
}

// Execution is one node in the runtime tree of a process instance.
// ParentID is a non-owning back-reference; the parent owns the child.
type Execution struct {
	ID                  uuid.UUID
	ParentID            *uuid.UUID
	ProcessInstanceID   uuid.UUID
	ProcessDefinitionID uuid.UUID
	ActivityID          string
	IsActive            bool
	IsScope             bool
	IsConcurrent        bool
	IsEnded             bool
	SequenceCounter     int64
	SuspensionState     SuspensionState
	TenantID            *string
	CachedEntityState   CachedEntityState
}

// IsProcessInstance reports whether this execution is the root of its tree.
func (e *Execution) IsProcessInstance() bool {
	return e.ParentID == nil
}

// TaskLifecycleState is terminal once it leaves Created.
type TaskLifecycleState string

const (
	TaskStateCreated   TaskLifecycleState = "created"
	TaskStateCompleted TaskLifecycleState = "completed"
	TaskStateDeleted   TaskLifecycleState = "deleted"
)

// DelegationState tracks the delegate/resolve handshake on a task.
type DelegationState string

const (
	DelegationPending  DelegationState = "pending"
	DelegationResolved DelegationState = "resolved"
)

// Task is a work item attached to an execution.
type Task struct {
	ID                  uuid.UUID
	ExecutionID         *uuid.UUID
	ProcessInstanceID   *uuid.UUID
	ProcessDefinitionID *uuid.UUID
	TenantID            *string
	Name                string
	TaskDefinitionKey   string
	Assignee            string
	Owner               string
	DelegationState     *DelegationState
	Priority            int
	DueDate             *time.Time
	FollowUpDate        *time.Time
	SuspensionState     SuspensionState
	LifecycleState      TaskLifecycleState
	CreateTime          time.Time
}

// ExternalTask is a unit of work fetched and completed by external workers.
// Only its suspension state is in scope for this core.
type ExternalTask struct {
	ID                uuid.UUID
	ExecutionID       uuid.UUID
	ProcessInstanceID uuid.UUID
	TopicName         string
	TenantID          *string
	SuspensionState   SuspensionState
}

// JobDefinition describes a class of deferred work bound to one activity
// of one process definition.
type JobDefinition struct {
	ID                  uuid.UUID
	ProcessDefinitionID uuid.UUID
	ActivityID          string
	JobType             string
	Configuration       string
	SuspensionState     SuspensionState
	TenantID            *string
}

// Job is one scheduled unit of deferred work.
type Job struct {
	ID                  uuid.UUID
	JobDefinitionID     *uuid.UUID
	ExecutionID         *uuid.UUID
	ProcessInstanceID   *uuid.UUID
	ProcessDefinitionID *uuid.UUID
	JobType             string
	Configuration       string
	DueDate             *time.Time
	Retries             int
	ExceptionMessage    string
	RepeatInterval      *time.Duration
	LockOwner           *string
	LockExpirationTime  *time.Time
	SuspensionState     SuspensionState
	TenantID            *string
	CreatedAt           time.Time
}

// Locked reports whether the job holds an unexpired lease at the given time.
func (j *Job) Locked(now time.Time) bool {
	return j.LockOwner != nil && j.LockExpirationTime != nil && j.LockExpirationTime.After(now)
}
