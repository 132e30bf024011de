package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/engine/errs"
	"flowplane/internal/engine/tree"
	"flowplane/internal/store"
)

// Controller drives the task event state machine. All entry points run
// inside the caller's transactional command; they are synchronous state
// transitions with no suspension points.
type Controller struct {
	registry *Registry
	log      *EventLog
	now      func() time.Time
}

// NewController wires a controller to a listener registry and event log.
func NewController(registry *Registry, log *EventLog) *Controller {
	return &Controller{
		registry: registry,
		log:      log,
		now:      time.Now,
	}
}

// Log exposes the append-only event log.
func (c *Controller) Log() *EventLog {
	return c.log
}

// transition tracks one external triggering operation. Secondary mutations
// made by listeners are recorded here so they cannot re-trigger UPDATE;
// only the single assignment evaluation that follows CREATE or UPDATE may
// fire, once per operation.
type transition struct {
	phase          Event
	deleteInstance bool
}

// TaskContext is the mutation surface handed to listeners.
type TaskContext struct {
	Task *store.Task

	tr *transition
}

// SetAssignee changes the assignee. Inside a listener this feeds the
// pending assignment evaluation instead of firing events directly.
func (tc *TaskContext) SetAssignee(assignee string) {
	tc.Task.Assignee = assignee
}

// SetOwner changes the owner without firing a nested UPDATE.
func (tc *TaskContext) SetOwner(owner string) {
	tc.Task.Owner = owner
}

// SetPriority changes the priority without firing a nested UPDATE.
func (tc *TaskContext) SetPriority(priority int) {
	tc.Task.Priority = priority
}

// SetDueDate changes the due date without firing a nested UPDATE.
func (tc *TaskContext) SetDueDate(due *time.Time) {
	tc.Task.DueDate = due
}

// Complete is always rejected inside a listener: the transition in flight
// owns the state machine.
func (tc *TaskContext) Complete(ctx context.Context) error {
	return errs.InvalidState("cannot complete task %s from within a %s listener", tc.Task.ID, tc.tr.phase)
}

// DeleteTask is rejected inside COMPLETE and DELETE listeners. A task
// attached to an execution cannot be deleted directly at all.
func (tc *TaskContext) DeleteTask(ctx context.Context) error {
	if tc.Task.ExecutionID != nil {
		return errs.StructuralConflict("task is part of a running process", tc.Task.ID.String(), tc.Task.ExecutionID.String())
	}
	return errs.InvalidState("cannot delete task %s from within a %s listener", tc.Task.ID, tc.tr.phase)
}

// DeleteProcessInstance removes the owning process instance. Legal only
// from a COMPLETE listener; the deletion is performed after the COMPLETE
// transition finishes and cascades a DELETE to the instance's tasks.
func (tc *TaskContext) DeleteProcessInstance(ctx context.Context) error {
	if tc.tr.phase != EventComplete {
		return errs.InvalidState("cannot delete process instance from within a %s listener", tc.tr.phase)
	}
	if tc.Task.ProcessInstanceID == nil {
		return errs.BadRequest("task %s is not bound to a process instance", tc.Task.ID)
	}
	tc.tr.deleteInstance = true
	return nil
}

// Create persists a new task and fires CREATE; a task created with a
// non-empty assignee (or assigned by a CREATE listener) additionally fires
// ASSIGNMENT, and never UPDATE.
func (c *Controller) Create(ctx context.Context, s store.EntityStore, t *store.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.LifecycleState = store.TaskStateCreated
	if t.SuspensionState == 0 {
		t.SuspensionState = store.StateActive
	}
	t.CreateTime = c.now()
	if err := s.InsertTask(ctx, t); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := c.attachToExecution(ctx, s, t); err != nil {
		return err
	}
	tr := &transition{}
	if err := c.dispatch(ctx, s, t, tr, EventCreate); err != nil {
		return err
	}
	if t.Assignee != "" {
		if err := c.dispatch(ctx, s, t, tr, EventAssignment); err != nil {
			return err
		}
	}
	return s.UpdateTask(ctx, t)
}

// SetAssignee changes the assignee of an existing task, firing ASSIGNMENT
// (and not UPDATE, when nothing else changed).
func (c *Controller) SetAssignee(ctx context.Context, s store.EntityStore, id uuid.UUID, assignee string) error {
	return c.update(ctx, s, id, func(t *store.Task) {
		t.Assignee = assignee
	})
}

// SetOwner changes the owner, firing UPDATE.
func (c *Controller) SetOwner(ctx context.Context, s store.EntityStore, id uuid.UUID, owner string) error {
	return c.update(ctx, s, id, func(t *store.Task) {
		t.Owner = owner
	})
}

// SetPriority changes the priority, firing UPDATE.
func (c *Controller) SetPriority(ctx context.Context, s store.EntityStore, id uuid.UUID, priority int) error {
	return c.update(ctx, s, id, func(t *store.Task) {
		t.Priority = priority
	})
}

// SetDueDate changes the due date, firing UPDATE.
func (c *Controller) SetDueDate(ctx context.Context, s store.EntityStore, id uuid.UUID, due *time.Time) error {
	return c.update(ctx, s, id, func(t *store.Task) {
		t.DueDate = due
	})
}

// SetFollowUpDate changes the follow-up date, firing UPDATE.
func (c *Controller) SetFollowUpDate(ctx context.Context, s store.EntityStore, id uuid.UUID, followUp *time.Time) error {
	return c.update(ctx, s, id, func(t *store.Task) {
		t.FollowUpDate = followUp
	})
}

// Delegate hands the task to another assignee and marks the delegation
// pending. Both the delegation state and assignee change, so UPDATE fires
// before ASSIGNMENT.
func (c *Controller) Delegate(ctx context.Context, s store.EntityStore, id uuid.UUID, assignee string) error {
	return c.update(ctx, s, id, func(t *store.Task) {
		pending := store.DelegationPending
		t.DelegationState = &pending
		t.Assignee = assignee
	})
}

// Resolve returns a delegated task to its owner.
func (c *Controller) Resolve(ctx context.Context, s store.EntityStore, id uuid.UUID) error {
	return c.update(ctx, s, id, func(t *store.Task) {
		resolved := store.DelegationResolved
		t.DelegationState = &resolved
		t.Assignee = t.Owner
	})
}

// update applies an external property mutation and fires the derived
// events: UPDATE when anything other than the assignee changed, then a
// single ASSIGNMENT when the assignee changed (externally or through an
// UPDATE listener).
func (c *Controller) update(ctx context.Context, s store.EntityStore, id uuid.UUID, mutate func(*store.Task)) error {
	t, err := c.activeTask(ctx, s, id)
	if err != nil {
		return err
	}
	before := *t
	mutate(t)
	tr := &transition{}
	if otherPropsChanged(&before, t) {
		if err := c.dispatch(ctx, s, t, tr, EventUpdate); err != nil {
			return err
		}
	}
	if t.Assignee != before.Assignee {
		if err := c.dispatch(ctx, s, t, tr, EventAssignment); err != nil {
			return err
		}
	}
	return s.UpdateTask(ctx, t)
}

// Complete fires COMPLETE and moves the task to its terminal state. A
// pending timeout timer is cancelled in the same command. When a COMPLETE
// listener requested deletion of the owning process instance, the cascade
// runs after the completion is recorded.
func (c *Controller) Complete(ctx context.Context, s store.EntityStore, id uuid.UUID) error {
	t, err := c.activeTask(ctx, s, id)
	if err != nil {
		return err
	}
	tr := &transition{}
	if err := c.dispatch(ctx, s, t, tr, EventComplete); err != nil {
		return err
	}
	t.LifecycleState = store.TaskStateCompleted
	if err := c.finishTask(ctx, s, t); err != nil {
		return err
	}
	if tr.deleteInstance {
		return c.deleteProcessInstance(ctx, s, t)
	}
	return nil
}

// Delete removes a standalone task. Tasks owned by an execution can only
// disappear through their process instance; deleting them directly is a
// structural conflict.
func (c *Controller) Delete(ctx context.Context, s store.EntityStore, id uuid.UUID) error {
	t, err := c.activeTask(ctx, s, id)
	if err != nil {
		return err
	}
	if t.ExecutionID != nil {
		return errs.StructuralConflict("task is part of a running process", t.ID.String(), t.ExecutionID.String())
	}
	return c.deleteTask(ctx, s, t)
}

// Timeout fires the TIMEOUT side-channel event. The scheduling transaction
// of the timer commits after CREATE, so TIMEOUT is always ordered after it;
// completion cancels the timer, so a terminal task rejects the event.
func (c *Controller) Timeout(ctx context.Context, s store.EntityStore, id uuid.UUID) error {
	t, err := c.activeTask(ctx, s, id)
	if err != nil {
		return err
	}
	tr := &transition{}
	return c.dispatch(ctx, s, t, tr, EventTimeout)
}

// ScheduleTimeout creates the timer job that will fire TIMEOUT at due.
func (c *Controller) ScheduleTimeout(ctx context.Context, s store.EntityStore, id uuid.UUID, due time.Time) error {
	t, err := c.activeTask(ctx, s, id)
	if err != nil {
		return err
	}
	job := &store.Job{
		ID:                  uuid.New(),
		ExecutionID:         t.ExecutionID,
		ProcessInstanceID:   t.ProcessInstanceID,
		ProcessDefinitionID: t.ProcessDefinitionID,
		JobType:             TimeoutJobType,
		Configuration:       t.ID.String(),
		DueDate:             &due,
		Retries:             3,
		SuspensionState:     store.StateActive,
		TenantID:            t.TenantID,
		CreatedAt:           c.now(),
	}
	if err := s.InsertJob(ctx, job); err != nil {
		return fmt.Errorf("schedule timeout: %w", err)
	}
	if t.ExecutionID != nil {
		if err := c.setExecutionFlag(ctx, s, *t.ExecutionID, store.HasJobs); err != nil {
			return err
		}
	}
	return nil
}

// deleteTask runs the DELETE transition. A business error from a DELETE
// listener leaves the task alive; side effects already recorded by earlier
// transitions stay recorded.
func (c *Controller) deleteTask(ctx context.Context, s store.EntityStore, t *store.Task) error {
	tr := &transition{}
	if err := c.dispatch(ctx, s, t, tr, EventDelete); err != nil {
		return err
	}
	t.LifecycleState = store.TaskStateDeleted
	return c.finishTask(ctx, s, t)
}

// finishTask persists a terminal state, cancels pending timeout timers and
// maintains the owning execution's cached-state flag.
func (c *Controller) finishTask(ctx context.Context, s store.EntityStore, t *store.Task) error {
	if _, err := s.DeleteJobsByConfiguration(ctx, TimeoutJobType, t.ID.String()); err != nil {
		return fmt.Errorf("cancel timeout timer: %w", err)
	}
	if err := s.UpdateTask(ctx, t); err != nil {
		return err
	}
	return c.detachFromExecution(ctx, s, t)
}

func (c *Controller) deleteProcessInstance(ctx context.Context, s store.EntityStore, completed *store.Task) error {
	instanceID := *completed.ProcessInstanceID

	// The completing task is already terminal; its DELETE is recorded in
	// the log without another state change.
	c.log.append(completed.ID, EventDelete, c.now())

	tasks, err := s.TasksByProcessInstances(ctx, []uuid.UUID{instanceID})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.ID == completed.ID || t.LifecycleState != store.TaskStateCreated {
			continue
		}
		if err := c.deleteTask(ctx, s, t); err != nil {
			return err
		}
	}

	jobs, err := s.JobsByProcessInstances(ctx, []uuid.UUID{instanceID})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := s.DeleteJob(ctx, j.ID); err != nil {
			return err
		}
	}

	t, err := tree.Load(ctx, s, instanceID)
	if err != nil {
		return err
	}
	if _, err := t.Cancel(t.Root().ID); err != nil {
		return err
	}
	return t.Persist(ctx, s)
}

// dispatch records the event and invokes the resolved listeners in order.
func (c *Controller) dispatch(ctx context.Context, s store.EntityStore, t *store.Task, tr *transition, ev Event) error {
	c.log.append(t.ID, ev, c.now())
	listeners := c.registry.resolve(ev, t.ProcessDefinitionID, t.TaskDefinitionKey)
	if len(listeners) == 0 {
		return nil
	}
	prevPhase := tr.phase
	tr.phase = ev
	defer func() { tr.phase = prevPhase }()
	tc := &TaskContext{Task: t, tr: tr}
	for _, l := range listeners {
		if err := l(ctx, tc); err != nil {
			return fmt.Errorf("%s listener for task %s: %w", ev, t.ID, err)
		}
	}
	return nil
}

func (c *Controller) activeTask(ctx context.Context, s store.EntityStore, id uuid.UUID) (*store.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.LifecycleState != store.TaskStateCreated {
		return nil, errs.InvalidState("task %s is in terminal state %s", id, t.LifecycleState)
	}
	return t, nil
}

func (c *Controller) attachToExecution(ctx context.Context, s store.EntityStore, t *store.Task) error {
	if t.ExecutionID == nil {
		return nil
	}
	return c.setExecutionFlag(ctx, s, *t.ExecutionID, store.HasTasks)
}

func (c *Controller) detachFromExecution(ctx context.Context, s store.EntityStore, t *store.Task) error {
	if t.ExecutionID == nil || t.ProcessInstanceID == nil {
		return nil
	}
	tasks, err := s.TasksByProcessInstances(ctx, []uuid.UUID{*t.ProcessInstanceID})
	if err != nil {
		return err
	}
	for _, other := range tasks {
		if other.ExecutionID != nil && *other.ExecutionID == *t.ExecutionID &&
			other.ID != t.ID && other.LifecycleState == store.TaskStateCreated {
			// Collection not provably empty; the flag stays raised.
			return nil
		}
	}
	e, err := s.GetExecution(ctx, *t.ExecutionID)
	if err != nil {
		// The execution may already be gone when the instance is torn down.
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	}
	e.CachedEntityState = e.CachedEntityState.Clear(store.HasTasks)
	return s.UpdateExecution(ctx, e)
}

func (c *Controller) setExecutionFlag(ctx context.Context, s store.EntityStore, executionID uuid.UUID, flag store.CachedEntityState) error {
	e, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	e.CachedEntityState = e.CachedEntityState.Set(flag)
	return s.UpdateExecution(ctx, e)
}

func otherPropsChanged(before, after *store.Task) bool {
	if before.Name != after.Name || before.Owner != after.Owner || before.Priority != after.Priority {
		return true
	}
	if !timePtrEqual(before.DueDate, after.DueDate) || !timePtrEqual(before.FollowUpDate, after.FollowUpDate) {
		return true
	}
	return !delegationEqual(before.DelegationState, after.DelegationState)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func delegationEqual(a, b *store.DelegationState) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
