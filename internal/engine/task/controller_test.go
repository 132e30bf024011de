package task

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"flowplane/internal/engine/errs"
	"flowplane/internal/engine/tree"
	"flowplane/internal/store"
	"flowplane/internal/store/memory"
)

type fixture struct {
	ctx        context.Context
	mem        *memory.Store
	registry   *Registry
	log        *EventLog
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := NewRegistry()
	log := NewEventLog()
	return &fixture{
		ctx:        context.Background(),
		mem:        memory.New(),
		registry:   registry,
		log:        log,
		controller: NewController(registry, log),
	}
}

func (f *fixture) run(t *testing.T, fn func(s store.EntityStore) error) {
	t.Helper()
	err := f.mem.WithTransaction(f.ctx, func(ctx context.Context, s store.EntityStore) error {
		return fn(s)
	})
	require.NoError(t, err)
}

// newInstanceTask persists a one-node execution tree and returns a task
// bound to it.
func (f *fixture) newInstanceTask(t *testing.T) *store.Task {
	t.Helper()
	tr := tree.NewProcessInstance(uuid.New(), "review", nil)
	f.run(t, func(s store.EntityStore) error {
		return tr.Persist(f.ctx, s)
	})
	root := tr.Root()
	return &store.Task{
		ExecutionID:         &root.ID,
		ProcessInstanceID:   &root.ProcessInstanceID,
		ProcessDefinitionID: &root.ProcessDefinitionID,
		Name:                "review order",
		TaskDefinitionKey:   "review",
	}
}

func TestCreate_FiresCreateOnly(t *testing.T) {
	f := newFixture(t)
	task := &store.Task{Name: "standalone"}

	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	require.Equal(t, []Event{EventCreate}, f.log.EventsFor(task.ID))
	require.Equal(t, store.TaskStateCreated, task.LifecycleState)
}

func TestCreate_WithAssigneeFiresCreateThenAssignment(t *testing.T) {
	f := newFixture(t)
	task := &store.Task{Name: "assigned", Assignee: "kermit"}

	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	want := []Event{EventCreate, EventAssignment}
	if diff := cmp.Diff(want, f.log.EventsFor(task.ID)); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestCreate_ListenerAssignmentFiresAssignmentNotUpdate(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterGlobal(EventCreate, func(ctx context.Context, tc *TaskContext) error {
		tc.SetAssignee("gonzo")
		return nil
	})
	task := &store.Task{Name: "auto-assigned"}

	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	require.Equal(t, []Event{EventCreate, EventAssignment}, f.log.EventsFor(task.ID))
	require.Equal(t, "gonzo", task.Assignee)
}

func TestSetAssignee_FiresAssignmentWithoutUpdate(t *testing.T) {
	f := newFixture(t)
	task := &store.Task{Name: "t"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	f.run(t, func(s store.EntityStore) error {
		return f.controller.SetAssignee(f.ctx, s, task.ID, "fozzie")
	})

	require.Equal(t, []Event{EventCreate, EventAssignment}, f.log.EventsFor(task.ID))
}

func TestSetPriority_FiresUpdateWithoutAssignment(t *testing.T) {
	f := newFixture(t)
	task := &store.Task{Name: "t"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	f.run(t, func(s store.EntityStore) error {
		return f.controller.SetPriority(f.ctx, s, task.ID, 80)
	})

	require.Equal(t, []Event{EventCreate, EventUpdate}, f.log.EventsFor(task.ID))
}

func TestDelegate_FiresUpdateThenAssignment(t *testing.T) {
	// Delegate changes the delegation state and the assignee in one
	// operation: one UPDATE, then exactly one ASSIGNMENT.
	f := newFixture(t)
	task := &store.Task{Name: "t", Owner: "scooter", Assignee: "scooter"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})
	created := f.log.EventsFor(task.ID)

	f.run(t, func(s store.EntityStore) error {
		return f.controller.Delegate(f.ctx, s, task.ID, "rowlf")
	})

	want := append(created, EventUpdate, EventAssignment)
	require.Equal(t, want, f.log.EventsFor(task.ID))
}

func TestUpdateListener_MutationsDoNotRetriggerUpdate(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterGlobal(EventUpdate, func(ctx context.Context, tc *TaskContext) error {
		tc.SetPriority(99)
		tc.SetOwner("piggy")
		return nil
	})
	task := &store.Task{Name: "t"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	f.run(t, func(s store.EntityStore) error {
		return f.controller.SetDueDate(f.ctx, s, task.ID, timePtr(time.Now().Add(time.Hour)))
	})

	// One external operation, one UPDATE.
	require.Equal(t, []Event{EventCreate, EventUpdate}, f.log.EventsFor(task.ID))
}

func TestUpdateListener_AssigneeChangeFeedsSingleAssignment(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterGlobal(EventUpdate, func(ctx context.Context, tc *TaskContext) error {
		tc.SetAssignee("beaker")
		return nil
	})
	task := &store.Task{Name: "t"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	f.run(t, func(s store.EntityStore) error {
		return f.controller.SetPriority(f.ctx, s, task.ID, 10)
	})

	require.Equal(t, []Event{EventCreate, EventUpdate, EventAssignment}, f.log.EventsFor(task.ID))
}

func TestComplete_TerminalStateRejectsFurtherOperations(t *testing.T) {
	f := newFixture(t)
	task := &store.Task{Name: "t"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Complete(f.ctx, s, task.ID)
	})

	err := f.mem.WithTransaction(f.ctx, func(ctx context.Context, s store.EntityStore) error {
		return f.controller.SetPriority(ctx, s, task.ID, 5)
	})
	require.True(t, errs.IsInvalidState(err))

	err = f.mem.WithTransaction(f.ctx, func(ctx context.Context, s store.EntityStore) error {
		return f.controller.Complete(ctx, s, task.ID)
	})
	require.True(t, errs.IsInvalidState(err))
}

func TestComplete_ListenerErrorAbortsTransition(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterGlobal(EventComplete, func(ctx context.Context, tc *TaskContext) error {
		return errs.Business("ORDER_NOT_PAID", "order has unpaid items")
	})
	task := &store.Task{Name: "t"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	err := f.mem.WithTransaction(f.ctx, func(ctx context.Context, s store.EntityStore) error {
		return f.controller.Complete(ctx, s, task.ID)
	})
	require.True(t, errs.IsBusiness(err))

	// The transaction rolled back: the task is still active.
	got, err := f.mem.View().GetTask(f.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStateCreated, got.LifecycleState)
}

func TestCompleteListener_CannotCompleteOrDelete(t *testing.T) {
	f := newFixture(t)
	var completeErr, deleteErr error
	f.registry.RegisterGlobal(EventComplete, func(ctx context.Context, tc *TaskContext) error {
		completeErr = tc.Complete(ctx)
		deleteErr = tc.DeleteTask(ctx)
		return nil
	})
	task := &store.Task{Name: "t"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Complete(f.ctx, s, task.ID)
	})

	require.True(t, errs.IsInvalidState(completeErr))
	require.True(t, errs.IsInvalidState(deleteErr))
}

func TestCompleteListener_DeleteTaskOnProcessTaskIsStructuralConflict(t *testing.T) {
	f := newFixture(t)
	var listenerErr error
	f.registry.RegisterGlobal(EventComplete, func(ctx context.Context, tc *TaskContext) error {
		listenerErr = tc.DeleteTask(ctx)
		return nil
	})
	task := f.newInstanceTask(t)
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Complete(f.ctx, s, task.ID)
	})

	require.True(t, errs.IsStructuralConflict(listenerErr))
}

func TestCompleteListener_DeletesProcessInstance(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterGlobal(EventComplete, func(ctx context.Context, tc *TaskContext) error {
		return tc.DeleteProcessInstance(ctx)
	})
	task := f.newInstanceTask(t)
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	f.run(t, func(s store.EntityStore) error {
		return f.controller.Complete(f.ctx, s, task.ID)
	})

	// The completed task logs COMPLETE then DELETE; its state stays completed.
	require.Equal(t, []Event{EventCreate, EventComplete, EventDelete}, f.log.EventsFor(task.ID))
	got, err := f.mem.View().GetTask(f.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStateCompleted, got.LifecycleState)

	// The execution tree is gone.
	_, err = f.mem.View().GetExecution(f.ctx, *task.ExecutionID)
	require.True(t, errs.IsNotFound(err))
}

func TestCompleteListener_InstanceDeletionCascadesToSiblingTasks(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterGlobal(EventComplete, func(ctx context.Context, tc *TaskContext) error {
		return tc.DeleteProcessInstance(ctx)
	})
	task := f.newInstanceTask(t)
	sibling := &store.Task{
		ExecutionID:       task.ExecutionID,
		ProcessInstanceID: task.ProcessInstanceID,
		Name:              "sibling",
	}
	f.run(t, func(s store.EntityStore) error {
		if err := f.controller.Create(f.ctx, s, task); err != nil {
			return err
		}
		return f.controller.Create(f.ctx, s, sibling)
	})

	f.run(t, func(s store.EntityStore) error {
		return f.controller.Complete(f.ctx, s, task.ID)
	})

	got, err := f.mem.View().GetTask(f.ctx, sibling.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStateDeleted, got.LifecycleState)
	require.Equal(t, []Event{EventCreate, EventDelete}, f.log.EventsFor(sibling.ID))
}

func TestUpdateListener_CannotDeleteProcessInstance(t *testing.T) {
	f := newFixture(t)
	var listenerErr error
	f.registry.RegisterGlobal(EventUpdate, func(ctx context.Context, tc *TaskContext) error {
		listenerErr = tc.DeleteProcessInstance(ctx)
		return nil
	})
	task := f.newInstanceTask(t)
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	f.run(t, func(s store.EntityStore) error {
		return f.controller.SetPriority(f.ctx, s, task.ID, 1)
	})

	require.True(t, errs.IsInvalidState(listenerErr))
}

func TestDelete_ProcessBoundTaskIsStructuralConflict(t *testing.T) {
	f := newFixture(t)
	task := f.newInstanceTask(t)
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	err := f.mem.WithTransaction(f.ctx, func(ctx context.Context, s store.EntityStore) error {
		return f.controller.Delete(ctx, s, task.ID)
	})
	require.True(t, errs.IsStructuralConflict(err))
	require.Contains(t, err.Error(), task.ID.String())
	require.Contains(t, err.Error(), task.ExecutionID.String())
}

func TestDelete_StandaloneTask(t *testing.T) {
	f := newFixture(t)
	task := &store.Task{Name: "standalone"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	f.run(t, func(s store.EntityStore) error {
		return f.controller.Delete(f.ctx, s, task.ID)
	})

	require.Equal(t, []Event{EventCreate, EventDelete}, f.log.EventsFor(task.ID))
	got, err := f.mem.View().GetTask(f.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskStateDeleted, got.LifecycleState)
}

func TestTimeout_TerminalTaskRejectsEvent(t *testing.T) {
	f := newFixture(t)
	task := &store.Task{Name: "t"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Complete(f.ctx, s, task.ID)
	})

	err := f.mem.WithTransaction(f.ctx, func(ctx context.Context, s store.EntityStore) error {
		return f.controller.Timeout(ctx, s, task.ID)
	})
	require.True(t, errs.IsInvalidState(err))
	require.NotContains(t, f.log.EventsFor(task.ID), EventTimeout)
}

func TestComplete_CancelsPendingTimeoutTimer(t *testing.T) {
	f := newFixture(t)
	task := f.newInstanceTask(t)
	f.run(t, func(s store.EntityStore) error {
		if err := f.controller.Create(f.ctx, s, task); err != nil {
			return err
		}
		return f.controller.ScheduleTimeout(f.ctx, s, task.ID, time.Now().Add(time.Minute))
	})

	jobs, err := f.mem.View().JobsByProcessInstances(f.ctx, []uuid.UUID{*task.ProcessInstanceID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, TimeoutJobType, jobs[0].JobType)
	require.Equal(t, task.ID.String(), jobs[0].Configuration)

	f.run(t, func(s store.EntityStore) error {
		return f.controller.Complete(f.ctx, s, task.ID)
	})

	jobs, err = f.mem.View().JobsByProcessInstances(f.ctx, []uuid.UUID{*task.ProcessInstanceID})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestCreate_RaisesHasTasksFlag(t *testing.T) {
	f := newFixture(t)
	task := f.newInstanceTask(t)

	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	e, err := f.mem.View().GetExecution(f.ctx, *task.ExecutionID)
	require.NoError(t, err)
	require.True(t, e.CachedEntityState.Has(store.HasTasks))
}

func TestFinish_ClearsHasTasksOnlyWhenProvablyEmpty(t *testing.T) {
	f := newFixture(t)
	task := f.newInstanceTask(t)
	sibling := &store.Task{
		ExecutionID:       task.ExecutionID,
		ProcessInstanceID: task.ProcessInstanceID,
		Name:              "sibling",
	}
	f.run(t, func(s store.EntityStore) error {
		if err := f.controller.Create(f.ctx, s, task); err != nil {
			return err
		}
		return f.controller.Create(f.ctx, s, sibling)
	})

	// One active sibling remains: the flag stays raised.
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Complete(f.ctx, s, task.ID)
	})
	e, err := f.mem.View().GetExecution(f.ctx, *task.ExecutionID)
	require.NoError(t, err)
	require.True(t, e.CachedEntityState.Has(store.HasTasks))

	f.run(t, func(s store.EntityStore) error {
		return f.controller.Complete(f.ctx, s, sibling.ID)
	})
	e, err = f.mem.View().GetExecution(f.ctx, *task.ExecutionID)
	require.NoError(t, err)
	require.False(t, e.CachedEntityState.Has(store.HasTasks))
}

func TestRegistry_ScopedListenersResolveBeforeGlobal(t *testing.T) {
	f := newFixture(t)
	defID := uuid.New()
	var order []string
	f.registry.RegisterGlobal(EventCreate, func(ctx context.Context, tc *TaskContext) error {
		order = append(order, "global")
		return nil
	})
	f.registry.Register(EventCreate, defID, "review", func(ctx context.Context, tc *TaskContext) error {
		order = append(order, "scoped")
		return nil
	})

	task := &store.Task{ProcessDefinitionID: &defID, TaskDefinitionKey: "review", Name: "t"}
	f.run(t, func(s store.EntityStore) error {
		return f.controller.Create(f.ctx, s, task)
	})

	require.Equal(t, []string{"scoped", "global"}, order)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
