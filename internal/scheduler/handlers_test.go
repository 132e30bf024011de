package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"flowplane/internal/auth"
	"flowplane/internal/engine/suspension"
	"flowplane/internal/engine/task"
	"flowplane/internal/engine/tree"
	"flowplane/internal/store"
	"flowplane/internal/store/memory"
)

func persistNewInstance(t *testing.T, mem *memory.Store) *tree.Tree {
	t.Helper()
	tr := tree.NewProcessInstance(uuid.New(), "wait", nil)
	err := mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		return tr.Persist(ctx, s)
	})
	require.NoError(t, err)
	return tr
}

func TestTimerHandler_AdvancesExecution(t *testing.T) {
	mem := memory.New()
	tr := persistNewInstance(t, mem)
	root := tr.Root()

	cfg, err := ContinuationConfiguration(root.ID, "after-timer")
	require.NoError(t, err)
	job := &store.Job{ID: uuid.New(), ProcessInstanceID: &root.ProcessInstanceID, JobType: JobTypeTimer, Configuration: cfg}

	err = mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		return TimerHandler{}.Execute(ctx, s, job)
	})
	require.NoError(t, err)

	loaded, err := tree.Load(context.Background(), mem.View(), root.ProcessInstanceID)
	require.NoError(t, err)
	require.Equal(t, "after-timer", loaded.Root().ActivityID)
	require.Greater(t, loaded.Root().SequenceCounter, root.SequenceCounter)
}

func TestTimerHandler_BoundaryInterruptingCancelsSubtree(t *testing.T) {
	mem := memory.New()
	tr := tree.NewProcessInstance(uuid.New(), "start", nil)
	scope, err := tr.CreateScope(tr.Root().ID, "sub")
	require.NoError(t, err)
	_, err = tr.Fork(scope.ID, []string{"a", "b"})
	require.NoError(t, err)
	err = mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		return tr.Persist(ctx, s)
	})
	require.NoError(t, err)

	cfg, err := BoundaryConfiguration(scope.ID, "timeout-path", true)
	require.NoError(t, err)
	instID := tr.Root().ProcessInstanceID
	job := &store.Job{ID: uuid.New(), ProcessInstanceID: &instID, JobType: JobTypeTimer, Configuration: cfg}

	err = mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		return TimerHandler{}.Execute(ctx, s, job)
	})
	require.NoError(t, err)

	loaded, err := tree.Load(context.Background(), mem.View(), instID)
	require.NoError(t, err)
	require.Len(t, loaded.Executions(), 2)
	host, err := loaded.Get(scope.ID)
	require.NoError(t, err)
	require.Equal(t, "timeout-path", host.ActivityID)
}

func TestSuspensionHandler_RunsDeferredCascade(t *testing.T) {
	mem := memory.New()
	coordinator := suspension.NewCoordinator(testLogger())

	tenant := "tenant-a"
	def := &store.ProcessDefinition{ID: uuid.New(), Key: "invoice", Version: 1, TenantID: &tenant, SuspensionState: store.StateActive}
	err := mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		return s.InsertProcessDefinition(ctx, def)
	})
	require.NoError(t, err)

	cmd := &suspension.Command{Target: suspension.TargetProcessDefinition, ID: &def.ID}
	config, err := cmd.Marshal()
	require.NoError(t, err)
	job := &store.Job{ID: uuid.New(), JobType: suspension.JobTypeSuspend, Configuration: config}

	// No authentication on the context: the handler runs with tenant
	// checking disabled and still reaches the tenant-owned definition.
	err = mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		return SuspensionHandler{Coordinator: coordinator, Suspend: true}.Execute(ctx, s, job)
	})
	require.NoError(t, err)

	got, err := mem.View().GetProcessDefinition(context.Background(), def.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateSuspended, got.SuspensionState)
}

func TestTaskTimeoutHandler_FiresTimeoutEvent(t *testing.T) {
	mem := memory.New()
	log := task.NewEventLog()
	controller := task.NewController(task.NewRegistry(), log)

	tk := &store.Task{Name: "review"}
	err := mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		return controller.Create(ctx, s, tk)
	})
	require.NoError(t, err)

	job := &store.Job{ID: uuid.New(), JobType: task.TimeoutJobType, Configuration: tk.ID.String()}
	err = mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		return TaskTimeoutHandler{Controller: controller}.Execute(ctx, s, job)
	})
	require.NoError(t, err)

	require.Contains(t, log.EventsFor(tk.ID), task.EventTimeout)
}

func TestTaskTimeoutHandler_DropsLeftoverFiringOnTerminalTask(t *testing.T) {
	mem := memory.New()
	log := task.NewEventLog()
	controller := task.NewController(task.NewRegistry(), log)

	tk := &store.Task{Name: "review"}
	err := mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		if err := controller.Create(ctx, s, tk); err != nil {
			return err
		}
		return controller.Complete(ctx, s, tk.ID)
	})
	require.NoError(t, err)

	job := &store.Job{ID: uuid.New(), JobType: task.TimeoutJobType, Configuration: tk.ID.String()}
	err = mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		return TaskTimeoutHandler{Controller: controller}.Execute(ctx, s, job)
	})
	require.NoError(t, err)
	require.NotContains(t, log.EventsFor(tk.ID), task.EventTimeout)
}

func TestDeferredSuspension_EndToEndThroughScheduler(t *testing.T) {
	// Suspend with an execution date, run the scheduled job through the
	// scheduler loop machinery, and observe the cascade applied.
	mem := memory.New()
	coordinator := suspension.NewCoordinator(testLogger())
	registry := NewRegistry()
	RegisterDefaultHandlers(registry, coordinator, task.NewController(task.NewRegistry(), task.NewEventLog()), testLogger())
	s := newScheduler(t, mem, Config{}, registry)

	def := &store.ProcessDefinition{ID: uuid.New(), Key: "invoice", Version: 1, SuspensionState: store.StateActive}
	err := mem.WithTransaction(context.Background(), func(ctx context.Context, st store.EntityStore) error {
		return st.InsertProcessDefinition(ctx, def)
	})
	require.NoError(t, err)

	due := time.Now().Add(-time.Second)
	cmd := &suspension.Command{Target: suspension.TargetProcessDefinition, ID: &def.ID, ExecutionDate: &due}
	err = mem.WithTransaction(context.Background(), func(ctx context.Context, st store.EntityStore) error {
		return coordinator.Suspend(ctx, st, cmd)
	})
	require.NoError(t, err)

	claimed, err := s.acquire(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, suspension.JobTypeSuspend, claimed[0].JobType)
	s.runJob(context.Background(), claimed[0])

	got, err := mem.View().GetProcessDefinition(context.Background(), def.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateSuspended, got.SuspensionState)

	// The one-shot job consumed itself.
	remaining, err := mem.View().DueJobs(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestDeferredSuspension_FiredCascadeKeepsCallerTenantScope(t *testing.T) {
	mem := memory.New()
	coordinator := suspension.NewCoordinator(testLogger())
	registry := NewRegistry()
	RegisterDefaultHandlers(registry, coordinator, task.NewController(task.NewRegistry(), task.NewEventLog()), testLogger())
	s := newScheduler(t, mem, Config{}, registry)

	tenantA, tenantB := "tenant-a", "tenant-b"
	defA := &store.ProcessDefinition{ID: uuid.New(), Key: "invoice", Version: 1, TenantID: &tenantA, SuspensionState: store.StateActive}
	defB := &store.ProcessDefinition{ID: uuid.New(), Key: "invoice", Version: 1, TenantID: &tenantB, SuspensionState: store.StateActive}
	err := mem.WithTransaction(context.Background(), func(ctx context.Context, st store.EntityStore) error {
		if err := st.InsertProcessDefinition(ctx, defA); err != nil {
			return err
		}
		return st.InsertProcessDefinition(ctx, defB)
	})
	require.NoError(t, err)

	// A caller restricted to tenant-a defers a keyed suspend.
	callerCtx := auth.WithAuthentication(context.Background(), &auth.Authentication{UserID: "mary", TenantIDs: []string{tenantA}})
	key := "invoice"
	due := time.Now().Add(-time.Second)
	cmd := &suspension.Command{Target: suspension.TargetProcessDefinition, Key: &key, ExecutionDate: &due}
	err = mem.WithTransaction(callerCtx, func(ctx context.Context, st store.EntityStore) error {
		return coordinator.Suspend(ctx, st, cmd)
	})
	require.NoError(t, err)

	// The scheduler fires it with no caller on the context; the scope
	// pinned at schedule time still filters out tenant-b.
	claimed, err := s.acquire(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	s.runJob(context.Background(), claimed[0])

	gotA, err := mem.View().GetProcessDefinition(context.Background(), defA.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateSuspended, gotA.SuspensionState)

	gotB, err := mem.View().GetProcessDefinition(context.Background(), defB.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateActive, gotB.SuspensionState)
}
