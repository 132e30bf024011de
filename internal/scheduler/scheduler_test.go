package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"flowplane/internal/engine/errs"
	"flowplane/internal/store"
	"flowplane/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScheduler(t *testing.T, mem *memory.Store, cfg Config, registry *Registry) *Scheduler {
	t.Helper()
	if cfg.LockOwner == "" {
		cfg.LockOwner = "test-owner"
	}
	return New(mem, registry, cfg, testLogger())
}

func insertJob(t *testing.T, mem *memory.Store, j *store.Job) {
	t.Helper()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.SuspensionState == 0 {
		j.SuspensionState = store.StateActive
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().Add(-time.Minute)
	}
	err := mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		return s.InsertJob(ctx, j)
	})
	require.NoError(t, err)
}

func getJob(t *testing.T, mem *memory.Store, id uuid.UUID) *store.Job {
	t.Helper()
	j, err := mem.View().GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestAcquire_ClaimsLease(t *testing.T) {
	mem := memory.New()
	s := newScheduler(t, mem, Config{LockDuration: time.Minute}, NewRegistry())
	job := &store.Job{JobType: "timer", Retries: 3}
	insertJob(t, mem, job)

	claimed, err := s.acquire(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	stored := getJob(t, mem, job.ID)
	require.NotNil(t, stored.LockOwner)
	require.Equal(t, "test-owner", *stored.LockOwner)
	require.True(t, stored.Locked(time.Now()))
}

func TestAcquire_SkipsLockedAndSuspendedAndExhausted(t *testing.T) {
	mem := memory.New()
	s := newScheduler(t, mem, Config{}, NewRegistry())

	owner := "someone-else"
	lockedUntil := time.Now().Add(time.Hour)
	insertJob(t, mem, &store.Job{JobType: "timer", Retries: 3, LockOwner: &owner, LockExpirationTime: &lockedUntil})
	insertJob(t, mem, &store.Job{JobType: "timer", Retries: 3, SuspensionState: store.StateSuspended})
	insertJob(t, mem, &store.Job{JobType: "timer", Retries: 0})
	future := time.Now().Add(time.Hour)
	insertJob(t, mem, &store.Job{JobType: "timer", Retries: 3, DueDate: &future})

	claimed, err := s.acquire(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestAcquire_ReclaimsExpiredLease(t *testing.T) {
	mem := memory.New()
	s := newScheduler(t, mem, Config{}, NewRegistry())

	deadOwner := "crashed-scheduler"
	expired := time.Now().Add(-time.Minute)
	job := &store.Job{JobType: "timer", Retries: 3, LockOwner: &deadOwner, LockExpirationTime: &expired}
	insertJob(t, mem, job)

	claimed, err := s.acquire(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	stored := getJob(t, mem, job.ID)
	require.Equal(t, "test-owner", *stored.LockOwner)
}

func TestRunJob_SuccessDeletesJob(t *testing.T) {
	mem := memory.New()
	registry := NewRegistry()
	var executed int
	registry.Register("timer", HandlerFunc(func(ctx context.Context, s store.EntityStore, job *store.Job) error {
		executed++
		return nil
	}))
	s := newScheduler(t, mem, Config{}, registry)
	job := &store.Job{JobType: "timer", Retries: 3}
	insertJob(t, mem, job)

	s.runJob(context.Background(), getJob(t, mem, job.ID))

	require.Equal(t, 1, executed)
	_, err := mem.View().GetJob(context.Background(), job.ID)
	require.True(t, errs.IsNotFound(err))
}

func TestRunJob_FailureDecrementsRetriesAndReleasesLock(t *testing.T) {
	mem := memory.New()
	registry := NewRegistry()
	registry.Register("timer", HandlerFunc(func(ctx context.Context, s store.EntityStore, job *store.Job) error {
		return errors.New("downstream unavailable")
	}))
	s := newScheduler(t, mem, Config{}, registry)
	job := &store.Job{JobType: "timer", Retries: 3}
	insertJob(t, mem, job)

	claimed, err := s.acquire(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	s.runJob(context.Background(), claimed[0])

	stored := getJob(t, mem, job.ID)
	require.Equal(t, 2, stored.Retries)
	require.Equal(t, "downstream unavailable", stored.ExceptionMessage)
	require.Nil(t, stored.LockOwner)
	require.Nil(t, stored.LockExpirationTime)
}

func TestRunJob_HandlerMutationsRollBackOnFailure(t *testing.T) {
	// The handler transaction rolls back but the retry decrement sticks:
	// failure bookkeeping runs in its own command.
	mem := memory.New()
	registry := NewRegistry()
	extra := &store.Job{ID: uuid.New(), JobType: "timer", Retries: 1, SuspensionState: store.StateActive, CreatedAt: time.Now()}
	registry.Register("timer", HandlerFunc(func(ctx context.Context, s store.EntityStore, job *store.Job) error {
		if err := s.InsertJob(ctx, extra); err != nil {
			return err
		}
		return errors.New("boom after partial work")
	}))
	s := newScheduler(t, mem, Config{}, registry)
	job := &store.Job{JobType: "timer", Retries: 3}
	insertJob(t, mem, job)

	s.runJob(context.Background(), getJob(t, mem, job.ID))

	_, err := mem.View().GetJob(context.Background(), extra.ID)
	require.True(t, errs.IsNotFound(err), "partial handler work must roll back")
	require.Equal(t, 2, getJob(t, mem, job.ID).Retries)
}

func TestRunJob_ExhaustedRetriesRaiseIncidentFlag(t *testing.T) {
	mem := memory.New()
	registry := NewRegistry()
	registry.Register("timer", HandlerFunc(func(ctx context.Context, s store.EntityStore, job *store.Job) error {
		return errors.New("permanent failure")
	}))
	s := newScheduler(t, mem, Config{}, registry)

	execID := uuid.New()
	err := mem.WithTransaction(context.Background(), func(ctx context.Context, st store.EntityStore) error {
		return st.InsertExecution(ctx, &store.Execution{
			ID: execID, ProcessInstanceID: execID, ProcessDefinitionID: uuid.New(),
			IsActive: true, IsScope: true, SequenceCounter: 1, SuspensionState: store.StateActive,
		})
	})
	require.NoError(t, err)

	job := &store.Job{JobType: "timer", Retries: 1, ExecutionID: &execID}
	insertJob(t, mem, job)

	s.runJob(context.Background(), getJob(t, mem, job.ID))

	stored := getJob(t, mem, job.ID)
	require.Equal(t, 0, stored.Retries)

	e, err := mem.View().GetExecution(context.Background(), execID)
	require.NoError(t, err)
	require.True(t, e.CachedEntityState.Has(store.HasIncidents))

	// With retries at zero the job no longer qualifies for acquisition.
	claimed, err := s.acquire(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestRunJob_BackoffPushesDueDate(t *testing.T) {
	mem := memory.New()
	registry := NewRegistry()
	registry.Register("timer", HandlerFunc(func(ctx context.Context, s store.EntityStore, job *store.Job) error {
		return errors.New("transient")
	}))
	s := newScheduler(t, mem, Config{Backoff: ExponentialBackoff}, registry)
	job := &store.Job{JobType: "timer", Retries: 3}
	insertJob(t, mem, job)

	before := time.Now()
	s.runJob(context.Background(), getJob(t, mem, job.ID))

	stored := getJob(t, mem, job.ID)
	require.NotNil(t, stored.DueDate)
	require.True(t, stored.DueDate.After(before.Add(10*time.Second)), "first attempt backs off at least 10s*2")
}

func TestRunJob_BackoffSurvivesRevivedRetryBudget(t *testing.T) {
	mem := memory.New()
	registry := NewRegistry()
	registry.Register("timer", HandlerFunc(func(ctx context.Context, s store.EntityStore, job *store.Job) error {
		return errors.New("transient")
	}))
	s := newScheduler(t, mem, Config{Backoff: ExponentialBackoff}, registry)
	job := &store.Job{JobType: "timer", Retries: 1}
	insertJob(t, mem, job)

	// More retries than DefaultRetries, as after a manual revival.
	require.NoError(t, s.SetJobRetries(context.Background(), job.ID, 10))

	before := time.Now()
	s.runJob(context.Background(), getJob(t, mem, job.ID))

	stored := getJob(t, mem, job.ID)
	require.Equal(t, 9, stored.Retries)
	require.NotNil(t, stored.DueDate)
	require.True(t, stored.DueDate.After(before.Add(5*time.Second)), "clamped first attempt backs off 10s")
}

func TestExecute_RecurringTimerInsertsSuccessor(t *testing.T) {
	mem := memory.New()
	registry := NewRegistry()
	registry.Register("timer", HandlerFunc(func(ctx context.Context, s store.EntityStore, job *store.Job) error {
		return nil
	}))
	s := newScheduler(t, mem, Config{DefaultRetries: 3}, registry)

	interval := 10 * time.Minute
	due := time.Now().Truncate(time.Second)
	job := &store.Job{JobType: "timer", Retries: 1, DueDate: &due, RepeatInterval: &interval, Configuration: "cycle"}
	insertJob(t, mem, job)

	require.NoError(t, s.execute(context.Background(), getJob(t, mem, job.ID)))

	_, err := mem.View().GetJob(context.Background(), job.ID)
	require.True(t, errs.IsNotFound(err))

	// Exactly one successor, due one interval after the previous due date,
	// with a fresh retry budget and no lease.
	successors, err := mem.View().DueJobs(context.Background(), due.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, successors, 1)
	next := successors[0]
	require.NotEqual(t, job.ID, next.ID)
	require.Equal(t, "cycle", next.Configuration)
	require.Equal(t, 3, next.Retries)
	require.Nil(t, next.LockOwner)
	require.True(t, next.DueDate.Equal(due.Add(interval)))
}

func TestExecuteJob_SuspendedJobIsInvalidState(t *testing.T) {
	mem := memory.New()
	s := newScheduler(t, mem, Config{}, NewRegistry())
	job := &store.Job{JobType: "timer", Retries: 3, SuspensionState: store.StateSuspended}
	insertJob(t, mem, job)

	err := s.ExecuteJob(context.Background(), job.ID)
	require.True(t, errs.IsInvalidState(err))
}

func TestExecuteJob_PropagatesHandlerErrorAfterBookkeeping(t *testing.T) {
	mem := memory.New()
	registry := NewRegistry()
	boom := errors.New("handler exploded")
	registry.Register("timer", HandlerFunc(func(ctx context.Context, s store.EntityStore, job *store.Job) error {
		return boom
	}))
	s := newScheduler(t, mem, Config{}, registry)
	job := &store.Job{JobType: "timer", Retries: 3}
	insertJob(t, mem, job)

	err := s.ExecuteJob(context.Background(), job.ID)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, getJob(t, mem, job.ID).Retries)
}

func TestExecuteJob_UnknownJob(t *testing.T) {
	mem := memory.New()
	s := newScheduler(t, mem, Config{}, NewRegistry())

	err := s.ExecuteJob(context.Background(), uuid.New())
	require.True(t, errs.IsNotFound(err))
}

func TestSetJobRetries(t *testing.T) {
	mem := memory.New()
	s := newScheduler(t, mem, Config{}, NewRegistry())
	job := &store.Job{JobType: "timer", Retries: 0}
	insertJob(t, mem, job)

	require.True(t, errs.IsBadRequest(s.SetJobRetries(context.Background(), job.ID, -1)))

	require.NoError(t, s.SetJobRetries(context.Background(), job.ID, 5))
	require.Equal(t, 5, getJob(t, mem, job.ID).Retries)
}

func TestExceptionStacktrace(t *testing.T) {
	mem := memory.New()
	s := newScheduler(t, mem, Config{}, NewRegistry())
	job := &store.Job{JobType: "timer", Retries: 0, ExceptionMessage: "stack frame 1\nstack frame 2"}
	insertJob(t, mem, job)

	msg, err := s.ExceptionStacktrace(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, "stack frame 1\nstack frame 2", msg)
}

func TestRun_DrainsOnCancel(t *testing.T) {
	mem := memory.New()
	registry := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	registry.Register("timer", HandlerFunc(func(ctx context.Context, s store.EntityStore, job *store.Job) error {
		close(started)
		<-release
		finished = true
		return nil
	}))
	s := newScheduler(t, mem, Config{PollInterval: 10 * time.Millisecond, Concurrency: 1}, registry)
	insertJob(t, mem, &store.Job{JobType: "timer", Retries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not drain after cancel")
	}
	require.True(t, finished, "in-flight job must finish before Run returns")
}
