package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"flowplane/internal/auth"
	"flowplane/internal/engine/errs"
	"flowplane/internal/engine/suspension"
	"flowplane/internal/engine/task"
	"flowplane/internal/engine/tree"
	"flowplane/internal/store"
)

// Job types produced by deployed job definitions.
const (
	JobTypeTimer             = "timer"
	JobTypeAsyncContinuation = "async-continuation"
)

// continuationConfig is the configuration payload of timer and
// async-continuation jobs.
type continuationConfig struct {
	ExecutionID  uuid.UUID `json:"execution_id"`
	ActivityID   string    `json:"activity_id"`
	Boundary     bool      `json:"boundary,omitempty"`
	Interrupting bool      `json:"interrupting,omitempty"`
}

// ContinuationConfiguration serializes the payload for a timer or
// async-continuation job.
func ContinuationConfiguration(executionID uuid.UUID, activityID string) (string, error) {
	b, err := json.Marshal(continuationConfig{ExecutionID: executionID, ActivityID: activityID})
	return string(b), err
}

// BoundaryConfiguration serializes the payload for a boundary timer job.
func BoundaryConfiguration(executionID uuid.UUID, activityID string, interrupting bool) (string, error) {
	b, err := json.Marshal(continuationConfig{
		ExecutionID:  executionID,
		ActivityID:   activityID,
		Boundary:     true,
		Interrupting: interrupting,
	})
	return string(b), err
}

// TimerHandler advances the execution tree when a timer fires: either a
// plain continuation or a boundary event on the configured activity.
type TimerHandler struct{}

func (TimerHandler) Execute(ctx context.Context, s store.EntityStore, job *store.Job) error {
	var cfg continuationConfig
	if err := json.Unmarshal([]byte(job.Configuration), &cfg); err != nil {
		return errs.BadRequest("malformed timer configuration: %v", err)
	}
	if job.ProcessInstanceID == nil {
		return errs.BadRequest("timer job %s has no process instance", job.ID)
	}
	t, err := tree.Load(ctx, s, *job.ProcessInstanceID)
	if err != nil {
		return err
	}
	if cfg.Boundary {
		if _, err := t.TriggerBoundary(cfg.ExecutionID, cfg.ActivityID, cfg.Interrupting); err != nil {
			return err
		}
	} else {
		if err := t.Advance(cfg.ExecutionID, cfg.ActivityID); err != nil {
			return err
		}
	}
	return t.Persist(ctx, s)
}

// AsyncContinuationHandler resumes an execution after its transaction
// boundary: the execution advances to the configured activity.
type AsyncContinuationHandler struct{}

func (AsyncContinuationHandler) Execute(ctx context.Context, s store.EntityStore, job *store.Job) error {
	var cfg continuationConfig
	if err := json.Unmarshal([]byte(job.Configuration), &cfg); err != nil {
		return errs.BadRequest("malformed continuation configuration: %v", err)
	}
	if job.ProcessInstanceID == nil {
		return errs.BadRequest("continuation job %s has no process instance", job.ID)
	}
	t, err := tree.Load(ctx, s, *job.ProcessInstanceID)
	if err != nil {
		return err
	}
	if err := t.Advance(cfg.ExecutionID, cfg.ActivityID); err != nil {
		return err
	}
	return t.Persist(ctx, s)
}

// SuspensionHandler re-invokes the deferred suspend or activate cascade
// with the execution date cleared. It runs under the tenant scope pinned on
// the command at schedule time; commands without one carry system privileges.
type SuspensionHandler struct {
	Coordinator *suspension.Coordinator
	Suspend     bool
}

func (h SuspensionHandler) Execute(ctx context.Context, s store.EntityStore, job *store.Job) error {
	cmd, err := suspension.UnmarshalCommand(job.Configuration)
	if err != nil {
		return err
	}
	cmd.ExecutionDate = nil
	caller := &auth.Authentication{TenantCheckDisabled: true}
	if cmd.ScheduledBy != nil {
		caller = cmd.ScheduledBy
	}
	ctx = auth.WithAuthentication(ctx, caller)
	if h.Suspend {
		return h.Coordinator.Suspend(ctx, s, cmd)
	}
	return h.Coordinator.Activate(ctx, s, cmd)
}

// TaskTimeoutHandler fires the TIMEOUT lifecycle event. A task that turned
// terminal since the timer was scheduled already cancelled it; a leftover
// firing is dropped.
type TaskTimeoutHandler struct {
	Controller *task.Controller
}

func (h TaskTimeoutHandler) Execute(ctx context.Context, s store.EntityStore, job *store.Job) error {
	taskID, err := uuid.Parse(job.Configuration)
	if err != nil {
		return errs.BadRequest("malformed task timeout configuration: %v", err)
	}
	err = h.Controller.Timeout(ctx, s, taskID)
	if err != nil && (errs.IsInvalidState(err) || errs.IsNotFound(err)) {
		return nil
	}
	return err
}

// RegisterDefaultHandlers wires the handlers this core ships with.
func RegisterDefaultHandlers(r *Registry, coordinator *suspension.Coordinator, controller *task.Controller, logger *slog.Logger) {
	r.Register(JobTypeTimer, TimerHandler{})
	r.Register(JobTypeAsyncContinuation, AsyncContinuationHandler{})
	r.Register(suspension.JobTypeSuspend, SuspensionHandler{Coordinator: coordinator, Suspend: true})
	r.Register(suspension.JobTypeActivate, SuspensionHandler{Coordinator: coordinator, Suspend: false})
	r.Register(task.TimeoutJobType, TaskTimeoutHandler{Controller: controller})
	logger.Debug("registered default job handlers")
}
