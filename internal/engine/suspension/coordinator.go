package suspension

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/auth"
	"flowplane/internal/engine/errs"
	"flowplane/internal/store"
)

// Coordinator flips suspension states and cascades them to dependents. All
// methods run inside the caller's transactional command, so a concurrent
// reader observes either the fully suspended or the fully active state of a
// cascade, never a partial mix.
type Coordinator struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator returns a coordinator logging through the given logger.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{logger: logger, now: time.Now}
}

// Suspend applies the command with target state suspended.
func (c *Coordinator) Suspend(ctx context.Context, s store.EntityStore, cmd *Command) error {
	return c.apply(ctx, s, cmd, store.StateSuspended)
}

// Activate is the exact mirror of Suspend.
func (c *Coordinator) Activate(ctx context.Context, s store.EntityStore, cmd *Command) error {
	return c.apply(ctx, s, cmd, store.StateActive)
}

func (c *Coordinator) apply(ctx context.Context, s store.EntityStore, cmd *Command, state store.SuspensionState) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.ExecutionDate != nil {
		return c.scheduleDeferred(ctx, s, cmd, state)
	}
	switch cmd.Target {
	case TargetProcessDefinition:
		return c.applyToProcessDefinitions(ctx, s, cmd, state)
	case TargetJobDefinition:
		return c.applyToJobDefinition(ctx, s, *cmd.ID, state)
	case TargetJob:
		return c.applyToJob(ctx, s, *cmd.ID, state)
	case TargetProcessInstance:
		return c.applyToProcessInstance(ctx, s, *cmd.ID, state)
	}
	return nil
}

// scheduleDeferred schedules the cascade as a one-shot job instead of flipping
// anything now. Deleting the job before it fires cancels the effect. The
// target's tenant check still runs at schedule time, and the caller's scope
// is pinned on the command so the fired job cannot reach further than the
// caller could.
func (c *Coordinator) scheduleDeferred(ctx context.Context, s store.EntityStore, cmd *Command, state store.SuspensionState) error {
	if err := c.authorizeDeferred(ctx, s, cmd); err != nil {
		return err
	}
	deferred := *cmd
	deferred.ExecutionDate = nil
	if caller := auth.FromContext(ctx); !caller.Unrestricted && !caller.TenantCheckDisabled {
		deferred.ScheduledBy = &auth.Authentication{UserID: caller.UserID, TenantIDs: caller.TenantIDs}
	}
	configuration, err := deferred.Marshal()
	if err != nil {
		return fmt.Errorf("marshal deferred suspension: %w", err)
	}
	jobType := JobTypeSuspend
	if state == store.StateActive {
		jobType = JobTypeActivate
	}
	job := &store.Job{
		ID:              uuid.New(),
		JobType:         jobType,
		Configuration:   configuration,
		DueDate:         cmd.ExecutionDate,
		Retries:         3,
		SuspensionState: store.StateActive,
		TenantID:        cmd.TenantID,
		CreatedAt:       c.now(),
	}
	if err := s.InsertJob(ctx, job); err != nil {
		return fmt.Errorf("schedule deferred suspension: %w", err)
	}
	c.logger.Info("scheduled deferred suspension toggle",
		"job_id", job.ID, "job_type", jobType, "due", cmd.ExecutionDate)
	return nil
}

// authorizeDeferred runs the target's tenant check before the deferred job is
// inserted. An id selection against a foreign tenant fails now, naming the id;
// a keyed bulk selection keeps its silent filter through the pinned scope.
func (c *Coordinator) authorizeDeferred(ctx context.Context, s store.EntityStore, cmd *Command) error {
	if cmd.ID == nil {
		return nil
	}
	a := auth.FromContext(ctx)
	switch cmd.Target {
	case TargetProcessDefinition:
		def, err := s.GetProcessDefinition(ctx, *cmd.ID)
		if err != nil {
			return err
		}
		if !a.CanAccessTenant(def.TenantID) {
			return errs.Unauthorized("process definition", def.ID.String())
		}
	case TargetJobDefinition:
		jd, err := s.GetJobDefinition(ctx, *cmd.ID)
		if err != nil {
			return err
		}
		if !a.CanAccessTenant(jd.TenantID) {
			return errs.Unauthorized("job definition", jd.ID.String())
		}
	case TargetJob:
		job, err := s.GetJob(ctx, *cmd.ID)
		if err != nil {
			return err
		}
		if !a.CanAccessTenant(job.TenantID) {
			return errs.Unauthorized("job", job.ID.String())
		}
	case TargetProcessInstance:
		root, err := s.GetExecution(ctx, *cmd.ID)
		if err != nil {
			return err
		}
		if !root.IsProcessInstance() {
			return errs.BadRequest("execution %s is not a process instance root", root.ID)
		}
		if !a.CanAccessTenant(root.TenantID) {
			return errs.Unauthorized("process instance", root.ID.String())
		}
	}
	return nil
}

func (c *Coordinator) applyToProcessDefinitions(ctx context.Context, s store.EntityStore, cmd *Command, state store.SuspensionState) error {
	defs, err := c.resolveDefinitions(ctx, s, cmd)
	if err != nil {
		return err
	}
	defIDs := make([]uuid.UUID, 0, len(defs))
	for _, def := range defs {
		def.SuspensionState = state
		if err := s.UpdateProcessDefinition(ctx, def); err != nil {
			return err
		}
		defIDs = append(defIDs, def.ID)
	}
	if len(defIDs) == 0 {
		return nil
	}

	// Job suspension is not gated by IncludeProcessInstances: every job
	// definition bound to the target and every job referencing those
	// definitions always flips.
	jobDefs, err := s.JobDefinitionsByProcessDefinitions(ctx, defIDs)
	if err != nil {
		return err
	}
	if _, err := s.SetJobDefinitionSuspensionByDefinitions(ctx, defIDs, state); err != nil {
		return err
	}
	jobDefIDs := make([]uuid.UUID, 0, len(jobDefs))
	for _, jd := range jobDefs {
		jobDefIDs = append(jobDefIDs, jd.ID)
	}
	if len(jobDefIDs) > 0 {
		if _, err := s.SetJobSuspensionByJobDefinitions(ctx, jobDefIDs, state); err != nil {
			return err
		}
	}

	if !cmd.IncludeProcessInstances {
		return nil
	}
	instances, err := s.ProcessInstancesByDefinition(ctx, defIDs)
	if err != nil {
		return err
	}
	instanceIDs := make([]uuid.UUID, 0, len(instances))
	for _, inst := range instances {
		instanceIDs = append(instanceIDs, inst.ID)
	}
	if len(instanceIDs) == 0 {
		return nil
	}
	return c.flipInstances(ctx, s, instanceIDs, state)
}

func (c *Coordinator) applyToJobDefinition(ctx context.Context, s store.EntityStore, id uuid.UUID, state store.SuspensionState) error {
	jd, err := s.GetJobDefinition(ctx, id)
	if err != nil {
		return err
	}
	if !auth.FromContext(ctx).CanAccessTenant(jd.TenantID) {
		return errs.Unauthorized("job definition", id.String())
	}
	jd.SuspensionState = state
	if err := s.UpdateJobDefinition(ctx, jd); err != nil {
		return err
	}
	_, err = s.SetJobSuspensionByJobDefinitions(ctx, []uuid.UUID{id}, state)
	return err
}

func (c *Coordinator) applyToJob(ctx context.Context, s store.EntityStore, id uuid.UUID, state store.SuspensionState) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !auth.FromContext(ctx).CanAccessTenant(job.TenantID) {
		return errs.Unauthorized("job", id.String())
	}
	job.SuspensionState = state
	return s.UpdateJob(ctx, job)
}

func (c *Coordinator) applyToProcessInstance(ctx context.Context, s store.EntityStore, id uuid.UUID, state store.SuspensionState) error {
	root, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if !root.IsProcessInstance() {
		return errs.BadRequest("execution %s is not a process instance root", id)
	}
	if !auth.FromContext(ctx).CanAccessTenant(root.TenantID) {
		return errs.Unauthorized("process instance", id.String())
	}
	return c.flipInstances(ctx, s, []uuid.UUID{id}, state)
}

// flipInstances cascades over executions, tasks, external tasks and jobs of
// the given instances in one command.
func (c *Coordinator) flipInstances(ctx context.Context, s store.EntityStore, instanceIDs []uuid.UUID, state store.SuspensionState) error {
	execs, err := s.SetExecutionSuspensionByInstances(ctx, instanceIDs, state)
	if err != nil {
		return err
	}
	tasks, err := s.SetTaskSuspensionByInstances(ctx, instanceIDs, state)
	if err != nil {
		return err
	}
	external, err := s.SetExternalTaskSuspensionByInstances(ctx, instanceIDs, state)
	if err != nil {
		return err
	}
	jobs, err := s.SetJobSuspensionByInstances(ctx, instanceIDs, state)
	if err != nil {
		return err
	}
	c.logger.Info("suspension cascade applied",
		"state", state.String(), "instances", len(instanceIDs),
		"executions", execs, "tasks", tasks, "external_tasks", external, "jobs", jobs)
	return nil
}

// resolveDefinitions returns the target process definitions. A keyed bulk
// selection silently filters out tenants the caller may not touch; an id
// selection against an out-of-scope tenant fails naming the id.
func (c *Coordinator) resolveDefinitions(ctx context.Context, s store.EntityStore, cmd *Command) ([]*store.ProcessDefinition, error) {
	a := auth.FromContext(ctx)
	if cmd.ID != nil {
		def, err := s.GetProcessDefinition(ctx, *cmd.ID)
		if err != nil {
			return nil, err
		}
		if !a.CanAccessTenant(def.TenantID) {
			return nil, errs.Unauthorized("process definition", def.ID.String())
		}
		return []*store.ProcessDefinition{def}, nil
	}

	filter := a.TenantFilter()
	if cmd.WithoutTenant {
		filter = store.TenantFilter{IncludeNoTenant: true}
	} else if cmd.TenantID != nil {
		if !a.CanAccessTenant(cmd.TenantID) {
			// Out-of-scope tenant in a keyed bulk selection: nothing matches.
			return nil, nil
		}
		filter = store.TenantFilter{TenantIDs: []string{*cmd.TenantID}}
	}
	defs, err := s.ProcessDefinitionsByKey(ctx, *cmd.Key, filter)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 && filter.All {
		return nil, errs.NotFound("process definition key", *cmd.Key)
	}
	return defs, nil
}
