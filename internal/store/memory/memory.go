// Package memory is an in-memory entity store. It backs engine tests and
// flowctl's dry-run mode with the same transactional command semantics the
// SQL store provides: a failed command rolls back completely.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/engine/errs"
	"flowplane/internal/store"
)

// Store holds every entity kind behind one mutex. Commands serialize on the
// lock; the snapshot taken at command start is restored when the command
// fails.
type Store struct {
	mu   sync.Mutex
	data data
}

type data struct {
	definitions    map[uuid.UUID]store.ProcessDefinition
	executions     map[uuid.UUID]store.Execution
	tasks          map[uuid.UUID]store.Task
	externalTasks  map[uuid.UUID]store.ExternalTask
	jobDefinitions map[uuid.UUID]store.JobDefinition
	jobs           map[uuid.UUID]store.Job
}

func newData() data {
	return data{
		definitions:    map[uuid.UUID]store.ProcessDefinition{},
		executions:     map[uuid.UUID]store.Execution{},
		tasks:          map[uuid.UUID]store.Task{},
		externalTasks:  map[uuid.UUID]store.ExternalTask{},
		jobDefinitions: map[uuid.UUID]store.JobDefinition{},
		jobs:           map[uuid.UUID]store.Job{},
	}
}

func (d data) clone() data {
	out := newData()
	for k, v := range d.definitions {
		out.definitions[k] = v
	}
	for k, v := range d.executions {
		out.executions[k] = v
	}
	for k, v := range d.tasks {
		out.tasks[k] = v
	}
	for k, v := range d.externalTasks {
		out.externalTasks[k] = v
	}
	for k, v := range d.jobDefinitions {
		out.jobDefinitions[k] = v
	}
	for k, v := range d.jobs {
		out.jobs[k] = v
	}
	return out
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newData()}
}

// WithTransaction runs fn as one atomic command.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, es store.EntityStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(ctx, (*view)(s)); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// View exposes the store directly, for test setup and assertions outside a
// command.
func (s *Store) View() store.EntityStore {
	return (*view)(s)
}

// view implements store.EntityStore against the live data. It is only
// reachable while the command mutex is held or from single-threaded tests.
type view Store

func (v *view) InsertProcessDefinition(_ context.Context, def *store.ProcessDefinition) error {
	v.data.definitions[def.ID] = *def
	return nil
}

func (v *view) UpdateProcessDefinition(_ context.Context, def *store.ProcessDefinition) error {
	if _, ok := v.data.definitions[def.ID]; !ok {
		return errs.NotFound("process definition", def.ID.String())
	}
	v.data.definitions[def.ID] = *def
	return nil
}

func (v *view) GetProcessDefinition(_ context.Context, id uuid.UUID) (*store.ProcessDefinition, error) {
	def, ok := v.data.definitions[id]
	if !ok {
		return nil, errs.NotFound("process definition", id.String())
	}
	return &def, nil
}

func (v *view) ProcessDefinitionsByKey(_ context.Context, key string, filter store.TenantFilter) ([]*store.ProcessDefinition, error) {
	var out []*store.ProcessDefinition
	for _, def := range v.data.definitions {
		if def.Key == key && filter.Matches(def.TenantID) {
			d := def
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (v *view) InsertExecution(_ context.Context, e *store.Execution) error {
	v.data.executions[e.ID] = *e
	return nil
}

func (v *view) UpdateExecution(_ context.Context, e *store.Execution) error {
	if _, ok := v.data.executions[e.ID]; !ok {
		return errs.NotFound("execution", e.ID.String())
	}
	v.data.executions[e.ID] = *e
	return nil
}

func (v *view) DeleteExecution(_ context.Context, id uuid.UUID) error {
	delete(v.data.executions, id)
	return nil
}

func (v *view) GetExecution(_ context.Context, id uuid.UUID) (*store.Execution, error) {
	e, ok := v.data.executions[id]
	if !ok {
		return nil, errs.NotFound("execution", id.String())
	}
	return &e, nil
}

func (v *view) ExecutionsByProcessInstance(_ context.Context, processInstanceID uuid.UUID) ([]*store.Execution, error) {
	var out []*store.Execution
	for _, e := range v.data.executions {
		if e.ProcessInstanceID == processInstanceID {
			c := e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (v *view) ProcessInstancesByDefinition(_ context.Context, defIDs []uuid.UUID) ([]*store.Execution, error) {
	var out []*store.Execution
	for _, e := range v.data.executions {
		if e.ParentID != nil || !containsID(defIDs, e.ProcessDefinitionID) {
			continue
		}
		c := e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (v *view) SetExecutionSuspensionByInstances(_ context.Context, instanceIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	var n int64
	for id, e := range v.data.executions {
		if containsID(instanceIDs, e.ProcessInstanceID) {
			e.SuspensionState = state
			v.data.executions[id] = e
			n++
		}
	}
	return n, nil
}

func (v *view) InsertTask(_ context.Context, t *store.Task) error {
	v.data.tasks[t.ID] = *t
	return nil
}

func (v *view) UpdateTask(_ context.Context, t *store.Task) error {
	if _, ok := v.data.tasks[t.ID]; !ok {
		return errs.NotFound("task", t.ID.String())
	}
	v.data.tasks[t.ID] = *t
	return nil
}

func (v *view) DeleteTask(_ context.Context, id uuid.UUID) error {
	delete(v.data.tasks, id)
	return nil
}

func (v *view) GetTask(_ context.Context, id uuid.UUID) (*store.Task, error) {
	t, ok := v.data.tasks[id]
	if !ok {
		return nil, errs.NotFound("task", id.String())
	}
	return &t, nil
}

func (v *view) TasksByProcessInstances(_ context.Context, instanceIDs []uuid.UUID) ([]*store.Task, error) {
	var out []*store.Task
	for _, t := range v.data.tasks {
		if t.ProcessInstanceID != nil && containsID(instanceIDs, *t.ProcessInstanceID) {
			c := t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (v *view) SetTaskSuspensionByInstances(_ context.Context, instanceIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	var n int64
	for id, t := range v.data.tasks {
		if t.ProcessInstanceID != nil && containsID(instanceIDs, *t.ProcessInstanceID) {
			t.SuspensionState = state
			v.data.tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (v *view) InsertExternalTask(_ context.Context, t *store.ExternalTask) error {
	v.data.externalTasks[t.ID] = *t
	return nil
}

func (v *view) ExternalTasksByProcessInstances(_ context.Context, instanceIDs []uuid.UUID) ([]*store.ExternalTask, error) {
	var out []*store.ExternalTask
	for _, t := range v.data.externalTasks {
		if containsID(instanceIDs, t.ProcessInstanceID) {
			c := t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (v *view) SetExternalTaskSuspensionByInstances(_ context.Context, instanceIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	var n int64
	for id, t := range v.data.externalTasks {
		if containsID(instanceIDs, t.ProcessInstanceID) {
			t.SuspensionState = state
			v.data.externalTasks[id] = t
			n++
		}
	}
	return n, nil
}

func (v *view) InsertJobDefinition(_ context.Context, d *store.JobDefinition) error {
	v.data.jobDefinitions[d.ID] = *d
	return nil
}

func (v *view) UpdateJobDefinition(_ context.Context, d *store.JobDefinition) error {
	if _, ok := v.data.jobDefinitions[d.ID]; !ok {
		return errs.NotFound("job definition", d.ID.String())
	}
	v.data.jobDefinitions[d.ID] = *d
	return nil
}

func (v *view) GetJobDefinition(_ context.Context, id uuid.UUID) (*store.JobDefinition, error) {
	d, ok := v.data.jobDefinitions[id]
	if !ok {
		return nil, errs.NotFound("job definition", id.String())
	}
	return &d, nil
}

func (v *view) JobDefinitionsByProcessDefinitions(_ context.Context, defIDs []uuid.UUID) ([]*store.JobDefinition, error) {
	var out []*store.JobDefinition
	for _, d := range v.data.jobDefinitions {
		if containsID(defIDs, d.ProcessDefinitionID) {
			c := d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (v *view) SetJobDefinitionSuspensionByDefinitions(_ context.Context, defIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	var n int64
	for id, d := range v.data.jobDefinitions {
		if containsID(defIDs, d.ProcessDefinitionID) {
			d.SuspensionState = state
			v.data.jobDefinitions[id] = d
			n++
		}
	}
	return n, nil
}

func (v *view) InsertJob(_ context.Context, j *store.Job) error {
	v.data.jobs[j.ID] = *j
	return nil
}

func (v *view) UpdateJob(_ context.Context, j *store.Job) error {
	if _, ok := v.data.jobs[j.ID]; !ok {
		return errs.NotFound("job", j.ID.String())
	}
	v.data.jobs[j.ID] = *j
	return nil
}

func (v *view) DeleteJob(_ context.Context, id uuid.UUID) error {
	delete(v.data.jobs, id)
	return nil
}

func (v *view) GetJob(_ context.Context, id uuid.UUID) (*store.Job, error) {
	j, ok := v.data.jobs[id]
	if !ok {
		return nil, errs.NotFound("job", id.String())
	}
	return &j, nil
}

func (v *view) DueJobs(_ context.Context, now time.Time, limit int) ([]*store.Job, error) {
	var out []*store.Job
	for _, j := range v.data.jobs {
		if j.SuspensionState != store.StateActive {
			continue
		}
		if j.DueDate != nil && j.DueDate.After(now) {
			continue
		}
		if j.Retries <= 0 {
			continue
		}
		if j.Locked(now) {
			continue
		}
		c := j
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *view) ClaimJob(_ context.Context, id uuid.UUID, owner string, until time.Time, now time.Time) (bool, error) {
	j, ok := v.data.jobs[id]
	if !ok {
		return false, nil
	}
	if j.Locked(now) && (j.LockOwner == nil || *j.LockOwner != owner) {
		return false, nil
	}
	j.LockOwner = &owner
	j.LockExpirationTime = &until
	v.data.jobs[id] = j
	return true, nil
}

func (v *view) JobsByProcessInstances(_ context.Context, instanceIDs []uuid.UUID) ([]*store.Job, error) {
	var out []*store.Job
	for _, j := range v.data.jobs {
		if j.ProcessInstanceID != nil && containsID(instanceIDs, *j.ProcessInstanceID) {
			c := j
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (v *view) SetJobSuspensionByJobDefinitions(_ context.Context, jobDefIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	var n int64
	for id, j := range v.data.jobs {
		if j.JobDefinitionID != nil && containsID(jobDefIDs, *j.JobDefinitionID) {
			j.SuspensionState = state
			v.data.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (v *view) SetJobSuspensionByInstances(_ context.Context, instanceIDs []uuid.UUID, state store.SuspensionState) (int64, error) {
	var n int64
	for id, j := range v.data.jobs {
		if j.ProcessInstanceID != nil && containsID(instanceIDs, *j.ProcessInstanceID) {
			j.SuspensionState = state
			v.data.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (v *view) DeleteJobsByConfiguration(_ context.Context, jobType, configuration string) (int64, error) {
	var n int64
	for id, j := range v.data.jobs {
		if j.JobType == jobType && j.Configuration == configuration {
			delete(v.data.jobs, id)
			n++
		}
	}
	return n, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
