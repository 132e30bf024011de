package model

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

// Job types produced at deployment time. They mirror the scheduler's
// handler names.
const (
	timerJobType             = "timer"
	asyncContinuationJobType = "async-continuation"
)

// DeployJobDefinitions creates one job definition per deferred-work point
// of the model: async continuations, activity timers and boundary timers.
// Definitions start active; suspending them is the coordinator's business.
func DeployJobDefinitions(ctx context.Context, s store.EntityStore, def *store.ProcessDefinition, m *ProcessModel) ([]*store.JobDefinition, error) {
	var out []*store.JobDefinition
	insert := func(activityID, jobType string) error {
		jd := &store.JobDefinition{
			ID:                  uuid.New(),
			ProcessDefinitionID: def.ID,
			ActivityID:          activityID,
			JobType:             jobType,
			SuspensionState:     store.StateActive,
			TenantID:            def.TenantID,
		}
		if err := s.InsertJobDefinition(ctx, jd); err != nil {
			return fmt.Errorf("deploy job definition for activity %s: %w", activityID, err)
		}
		out = append(out, jd)
		return nil
	}
	for _, a := range m.Activities {
		if a.Async {
			if err := insert(a.ID, asyncContinuationJobType); err != nil {
				return nil, err
			}
		}
		if a.TimerSeconds > 0 {
			if err := insert(a.ID, timerJobType); err != nil {
				return nil, err
			}
		}
		for _, b := range a.Boundary {
			if b.TimerSeconds > 0 {
				if err := insert(b.ID, timerJobType); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}
