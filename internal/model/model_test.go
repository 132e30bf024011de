package model

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"flowplane/internal/engine/errs"
	"flowplane/internal/store"
	"flowplane/internal/store/memory"
)

const orderModel = `
key: order
start: receive
activities:
  - id: receive
    type: task
    next: [split]
  - id: split
    type: parallel-gateway
    next: [pack, bill]
  - id: pack
    type: task
    async: true
    next: [merge]
  - id: bill
    type: user-task
    timer_seconds: 60
    next: [merge]
    boundary:
      - id: bill-overdue
        interrupting: true
        timer_seconds: 3600
  - id: merge
    type: join-gateway
    next: [done]
  - id: done
    type: end
`

func TestParse_ValidModel(t *testing.T) {
	m, err := Parse([]byte(orderModel))
	require.NoError(t, err)
	require.Equal(t, "order", m.Key)

	a, ok := m.Activity("bill")
	require.True(t, ok)
	require.Equal(t, ActivityUserTask, a.Type)
	require.Len(t, a.Boundary, 1)
	require.True(t, a.Boundary[0].Interrupting)

	targets, err := m.ForkTargets("split")
	require.NoError(t, err)
	require.Equal(t, []string{"pack", "bill"}, targets)
}

func TestParse_RejectsUnknownReference(t *testing.T) {
	_, err := Parse([]byte(`
key: broken
activities:
  - id: a
    type: task
    next: [missing]
`))
	require.True(t, errs.IsBadRequest(err))
	require.Contains(t, err.Error(), "missing")
}

func TestParse_RejectsDuplicateActivity(t *testing.T) {
	_, err := Parse([]byte(`
key: broken
activities:
  - id: a
    type: task
  - id: a
    type: task
`))
	require.True(t, errs.IsBadRequest(err))
}

func TestParse_RejectsMissingKey(t *testing.T) {
	_, err := Parse([]byte(`
activities:
  - id: a
    type: task
`))
	require.True(t, errs.IsBadRequest(err))
}

func TestForkTargets_NonGatewayIsBadRequest(t *testing.T) {
	m, err := Parse([]byte(orderModel))
	require.NoError(t, err)

	_, err = m.ForkTargets("receive")
	require.True(t, errs.IsBadRequest(err))
}

func TestProvider_RegisterAndGet(t *testing.T) {
	p := NewProvider()
	defID := uuid.New()
	m, err := Parse([]byte(orderModel))
	require.NoError(t, err)

	_, err = p.Get(defID)
	require.True(t, errs.IsNotFound(err))

	p.Register(defID, m)
	got, err := p.Get(defID)
	require.NoError(t, err)
	require.Equal(t, "order", got.Key)
}

func TestDeployJobDefinitions_CoversDeferredWorkPoints(t *testing.T) {
	mem := memory.New()
	m, err := Parse([]byte(orderModel))
	require.NoError(t, err)
	def := &store.ProcessDefinition{ID: uuid.New(), Key: m.Key, Version: 1, SuspensionState: store.StateActive}

	var deployed []*store.JobDefinition
	err = mem.WithTransaction(context.Background(), func(ctx context.Context, s store.EntityStore) error {
		if err := s.InsertProcessDefinition(ctx, def); err != nil {
			return err
		}
		deployed, err = DeployJobDefinitions(ctx, s, def, m)
		return err
	})
	require.NoError(t, err)

	// pack is async, bill carries a timer, bill-overdue is a boundary timer.
	byActivity := map[string]string{}
	for _, jd := range deployed {
		byActivity[jd.ActivityID] = jd.JobType
	}
	require.Equal(t, map[string]string{
		"pack":         "async-continuation",
		"bill":         "timer",
		"bill-overdue": "timer",
	}, byActivity)

	stored, err := mem.View().JobDefinitionsByProcessDefinitions(context.Background(), []uuid.UUID{def.ID})
	require.NoError(t, err)
	require.Len(t, stored, 3)
}
