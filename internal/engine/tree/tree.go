// Package tree maintains the live shape of a process instance as a tree of
// executions and provides the fork, join and cancel primitives. The tree is
// an id-indexed arena: parents own children, children hold a non-owning
// back-reference by id, and restore is a pure function from a flat set.
package tree

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"flowplane/internal/engine/errs"
	"flowplane/internal/store"
)

// Tree is the in-memory working set of one process instance. It is only
// mutated inside a transactional command; Persist writes the accumulated
// changes back through the entity store.
type Tree struct {
	root     uuid.UUID
	nodes    map[uuid.UUID]*store.Execution
	children map[uuid.UUID][]uuid.UUID

	// maxCounter is the highest sequence counter ever assigned in this
	// instance. Joins and boundary triggers allocate from it so that two
	// join events can never share a counter.
	maxCounter int64

	created map[uuid.UUID]bool
	removed []uuid.UUID
}

// NewProcessInstance starts a fresh tree with a single root execution
// positioned at the given activity.
func NewProcessInstance(processDefinitionID uuid.UUID, activityID string, tenantID *string) *Tree {
	id := uuid.New()
	root := &store.Execution{
		ID:                  id,
		ProcessInstanceID:   id,
		ProcessDefinitionID: processDefinitionID,
		ActivityID:          activityID,
		IsActive:            true,
		IsScope:             true,
		SequenceCounter:     1,
		SuspensionState:     store.StateActive,
		TenantID:            tenantID,
	}
	t := &Tree{
		root:       id,
		nodes:      map[uuid.UUID]*store.Execution{id: root},
		children:   map[uuid.UUID][]uuid.UUID{},
		maxCounter: 1,
		created:    map[uuid.UUID]bool{id: true},
	}
	return t
}

// Restore reconstructs parent/child links from a flat set of executions.
// An execution whose parent is absent from the set is a fatal consistency
// error, surfaced as a structural conflict naming both ids.
func Restore(execs []*store.Execution) (*Tree, error) {
	t := &Tree{
		nodes:    make(map[uuid.UUID]*store.Execution, len(execs)),
		children: map[uuid.UUID][]uuid.UUID{},
		created:  map[uuid.UUID]bool{},
	}
	for _, e := range execs {
		t.nodes[e.ID] = e
		if e.SequenceCounter > t.maxCounter {
			t.maxCounter = e.SequenceCounter
		}
	}
	var rootSeen bool
	for _, e := range execs {
		if e.ParentID == nil {
			if rootSeen {
				return nil, errs.StructuralConflict("multiple root executions in working set", e.ID.String(), t.root.String())
			}
			rootSeen = true
			t.root = e.ID
			continue
		}
		if _, ok := t.nodes[*e.ParentID]; !ok {
			return nil, errs.StructuralConflict("execution references a parent missing from the working set", e.ID.String(), e.ParentID.String())
		}
		t.children[*e.ParentID] = append(t.children[*e.ParentID], e.ID)
	}
	if !rootSeen {
		return nil, errs.StructuralConflict("working set has no root execution", "", "")
	}
	// Deterministic child order for snapshots and tests.
	for _, ids := range t.children {
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	}
	return t, nil
}

// Load restores the tree of the given process instance from the store.
func Load(ctx context.Context, s store.EntityStore, processInstanceID uuid.UUID) (*Tree, error) {
	execs, err := s.ExecutionsByProcessInstance(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, errs.NotFound("process instance", processInstanceID.String())
	}
	return Restore(execs)
}

// Root returns the process instance execution.
func (t *Tree) Root() *store.Execution {
	return t.nodes[t.root]
}

// Get returns the execution with the given id.
func (t *Tree) Get(id uuid.UUID) (*store.Execution, error) {
	e, ok := t.nodes[id]
	if !ok {
		return nil, errs.NotFound("execution", id.String())
	}
	return e, nil
}

// Executions returns the flat working set in deterministic order.
func (t *Tree) Executions() []*store.Execution {
	out := make([]*store.Execution, 0, len(t.nodes))
	for _, e := range t.nodes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Fork creates n >= 2 concurrent children under parent, one per activity.
// Siblings created by the same fork inherit the parent's sequence counter,
// so their counters stay equal until the branches diverge.
func (t *Tree) Fork(parentID uuid.UUID, activityIDs []string) ([]*store.Execution, error) {
	if len(activityIDs) < 2 {
		return nil, errs.BadRequest("fork requires at least 2 branches, got %d", len(activityIDs))
	}
	parent, err := t.Get(parentID)
	if err != nil {
		return nil, err
	}
	if parent.IsEnded {
		return nil, errs.InvalidState("cannot fork ended execution %s", parentID)
	}
	out := make([]*store.Execution, 0, len(activityIDs))
	for _, activity := range activityIDs {
		child := t.newChild(parent, activity)
		child.IsConcurrent = true
		child.SequenceCounter = parent.SequenceCounter
		out = append(out, child)
	}
	// The parent becomes a pure scope while its branches run.
	parent.IsActive = false
	parent.ActivityID = ""
	return out, nil
}

// ForkMultiInstance creates the executions of a multi-instance body. In
// parallel mode every instance is a concurrent child sharing the parent's
// counter; in sequential mode a single child is created and revisits the
// activity via Advance, picking up a fresh counter each iteration.
func (t *Tree) ForkMultiInstance(parentID uuid.UUID, activityID string, cardinality int, parallel bool) ([]*store.Execution, error) {
	if cardinality < 1 {
		return nil, errs.BadRequest("multi-instance cardinality must be >= 1, got %d", cardinality)
	}
	parent, err := t.Get(parentID)
	if err != nil {
		return nil, err
	}
	if !parallel {
		child := t.newChild(parent, activityID)
		child.SequenceCounter = t.nextAfterChain(child)
		return []*store.Execution{child}, nil
	}
	out := make([]*store.Execution, 0, cardinality)
	for i := 0; i < cardinality; i++ {
		child := t.newChild(parent, activityID)
		child.IsConcurrent = true
		child.SequenceCounter = parent.SequenceCounter
		out = append(out, child)
	}
	parent.IsActive = false
	return out, nil
}

// CreateScope opens a nested scope (sub-process) under parent. The scope
// advances past everything its ancestors have recorded.
func (t *Tree) CreateScope(parentID uuid.UUID, activityID string) (*store.Execution, error) {
	parent, err := t.Get(parentID)
	if err != nil {
		return nil, err
	}
	child := t.newChild(parent, activityID)
	child.IsScope = true
	child.SequenceCounter = t.nextAfterChain(child)
	return child, nil
}

// Advance moves a non-forking execution to its next activity, assigning a
// counter strictly greater than anything in its ancestor chain. Revisiting
// an activity in a loop yields a fresh, higher counter each time.
func (t *Tree) Advance(id uuid.UUID, nextActivity string) error {
	if nextActivity == "" {
		return errs.BadRequest("advance requires a target activity")
	}
	e, err := t.Get(id)
	if err != nil {
		return err
	}
	if e.IsEnded {
		return errs.InvalidState("cannot advance ended execution %s", id)
	}
	e.ActivityID = nextActivity
	e.IsActive = true
	e.SequenceCounter = t.nextAfterChain(e)
	return nil
}

// Join merges concurrent siblings that reached the same join point. The
// surviving execution is their shared parent, resumed at the join activity
// with a counter strictly greater than every counter recorded so far, so
// two join events always produce two distinct counters.
func (t *Tree) Join(ids []uuid.UUID, joinActivity string) (*store.Execution, error) {
	if len(ids) < 2 {
		return nil, errs.BadRequest("join requires at least 2 executions, got %d", len(ids))
	}
	var parentID *uuid.UUID
	joined := make([]*store.Execution, 0, len(ids))
	for _, id := range ids {
		e, err := t.Get(id)
		if err != nil {
			return nil, err
		}
		if !e.IsConcurrent {
			return nil, errs.InvalidState("execution %s is not a concurrent branch", id)
		}
		if e.ParentID == nil {
			return nil, errs.StructuralConflict("concurrent execution without a parent", id.String(), "")
		}
		if parentID == nil {
			parentID = e.ParentID
		} else if *parentID != *e.ParentID {
			return nil, errs.StructuralConflict("joined executions belong to different parents", id.String(), parentID.String())
		}
		joined = append(joined, e)
	}
	parent, err := t.Get(*parentID)
	if err != nil {
		return nil, err
	}
	for _, e := range joined {
		e.IsActive = false
		e.IsEnded = true
		t.remove(e.ID)
	}
	parent.IsActive = true
	parent.ActivityID = joinActivity
	parent.SequenceCounter = t.next()
	return parent, nil
}

// Cancel deactivates and removes every execution in the scope's sub-tree,
// including the scope itself. Before touching anything it verifies the
// working set is structurally sound.
func (t *Tree) Cancel(scopeID uuid.UUID) ([]uuid.UUID, error) {
	if _, err := t.Get(scopeID); err != nil {
		return nil, err
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	removed := t.collectSubtree(scopeID)
	for _, id := range removed {
		e := t.nodes[id]
		e.IsActive = false
		e.IsEnded = true
		t.remove(id)
	}
	return removed, nil
}

// TriggerBoundary fires a boundary event attached to the host execution's
// activity. An interrupting boundary cancels the host's sub-tree and the
// triggered branch continues on the host with a counter above everything
// already recorded. A non-interrupting boundary spawns an independent
// concurrent branch whose counters never precede those of the host branch
// at triggering time.
func (t *Tree) TriggerBoundary(hostID uuid.UUID, boundaryActivity string, interrupting bool) (*store.Execution, error) {
	host, err := t.Get(hostID)
	if err != nil {
		return nil, err
	}
	if host.IsEnded {
		return nil, errs.InvalidState("cannot trigger boundary on ended execution %s", hostID)
	}
	if interrupting {
		for _, childID := range t.collectSubtree(hostID) {
			if childID == hostID {
				continue
			}
			c := t.nodes[childID]
			c.IsActive = false
			c.IsEnded = true
			t.remove(childID)
		}
		host.ActivityID = boundaryActivity
		host.IsActive = true
		host.SequenceCounter = t.next()
		return host, nil
	}
	branch := t.newChild(host, boundaryActivity)
	branch.IsConcurrent = true
	branch.SequenceCounter = t.next()
	return branch, nil
}

// End marks a leaf execution finished without removing its scope.
func (t *Tree) End(id uuid.UUID) error {
	e, err := t.Get(id)
	if err != nil {
		return err
	}
	e.IsActive = false
	e.IsEnded = true
	return nil
}

// Attach raises a cached-state flag on the execution when a child entity
// (task, job, subscription, variable, incident, external task) is added.
func (t *Tree) Attach(id uuid.UUID, flag store.CachedEntityState) error {
	e, err := t.Get(id)
	if err != nil {
		return err
	}
	e.CachedEntityState = e.CachedEntityState.Set(flag)
	return nil
}

// Detach clears a cached-state flag only when the corresponding child
// collection is provably empty; otherwise the flag stays raised as a
// "maybe". False positives are tolerated, false negatives are not.
func (t *Tree) Detach(id uuid.UUID, flag store.CachedEntityState, collectionEmpty bool) error {
	e, err := t.Get(id)
	if err != nil {
		return err
	}
	if collectionEmpty {
		e.CachedEntityState = e.CachedEntityState.Clear(flag)
	}
	return nil
}

// Persist flushes created, updated and removed executions to the store.
func (t *Tree) Persist(ctx context.Context, s store.EntityStore) error {
	for _, id := range t.removed {
		if err := s.DeleteExecution(ctx, id); err != nil {
			return err
		}
	}
	t.removed = nil
	for _, e := range t.Executions() {
		if t.created[e.ID] {
			if err := s.InsertExecution(ctx, e); err != nil {
				return err
			}
			delete(t.created, e.ID)
			continue
		}
		if err := s.UpdateExecution(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) newChild(parent *store.Execution, activityID string) *store.Execution {
	parentID := parent.ID
	child := &store.Execution{
		ID:                  uuid.New(),
		ParentID:            &parentID,
		ProcessInstanceID:   parent.ProcessInstanceID,
		ProcessDefinitionID: parent.ProcessDefinitionID,
		ActivityID:          activityID,
		IsActive:            true,
		SuspensionState:     parent.SuspensionState,
		TenantID:            parent.TenantID,
	}
	t.nodes[child.ID] = child
	t.children[parent.ID] = append(t.children[parent.ID], child.ID)
	t.created[child.ID] = true
	return child
}

// nextAfterChain allocates a counter strictly greater than any counter in
// the execution's ancestor chain, itself included. Counters on concurrent
// sibling branches do not constrain it: unordered events may interleave.
func (t *Tree) nextAfterChain(e *store.Execution) int64 {
	max := e.SequenceCounter
	cur := e
	for cur.ParentID != nil {
		parent, ok := t.nodes[*cur.ParentID]
		if !ok {
			break
		}
		if parent.SequenceCounter > max {
			max = parent.SequenceCounter
		}
		cur = parent
	}
	next := max + 1
	if next > t.maxCounter {
		t.maxCounter = next
	}
	return next
}

// next allocates a counter above everything recorded in the instance.
func (t *Tree) next() int64 {
	t.maxCounter++
	return t.maxCounter
}

func (t *Tree) collectSubtree(id uuid.UUID) []uuid.UUID {
	out := []uuid.UUID{}
	stack := []uuid.UUID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)
		stack = append(stack, t.children[cur]...)
	}
	return out
}

func (t *Tree) remove(id uuid.UUID) {
	e := t.nodes[id]
	delete(t.nodes, id)
	if e != nil && e.ParentID != nil {
		siblings := t.children[*e.ParentID]
		for i, sid := range siblings {
			if sid == id {
				t.children[*e.ParentID] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	delete(t.children, id)
	if t.created[id] {
		// Never persisted; nothing to delete downstream.
		delete(t.created, id)
		return
	}
	t.removed = append(t.removed, id)
}

func (t *Tree) validate() error {
	for _, e := range t.nodes {
		if e.ParentID == nil {
			continue
		}
		if _, ok := t.nodes[*e.ParentID]; !ok {
			return errs.StructuralConflict("execution references a parent missing from the working set", e.ID.String(), e.ParentID.String())
		}
	}
	return nil
}
