package task

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Listener is a callback invoked when a lifecycle event fires. Listeners
// mutate the task only through the TaskContext; a returned error aborts the
// surrounding transition.
type Listener func(ctx context.Context, tc *TaskContext) error

type listenerKey struct {
	event             Event
	processDefinition uuid.UUID
	taskDefinitionKey string
}

// Registry resolves ordered listener lists per (event, scope). Dispatch
// order is registration order within a scope, scoped listeners before
// global ones, independent of any plugin mechanism.
type Registry struct {
	mu     sync.RWMutex
	scoped map[listenerKey][]Listener
	global map[Event][]Listener
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		scoped: map[listenerKey][]Listener{},
		global: map[Event][]Listener{},
	}
}

// Register binds a listener to an event within one process definition and
// task definition key.
func (r *Registry) Register(event Event, processDefinitionID uuid.UUID, taskDefinitionKey string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := listenerKey{event: event, processDefinition: processDefinitionID, taskDefinitionKey: taskDefinitionKey}
	r.scoped[k] = append(r.scoped[k], l)
}

// RegisterGlobal binds a listener to an event regardless of scope.
func (r *Registry) RegisterGlobal(event Event, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global[event] = append(r.global[event], l)
}

func (r *Registry) resolve(event Event, processDefinitionID *uuid.UUID, taskDefinitionKey string) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Listener
	if processDefinitionID != nil {
		k := listenerKey{event: event, processDefinition: *processDefinitionID, taskDefinitionKey: taskDefinitionKey}
		out = append(out, r.scoped[k]...)
	}
	out = append(out, r.global[event]...)
	return out
}
