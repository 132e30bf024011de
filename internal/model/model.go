// Package model provides the process model lookup this core consumes: the
// activity graph of a deployed process definition, with fork points,
// boundary events and multi-instance cardinality. Models are declared in
// YAML and cached per definition id.
package model

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"flowplane/internal/engine/errs"
)

// ActivityType classifies a node of the activity graph.
type ActivityType string

const (
	ActivityTask            ActivityType = "task"
	ActivityUserTask        ActivityType = "user-task"
	ActivityParallelGateway ActivityType = "parallel-gateway"
	ActivityJoinGateway     ActivityType = "join-gateway"
	ActivitySubProcess      ActivityType = "sub-process"
	ActivityEnd             ActivityType = "end"
)

// BoundaryEvent attaches to an activity and may interrupt its scope.
type BoundaryEvent struct {
	ID           string `yaml:"id"`
	Interrupting bool   `yaml:"interrupting"`
	TimerSeconds int    `yaml:"timer_seconds,omitempty"`
}

// MultiInstance describes the loop characteristics of an activity.
type MultiInstance struct {
	Parallel    bool `yaml:"parallel"`
	Cardinality int  `yaml:"cardinality"`
}

// Activity is one node of the graph.
type Activity struct {
	ID            string          `yaml:"id"`
	Type          ActivityType    `yaml:"type"`
	Next          []string        `yaml:"next,omitempty"`
	Async         bool            `yaml:"async,omitempty"`
	TimerSeconds  int             `yaml:"timer_seconds,omitempty"`
	Boundary      []BoundaryEvent `yaml:"boundary,omitempty"`
	MultiInstance *MultiInstance  `yaml:"multi_instance,omitempty"`
}

// ProcessModel is the parsed activity graph of one process definition.
type ProcessModel struct {
	Key        string     `yaml:"key"`
	Start      string     `yaml:"start"`
	Activities []Activity `yaml:"activities"`

	byID map[string]*Activity
}

// Parse reads a YAML process model.
func Parse(b []byte) (*ProcessModel, error) {
	var m ProcessModel
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, errs.BadRequest("malformed process model: %v", err)
	}
	if m.Key == "" {
		return nil, errs.BadRequest("process model requires a key")
	}
	m.byID = make(map[string]*Activity, len(m.Activities))
	for i := range m.Activities {
		a := &m.Activities[i]
		if a.ID == "" {
			return nil, errs.BadRequest("process model %s has an activity without id", m.Key)
		}
		if _, dup := m.byID[a.ID]; dup {
			return nil, errs.BadRequest("process model %s has duplicate activity %s", m.Key, a.ID)
		}
		m.byID[a.ID] = a
	}
	for _, a := range m.byID {
		for _, next := range a.Next {
			if _, ok := m.byID[next]; !ok {
				return nil, errs.BadRequest("activity %s references unknown activity %s", a.ID, next)
			}
		}
	}
	if m.Start != "" {
		if _, ok := m.byID[m.Start]; !ok {
			return nil, errs.BadRequest("process model %s starts at unknown activity %s", m.Key, m.Start)
		}
	}
	return &m, nil
}

// LoadFile parses a process model from disk.
func LoadFile(path string) (*ProcessModel, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read process model %s: %w", path, err)
	}
	return Parse(b)
}

// Activity returns the node with the given id.
func (m *ProcessModel) Activity(id string) (*Activity, bool) {
	a, ok := m.byID[id]
	return a, ok
}

// ForkTargets returns the outgoing branches of a parallel gateway.
func (m *ProcessModel) ForkTargets(id string) ([]string, error) {
	a, ok := m.byID[id]
	if !ok {
		return nil, errs.NotFound("activity", id)
	}
	if a.Type != ActivityParallelGateway {
		return nil, errs.BadRequest("activity %s is not a parallel gateway", id)
	}
	return a.Next, nil
}

// Provider is the read-only, cached model lookup keyed by process
// definition id.
type Provider struct {
	mu     sync.RWMutex
	models map[uuid.UUID]*ProcessModel
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{models: map[uuid.UUID]*ProcessModel{}}
}

// Register caches the model for a process definition.
func (p *Provider) Register(processDefinitionID uuid.UUID, m *ProcessModel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models[processDefinitionID] = m
}

// Get returns the cached model for a process definition.
func (p *Provider) Get(processDefinitionID uuid.UUID) (*ProcessModel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.models[processDefinitionID]
	if !ok {
		return nil, errs.NotFound("process model", processDefinitionID.String())
	}
	return m, nil
}
